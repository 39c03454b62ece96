package pg

const (
	upsertOrder = `
INSERT INTO orders (id, client_order_id, exchange_order_id, strategy_id, signal_id, symbol, side, type,
	quantity, price, stop_price, time_in_force, reduce_only, status, filled_quantity, average_fill_price,
	reject_reason, created_at, updated_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (id) DO UPDATE SET
	exchange_order_id = EXCLUDED.exchange_order_id,
	status = EXCLUDED.status,
	filled_quantity = EXCLUDED.filled_quantity,
	average_fill_price = EXCLUDED.average_fill_price,
	reject_reason = EXCLUDED.reject_reason,
	updated_at = EXCLUDED.updated_at,
	closed_at = EXCLUDED.closed_at
WHERE orders.updated_at <= EXCLUDED.updated_at`

	insertFill = `
INSERT INTO fills (id, order_id, client_order_id, symbol, side, quantity, price, fee, filled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

	upsertPosition = `
INSERT INTO positions (symbol, strategy_id, side, quantity, average_entry_price, realized_pnl,
	unrealized_pnl, last_price, opened_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (symbol) DO UPDATE SET
	strategy_id = EXCLUDED.strategy_id,
	side = EXCLUDED.side,
	quantity = EXCLUDED.quantity,
	average_entry_price = EXCLUDED.average_entry_price,
	realized_pnl = EXCLUDED.realized_pnl,
	unrealized_pnl = EXCLUDED.unrealized_pnl,
	last_price = EXCLUDED.last_price,
	opened_at = EXCLUDED.opened_at,
	updated_at = EXCLUDED.updated_at`

	insertPositionHistory = `
INSERT INTO position_history (symbol, strategy_id, side, quantity, average_entry_price, realized_pnl,
	opened_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	deletePosition = `DELETE FROM positions WHERE symbol = $1`

	insertRejection = `
INSERT INTO risk_rejections (signal_id, strategy_id, symbol, side, reasons, rejected_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	selectOpenPositions = `
SELECT symbol, strategy_id, side, quantity, average_entry_price, realized_pnl, unrealized_pnl,
	last_price, opened_at, updated_at
FROM positions
WHERE quantity > 0
ORDER BY symbol`

	selectGlobalScores = `
SELECT DISTINCT ON (ticker) ticker, overall_score, component_scores, recommendation, confidence, calculated_at
FROM global_scores
WHERE market_type = $1
ORDER BY ticker, calculated_at DESC`

	selectRouteStates = `
SELECT DISTINCT ON (ticker) ticker, route_state
FROM route_states
WHERE ticker = ANY($1)
ORDER BY ticker, calculated_at DESC`

	selectScreening = `
SELECT ticker, preset_name, passed, overall_score, route_state, screened_at
FROM screening_results
WHERE preset_name = $1
	AND screened_at = (SELECT max(screened_at) FROM screening_results WHERE preset_name = $1)
ORDER BY overall_score DESC`

	selectFeatures = `
SELECT DISTINCT ON (ticker) ticker, low_trend, vol_quality, range_pos, bb_width, rsi, calculated_at
FROM structural_features
WHERE ticker = ANY($1)
ORDER BY ticker, calculated_at DESC`

	selectRegimes = `
SELECT DISTINCT ON (ticker) ticker, regime
FROM market_regimes
WHERE ticker = ANY($1)
ORDER BY ticker, calculated_at DESC`

	selectMacro = `
SELECT risk_level, usd_change_pct, nasdaq_change_pct, recommendation_limit, calculated_at
FROM macro_environment
ORDER BY calculated_at DESC
LIMIT 1`

	selectBreadth = `
SELECT above_ma20_pct, temperature, calculated_at
FROM market_breadth
ORDER BY calculated_at DESC
LIMIT 1`
)
