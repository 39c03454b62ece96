package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_engine/internal/contextsync"
	"trade_engine/internal/models"
	"trade_engine/pkg/db"
)

// Analytics reads precomputed analytics tables, taking the newest row per
// ticker.
type Analytics struct {
	db db.TxManager
}

var _ contextsync.AnalyticsProvider = (*Analytics)(nil)

func NewAnalytics(tx db.TxManager) *Analytics {
	return &Analytics{db: tx}
}

func (a *Analytics) FetchGlobalScores(ctx context.Context, marketType string) (res []models.GlobalScore, err error) {
	defer wrap(&err, "FetchGlobalScores")
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectGlobalScores, marketType)
		if err != nil {
			return err
		}
		res, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.GlobalScore, error) {
			var (
				s     models.GlobalScore
				comps []byte
			)
			if err := row.Scan(&s.Ticker, &s.OverallScore, &comps, &s.Recommendation, &s.Confidence, &s.Timestamp); err != nil {
				return s, err
			}
			if len(comps) > 0 {
				if err := sonic.Unmarshal(comps, &s.ComponentScores); err != nil {
					return s, fmt.Errorf("component scores of %s: %w", s.Ticker, err)
				}
			}
			return s, nil
		})
		return err
	})
	return res, err
}

func (a *Analytics) FetchRouteStates(ctx context.Context, tickers []string) (res map[string]models.RouteState, err error) {
	defer wrap(&err, "FetchRouteStates")
	res = make(map[string]models.RouteState, len(tickers))
	if len(tickers) == 0 {
		return res, nil
	}
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectRouteStates, tickers)
		if err != nil {
			return err
		}
		var ticker, state string
		_, err = pgx.ForEachRow(rows, []any{&ticker, &state}, func() error {
			res[ticker] = models.RouteState(state)
			return nil
		})
		return err
	})
	return res, err
}

func (a *Analytics) FetchScreening(ctx context.Context, preset string) (res []models.ScreeningResult, err error) {
	defer wrap(&err, "FetchScreening")
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectScreening, preset)
		if err != nil {
			return err
		}
		res, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ScreeningResult, error) {
			var (
				r     models.ScreeningResult
				route *string
			)
			err := row.Scan(&r.Ticker, &r.PresetName, &r.Passed, &r.OverallScore, &route, &r.Timestamp)
			if route != nil {
				r.RouteState = models.RouteState(*route)
			}
			return r, err
		})
		return err
	})
	return res, err
}

func (a *Analytics) FetchFeatures(ctx context.Context, tickers []string) (res map[string]models.StructuralFeatures, err error) {
	defer wrap(&err, "FetchFeatures")
	res = make(map[string]models.StructuralFeatures, len(tickers))
	if len(tickers) == 0 {
		return res, nil
	}
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectFeatures, tickers)
		if err != nil {
			return err
		}
		var f models.StructuralFeatures
		_, err = pgx.ForEachRow(rows, []any{&f.Ticker, &f.LowTrend, &f.VolQuality, &f.RangePos, &f.BBWidth, &f.RSI, &f.Timestamp},
			func() error {
				res[f.Ticker] = f
				return nil
			})
		return err
	})
	return res, err
}

func (a *Analytics) FetchMarketRegimes(ctx context.Context, tickers []string) (res map[string]models.MarketRegime, err error) {
	defer wrap(&err, "FetchMarketRegimes")
	res = make(map[string]models.MarketRegime, len(tickers))
	if len(tickers) == 0 {
		return res, nil
	}
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		rows, err := tx.Query(ctxTx, selectRegimes, tickers)
		if err != nil {
			return err
		}
		var ticker, regime string
		_, err = pgx.ForEachRow(rows, []any{&ticker, &regime}, func() error {
			res[ticker] = models.MarketRegime(regime)
			return nil
		})
		return err
	})
	return res, err
}

// FetchMacroEnvironment returns nil when nothing has been computed yet.
func (a *Analytics) FetchMacroEnvironment(ctx context.Context) (res *models.MacroEnvironment, err error) {
	defer wrap(&err, "FetchMacroEnvironment")
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		var (
			m     models.MacroEnvironment
			level string
		)
		err := tx.QueryRow(ctxTx, selectMacro).Scan(&level, &m.USDChangePct, &m.NasdaqChangePct, &m.RecommendationLimit, &m.Timestamp)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		m.RiskLevel = models.MacroRisk(level)
		res = &m
		return nil
	})
	return res, err
}

func (a *Analytics) FetchMarketBreadth(ctx context.Context) (res *models.MarketBreadth, err error) {
	defer wrap(&err, "FetchMarketBreadth")
	err = a.db.RunReadOnly(ctx, func(ctxTx context.Context, tx db.Transaction) error {
		var (
			b   models.MarketBreadth
			pct decimal.Decimal
			at  time.Time
		)
		err := tx.QueryRow(ctxTx, selectBreadth).Scan(&pct, &b.Temperature, &at)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		b.AboveMA20Pct, b.CalculatedAt = pct, at
		res = &b
		return nil
	})
	return res, err
}

func wrap(err *error, op string) {
	if *err != nil {
		*err = fmt.Errorf("pg.%s: %w", op, *err)
	}
}
