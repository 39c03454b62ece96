package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_engine/internal/helper"
	"trade_engine/internal/models"
	"trade_engine/pkg/logger"
)

var ErrNoStopDistance = errors.New("stop distance is zero")

// Candidate is a signal awaiting validation, resolved to a price.
type Candidate struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Side       models.Side
	Type       models.SignalType
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal

	// Held is the executor's current position in Symbol, nil when flat.
	// When nil the snapshot's position is used.
	Held *models.Position
}

func CandidateFromSignal(sig models.Signal, price decimal.Decimal, held *models.Position) Candidate {
	entry := price
	if sig.HasSuggestedPrice() {
		entry = sig.SuggestedPrice
	}
	return Candidate{
		SignalID:   sig.ID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Type:       sig.Type,
		EntryPrice: entry,
		StopLoss:   sig.StopLoss,
		Held:       held,
	}
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDailyLimitHandler is called once each time the daily loss limit trips.
func WithDailyLimitHandler(fn func(DailyLossTracker)) Option {
	return func(m *Manager) { m.onTrip = fn }
}

type Manager struct {
	mu     sync.Mutex
	limits Limits
	daily  DailyLossTracker

	trailing   map[string]*TrailingStopState
	candles    map[string]*candleWindow
	volatility map[string]float64

	// lastEquity is the equity seen by the latest Validate, used when PnL
	// arrives without a snapshot.
	lastEquity decimal.Decimal

	now    func() time.Time
	onTrip func(DailyLossTracker)
}

func NewManager(l Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:     l.normalized(),
		trailing:   map[string]*TrailingStopState{},
		candles:    map[string]*candleWindow{},
		volatility: map[string]float64{},
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.daily = newDailyLossTracker(m.limits, m.now())
	m.lastEquity = dec(m.limits.FallbackEquity)
	return m
}

func (m *Manager) equity(snap *models.StrategyContext) decimal.Decimal {
	if eq := snap.Equity(); eq.IsPositive() {
		m.lastEquity = eq
		return eq
	}
	return dec(m.limits.FallbackEquity)
}

func reject(v models.RiskValidation, code models.RejectionCode, format string, args ...any) models.RiskValidation {
	v.IsValid = false
	v.AdjustedQuantity = decimal.Zero
	v.Reasons = append(v.Reasons, models.RejectionReason{Code: code, Message: fmt.Sprintf(format, args...)})
	return v
}

// Validate runs the checks in order and stops at the first rejection.
// A tripped daily tracker rejects everything. Closing candidates must be
// opposite the held side and are sized to the held position.
func (m *Manager) Validate(c Candidate, snap *models.StrategyContext) models.RiskValidation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var v models.RiskValidation
	now := m.now()
	equity := m.equity(snap)
	m.daily.rollover(now)

	if m.daily.Tripped {
		return reject(v, models.RejectDailyLoss, "daily loss limit reached (pnl %s)", m.daily.total().StringFixed(2))
	}
	if m.daily.nearLimit(equity) {
		v.Warnings = append(v.Warnings, fmt.Sprintf("daily pnl %s is within 80%% of the limit", m.daily.total().StringFixed(2)))
	}

	enabled, maxPct := m.limits.symbol(c.Symbol)
	if !enabled {
		return reject(v, models.RejectSymbolDisabled, "trading disabled for %s", c.Symbol)
	}

	h := m.held(c, snap)
	reduces := h.qty.IsPositive() && c.Side == h.side.Opposite()
	switch {
	case c.Type.Closes() && !reduces:
		if h.qty.IsPositive() {
			return reject(v, models.RejectNoPosition, "%s %s does not close the %s position in %s", c.Type, c.Side, h.side, c.Symbol)
		}
		return reject(v, models.RejectNoPosition, "no open position in %s", c.Symbol)
	case c.Type.Closes(), c.Type == models.SignalScale && reduces:
		return m.sizeClose(v, c, h.qty)
	}

	if !h.qty.IsPositive() && m.limits.MaxOpenPositions > 0 && snap.OpenPositionCount() >= m.limits.MaxOpenPositions {
		return reject(v, models.RejectMaxOpenPositions, "%d open positions, max %d", snap.OpenPositionCount(), m.limits.MaxOpenPositions)
	}
	symbolHeadroom := helper.Pct(equity, maxPct).Sub(h.notional)
	if !symbolHeadroom.IsPositive() {
		return reject(v, models.RejectExposureCap, "%s exposure %s at cap %.2f%%", c.Symbol, h.notional.StringFixed(2), maxPct)
	}
	totalHeadroom := helper.Pct(equity, m.limits.MaxTotalExposurePct).Sub(snap.TotalExposure())
	if !totalHeadroom.IsPositive() {
		return reject(v, models.RejectTotalExposure, "total exposure %s at cap %.2f%%", snap.TotalExposure().StringFixed(2), m.limits.MaxTotalExposurePct)
	}

	if vol, ok := m.volatility[c.Symbol]; ok && m.limits.VolatilityThreshold > 0 {
		if vol > m.limits.VolatilityThreshold {
			return reject(v, models.RejectVolatility, "%s volatility %.2f%% above %.2f%%", c.Symbol, vol, m.limits.VolatilityThreshold)
		}
		if vol > 0.7*m.limits.VolatilityThreshold {
			v.Warnings = append(v.Warnings, fmt.Sprintf("%s volatility %.2f%% is elevated", c.Symbol, vol))
		}
	}

	qty, err := m.size(c, equity)
	if err != nil {
		return reject(v, models.RejectSizing, "%s", err.Error())
	}
	if maxQty := decimal.Min(symbolHeadroom, totalHeadroom).Div(c.EntryPrice); qty.GreaterThan(maxQty) {
		v.Warnings = append(v.Warnings, fmt.Sprintf("size %s clamped to exposure headroom %s", qty.String(), maxQty.StringFixed(8)))
		qty = maxQty
	}
	qty = helper.RoundDownToStep(qty, dec(m.limits.LotStep))
	if !qty.IsPositive() || qty.LessThan(dec(m.limits.MinQuantity)) {
		return reject(v, models.RejectMinQuantity, "size %s below minimum %v", qty.String(), m.limits.MinQuantity)
	}

	v.IsValid = true
	v.AdjustedQuantity = qty
	return v
}

type holding struct {
	side     models.Side
	qty      decimal.Decimal
	notional decimal.Decimal
}

func (m *Manager) held(c Candidate, snap *models.StrategyContext) holding {
	if c.Held != nil && !c.Held.IsFlat() {
		return holding{side: c.Held.Side, qty: c.Held.Quantity, notional: c.Held.Notional()}
	}
	if p, ok := snap.Position(c.Symbol); ok {
		return holding{side: p.Side, qty: p.Quantity, notional: p.Notional()}
	}
	return holding{qty: decimal.Zero, notional: decimal.Zero}
}

// sizeClose sizes a reducing candidate: Exit takes the whole position,
// Reduce and Scale take ReduceFraction of it.
func (m *Manager) sizeClose(v models.RiskValidation, c Candidate, held decimal.Decimal) models.RiskValidation {
	qty := held
	if c.Type != models.SignalExit {
		qty = helper.RoundDownToStep(held.Mul(dec(m.limits.ReduceFraction)), dec(m.limits.LotStep))
		if !qty.IsPositive() {
			return reject(v, models.RejectMinQuantity, "reduce of %s rounds to zero", held.String())
		}
	}
	v.IsValid = true
	v.AdjustedQuantity = decimal.Min(qty, held)
	v.ReduceOnly = true
	return v
}

func (m *Manager) size(c Candidate, equity decimal.Decimal) (decimal.Decimal, error) {
	if !c.EntryPrice.IsPositive() {
		return decimal.Zero, errors.Errorf("no entry price for %s", c.Symbol)
	}
	switch m.limits.Sizing.Method {
	case SizingEquityFraction:
		return helper.Pct(equity, m.limits.Sizing.EquityFractionPct).Div(c.EntryPrice), nil
	case SizingFixedFractional:
		stop := c.StopLoss
		if !stop.IsPositive() {
			stop = m.defaultStop(c.Side, c.EntryPrice)
		}
		dist := c.EntryPrice.Sub(stop).Abs()
		if dist.IsZero() {
			return decimal.Zero, ErrNoStopDistance
		}
		return helper.Pct(equity, m.limits.Sizing.RiskPerTradePct).Div(dist), nil
	default:
		return decimal.Zero, errors.Errorf("unknown sizing method %q", m.limits.Sizing.Method)
	}
}

func (m *Manager) defaultStop(side models.Side, entry decimal.Decimal) decimal.Decimal {
	off := dec(m.limits.Exit.StopLossPct).Div(decimal.NewFromInt(100))
	return entry.Mul(decimal.NewFromInt(1).Sub(off.Mul(side.Sign())))
}

// GenerateStopOrders returns the reduce-only stop-loss and take-profit for
// a position. The two form an OCO pair.
func (m *Manager) GenerateStopOrders(pos models.Position) []*models.Order {
	m.mu.Lock()
	ex := m.limits.Exit
	tick := dec(m.limits.TickSize)
	m.mu.Unlock()

	if pos.IsFlat() {
		return nil
	}
	exitSide := pos.Side.Opposite()
	sign := pos.Side.Sign()
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)

	var out []*models.Order
	if ex.StopLossPct > 0 {
		px := pos.AverageEntryPrice.Mul(one.Sub(dec(ex.StopLossPct).Div(hundred).Mul(sign)))
		out = append(out, protective(pos, exitSide, models.OrderStopLoss, roundTick(px, tick, pos.Side)))
	}
	if ex.TakeProfitPct > 0 {
		px := pos.AverageEntryPrice.Mul(one.Add(dec(ex.TakeProfitPct).Div(hundred).Mul(sign)))
		out = append(out, protective(pos, exitSide, models.OrderTakeProfit, roundTick(px, tick, pos.Side)))
	}
	return out
}

// roundTick rounds a long position's trigger down and a short's up.
func roundTick(px, tick decimal.Decimal, side models.Side) decimal.Decimal {
	if side == models.SideSell {
		return helper.RoundUpToStep(px, tick)
	}
	return helper.RoundDownToStep(px, tick)
}

func protective(pos models.Position, side models.Side, typ models.OrderType, stop decimal.Decimal) *models.Order {
	o := models.NewOrder(pos.Symbol, side, typ, pos.Quantity)
	o.StopPrice = stop
	o.ReduceOnly = true
	o.StrategyID = pos.StrategyID
	return o
}

// UpdateTrailingStop advances the trailing state of pos at price and
// returns a reduce-only market exit the one time the stop is crossed.
func (m *Manager) UpdateTrailingStop(pos models.Position, price decimal.Decimal) *models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos.IsFlat() || m.limits.Exit.TrailingTriggerPct <= 0 || m.limits.Exit.TrailingStepPct <= 0 {
		delete(m.trailing, pos.Symbol)
		return nil
	}
	now := m.now()
	st, ok := m.trailing[pos.Symbol]
	if !ok || st.Side != pos.Side || (st.Phase == TrailArmed && !st.Entry.Equal(pos.AverageEntryPrice)) {
		st = newTrailingState(pos, m.limits.Exit, now)
		m.trailing[pos.Symbol] = st
	}
	st.Quantity = pos.Quantity
	if st.Phase == TrailTriggered {
		return nil
	}
	if !st.advance(price, m.limits.Exit.TrailingStepPct, now) {
		return nil
	}

	logger.Info("[RISK] trailing stop triggered %s %s qty=%s stop=%s price=%s",
		pos.Symbol, pos.Side, pos.Quantity, st.Stop.StringFixed(4), price)
	o := models.NewOrder(pos.Symbol, pos.Side.Opposite(), models.OrderMarket, pos.Quantity)
	o.ReduceOnly = true
	o.StrategyID = pos.StrategyID
	return o
}

func (m *Manager) ClearTrailingStop(symbol string) {
	m.mu.Lock()
	delete(m.trailing, symbol)
	m.mu.Unlock()
}

func (m *Manager) TrailingState(symbol string) (TrailingStopState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.trailing[symbol]
	if !ok {
		return TrailingStopState{Symbol: symbol, Phase: TrailInactive}, false
	}
	return *st, true
}

// RecordRealizedPnL adds a closed trade's PnL to today's total.
func (m *Manager) RecordRealizedPnL(symbol string, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.daily.rollover(now)
	m.daily.RealizedToday = m.daily.RealizedToday.Add(pnl)
	logger.Debug("[RISK] realized %s %s, day total %s", symbol, pnl, m.daily.total())
	m.checkTrip(now)
}

// UpdateUnrealizedPnL replaces the unrealized component with the sum over
// open positions.
func (m *Manager) UpdateUnrealizedPnL(total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.daily.rollover(now)
	m.daily.UnrealizedToday = total
	m.checkTrip(now)
}

func (m *Manager) checkTrip(now time.Time) {
	if !m.daily.evaluate(m.lastEquity, now) {
		return
	}
	logger.Warn("[RISK] daily loss limit tripped: pnl=%s limit=%s",
		m.daily.total().StringFixed(2), m.daily.effectiveLimit(m.lastEquity).StringFixed(2))
	if m.onTrip != nil {
		go m.onTrip(m.daily)
	}
}

func (m *Manager) ForceResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily.reset()
	logger.Warn("[RISK] daily loss tracker reset by operator")
}

// ObserveCandle feeds the volatility window of a symbol.
func (m *Manager) ObserveCandle(md models.MarketData) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.candles[md.Symbol]
	if !ok {
		w = newCandleWindow(m.limits.VolatilityPeriod)
		m.candles[md.Symbol] = w
	}
	w.push(md.Candle)
	if pct, ok := w.atrPct(m.limits.VolatilityPeriod); ok {
		m.volatility[md.Symbol] = pct
	}
}

// UpdateVolatility sets a symbol's volatility percentage directly.
func (m *Manager) UpdateVolatility(symbol string, pct float64) {
	m.mu.Lock()
	m.volatility[symbol] = pct
	m.mu.Unlock()
}

func (m *Manager) UpdateLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevPeriod := m.limits.VolatilityPeriod
	m.limits = l.normalized()
	m.daily.Limit = dec(m.limits.DailyLossLimit)
	m.daily.LimitPct = m.limits.DailyLossLimitPct
	if prevPeriod != m.limits.VolatilityPeriod {
		m.candles = map[string]*candleWindow{}
	}
	logger.Info("[RISK] limits updated: max_position=%.2f%% max_total=%.2f%% daily=%.2f/%.2f%%",
		m.limits.MaxPositionPct, m.limits.MaxTotalExposurePct, m.limits.DailyLossLimit, m.limits.DailyLossLimitPct)
}

func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

type Status struct {
	Limits     Limits              `json:"limits"`
	Daily      DailyLossTracker    `json:"daily"`
	Trailing   []TrailingStopState `json:"trailing"`
	Volatility map[string]float64  `json:"volatility"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily.rollover(m.now())
	st := Status{
		Limits:     m.limits,
		Daily:      m.daily,
		Volatility: make(map[string]float64, len(m.volatility)),
	}
	for _, t := range m.trailing {
		st.Trailing = append(st.Trailing, *t)
	}
	for k, v := range m.volatility {
		st.Volatility[k] = v
	}
	return st
}
