package models

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type AccountInfo struct {
	TotalBalance     decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginUsed       decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Currency         string
}

// PositionInfo is the venue's view of a holding, as synced.
type PositionInfo struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      decimal.Decimal
}

func (p PositionInfo) Notional() decimal.Decimal {
	px := p.MarkPrice
	if !px.IsPositive() {
		px = p.EntryPrice
	}
	return p.Quantity.Mul(px)
}

type PendingOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	Price           decimal.Decimal
	CreatedAt       time.Time
}

type RouteState string

const (
	RouteAttack   RouteState = "ATTACK"
	RouteArmed    RouteState = "ARMED"
	RouteWait     RouteState = "WAIT"
	RouteOverheat RouteState = "OVERHEAT"
	RouteNeutral  RouteState = "NEUTRAL"
)

type MarketRegime string

const (
	RegimeStrongUptrend MarketRegime = "STRONG_UPTREND"
	RegimeCorrection    MarketRegime = "CORRECTION"
	RegimeSideways      MarketRegime = "SIDEWAYS"
	RegimeBottomBounce  MarketRegime = "BOTTOM_BOUNCE"
	RegimeDowntrend     MarketRegime = "DOWNTREND"
)

type GlobalScore struct {
	Ticker          string
	OverallScore    decimal.Decimal
	ComponentScores map[string]decimal.Decimal
	Recommendation  string
	Confidence      decimal.Decimal
	Timestamp       time.Time
}

type ScreeningResult struct {
	Ticker       string
	PresetName   string
	Passed       bool
	OverallScore decimal.Decimal
	RouteState   RouteState
	Timestamp    time.Time
}

type StructuralFeatures struct {
	Ticker     string
	LowTrend   decimal.Decimal
	VolQuality decimal.Decimal
	RangePos   decimal.Decimal
	BBWidth    decimal.Decimal
	RSI        decimal.Decimal
	Timestamp  time.Time
}

type MacroRisk string

const (
	MacroNormal   MacroRisk = "NORMAL"
	MacroCaution  MacroRisk = "CAUTION"
	MacroCritical MacroRisk = "CRITICAL"
)

type MacroEnvironment struct {
	RiskLevel           MacroRisk
	USDChangePct        float64
	NasdaqChangePct     float64
	RecommendationLimit int
	Timestamp           time.Time
}

type MarketBreadth struct {
	// AboveMA20Pct is the share of the universe above its 20-period average.
	AboveMA20Pct decimal.Decimal
	Temperature  string
	CalculatedAt time.Time
}

// AnalyticsBundle is everything one analytics sync writes.
type AnalyticsBundle struct {
	GlobalScores map[string]GlobalScore
	RouteStates  map[string]RouteState
	Screening    map[string][]ScreeningResult
	Features     map[string]StructuralFeatures
	Regimes      map[string]MarketRegime
	Macro        *MacroEnvironment
	Breadth      *MarketBreadth
}

// StrategyContext is an immutable snapshot. Never mutate one obtained from
// a ContextCell.
type StrategyContext struct {
	Account       AccountInfo
	Positions     map[string]PositionInfo
	PendingOrders []PendingOrder

	GlobalScores map[string]GlobalScore
	RouteStates  map[string]RouteState
	Screening    map[string][]ScreeningResult
	Features     map[string]StructuralFeatures
	Regimes      map[string]MarketRegime
	Macro        *MacroEnvironment
	Breadth      *MarketBreadth

	LastExchangeSync  time.Time
	LastAnalyticsSync time.Time
}

func (c *StrategyContext) Position(symbol string) (PositionInfo, bool) {
	if c == nil {
		return PositionInfo{}, false
	}
	p, ok := c.Positions[symbol]
	return p, ok && p.Quantity.IsPositive()
}

// Equity is the account total balance.
func (c *StrategyContext) Equity() decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	return c.Account.TotalBalance
}

// TotalExposure sums notional across all open positions.
func (c *StrategyContext) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, p := range c.Positions {
		total = total.Add(p.Notional())
	}
	return total
}

func (c *StrategyContext) OpenPositionCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, p := range c.Positions {
		if p.Quantity.IsPositive() {
			n++
		}
	}
	return n
}

// ContextCell holds the current StrategyContext. Writers build a new
// snapshot and the lock is held only for the pointer swap.
type ContextCell struct {
	mu  sync.RWMutex
	cur *StrategyContext
}

func NewContextCell() *ContextCell {
	return &ContextCell{cur: &StrategyContext{
		Positions:    map[string]PositionInfo{},
		GlobalScores: map[string]GlobalScore{},
		RouteStates:  map[string]RouteState{},
		Screening:    map[string][]ScreeningResult{},
		Features:     map[string]StructuralFeatures{},
		Regimes:      map[string]MarketRegime{},
	}}
}

func (c *ContextCell) Load() *StrategyContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// UpdateExchange replaces account, positions and pending orders together.
func (c *ContextCell) UpdateExchange(account AccountInfo, positions []PositionInfo, orders []PendingOrder, at time.Time) {
	bySymbol := make(map[string]PositionInfo, len(positions))
	for _, p := range positions {
		bySymbol[p.Symbol] = p
	}
	pending := append([]PendingOrder(nil), orders...)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.cur
	next.Account = account
	next.Positions = bySymbol
	next.PendingOrders = pending
	next.LastExchangeSync = at
	c.cur = &next
}

// UpdateAnalytics replaces every analytics field together.
func (c *ContextCell) UpdateAnalytics(b AnalyticsBundle, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := *c.cur
	next.GlobalScores = b.GlobalScores
	next.RouteStates = b.RouteStates
	next.Screening = b.Screening
	next.Features = b.Features
	next.Regimes = b.Regimes
	next.Macro = b.Macro
	next.Breadth = b.Breadth
	next.LastAnalyticsSync = at
	c.cur = &next
}
