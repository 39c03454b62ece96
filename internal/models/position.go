package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Fill struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// Lot is one open slice of a position at its own entry price.
type Lot struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
	OpenedAt time.Time
}

// Position is the net holding in one symbol. Side is BUY for long and SELL
// for short; Quantity is never negative.
type Position struct {
	Symbol            string
	Side              Side
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
	RealizedPnL       decimal.Decimal
	UnrealizedPnL     decimal.Decimal
	LastPrice         decimal.Decimal
	StrategyID        string
	OpenedAt          time.Time
	UpdatedAt         time.Time

	Lots []Lot
}

func NewPosition(symbol string, side Side, strategyID string) *Position {
	return &Position{Symbol: symbol, Side: side, StrategyID: strategyID}
}

func (p *Position) IsFlat() bool { return !p.Quantity.IsPositive() }

func (p *Position) IsLong() bool { return p.Side == SideBuy }

// Notional is quantity at the last known price, falling back to entry.
func (p *Position) Notional() decimal.Decimal {
	px := p.LastPrice
	if !px.IsPositive() {
		px = p.AverageEntryPrice
	}
	return p.Quantity.Mul(px)
}

// Increase appends a lot in the position's direction.
func (p *Position) Increase(qty, price decimal.Decimal, at time.Time) {
	if p.IsFlat() {
		p.OpenedAt = at
	}
	p.Lots = append(p.Lots, Lot{Quantity: qty, Price: price, OpenedAt: at})
	p.Quantity = p.Quantity.Add(qty)
	p.recalcAverage()
	p.UpdatedAt = at
	p.mark(price)
}

// Reduce consumes lots first-in first-out and returns the realized PnL of
// this reduction. qty must not exceed Quantity.
func (p *Position) Reduce(qty, price decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if qty.GreaterThan(p.Quantity) {
		return decimal.Zero, errors.Errorf("reduce %s exceeds position %s %s", qty, p.Symbol, p.Quantity)
	}
	realized := decimal.Zero
	left := qty
	sign := p.Side.Sign()
	for left.IsPositive() && len(p.Lots) > 0 {
		lot := &p.Lots[0]
		take := decimal.Min(lot.Quantity, left)
		realized = realized.Add(price.Sub(lot.Price).Mul(take).Mul(sign))
		lot.Quantity = lot.Quantity.Sub(take)
		left = left.Sub(take)
		if !lot.Quantity.IsPositive() {
			p.Lots = p.Lots[1:]
		}
	}
	p.Quantity = p.Quantity.Sub(qty)
	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.recalcAverage()
	p.UpdatedAt = at
	p.mark(price)
	return realized, nil
}

// MarkToMarket updates last price and unrealized PnL.
func (p *Position) MarkToMarket(price decimal.Decimal, at time.Time) {
	p.mark(price)
	p.UpdatedAt = at
}

func (p *Position) mark(price decimal.Decimal) {
	p.LastPrice = price
	if p.IsFlat() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = price.Sub(p.AverageEntryPrice).Mul(p.Quantity).Mul(p.Side.Sign())
}

func (p *Position) recalcAverage() {
	if p.IsFlat() {
		p.AverageEntryPrice = decimal.Zero
		return
	}
	notional := decimal.Zero
	for _, l := range p.Lots {
		notional = notional.Add(l.Quantity.Mul(l.Price))
	}
	p.AverageEntryPrice = notional.Div(p.Quantity)
}

// Snapshot returns a deep copy.
func (p *Position) Snapshot() Position {
	cp := *p
	cp.Lots = append([]Lot(nil), p.Lots...)
	return cp
}
