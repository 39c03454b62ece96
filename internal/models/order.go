package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrInvalidFill       = errors.New("invalid fill quantity")
	ErrOverfill          = errors.New("fill exceeds requested quantity")
)

type OrderType string

const (
	OrderMarket       OrderType = "MARKET"
	OrderLimit        OrderType = "LIMIT"
	OrderStopLoss     OrderType = "STOP_LOSS"
	OrderTakeProfit   OrderType = "TAKE_PROFIT"
	OrderTrailingStop OrderType = "TRAILING_STOP"
)

// Protective reports whether the order is a venue-side trigger order.
func (t OrderType) Protective() bool {
	return t == OrderStopLoss || t == OrderTakeProfit || t == OrderTrailingStop
}

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	OrderCreated         OrderStatus = "CREATED"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:         {OrderSubmitted, OrderRejected, OrderCancelled},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected, OrderExpired},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderExpired},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID              string
	ClientOrderID   string
	ExchangeOrderID string
	StrategyID      string

	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce TimeInForce
	ReduceOnly  bool

	Status           OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	RejectReason     string

	// SignalID links the order back to the signal that produced it.
	SignalID string

	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time
}

func NewOrder(symbol string, side Side, typ OrderType, qty decimal.Decimal) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:            NewID(),
		ClientOrderID: NewClientOrderID(),
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Quantity:      qty,
		TimeInForce:   GTC,
		Status:        OrderCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) transition(to OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	if to.Terminal() {
		o.ClosedAt = at
	}
	return nil
}

func (o *Order) MarkSubmitted(exchangeOrderID string, at time.Time) error {
	if err := o.transition(OrderSubmitted, at); err != nil {
		return err
	}
	o.ExchangeOrderID = exchangeOrderID
	return nil
}

func (o *Order) Reject(reason string, at time.Time) error {
	if err := o.transition(OrderRejected, at); err != nil {
		return err
	}
	o.RejectReason = reason
	return nil
}

func (o *Order) Cancel(at time.Time) error { return o.transition(OrderCancelled, at) }
func (o *Order) Expire(at time.Time) error { return o.transition(OrderExpired, at) }

// ApplyFill adds qty@price to the order, keeping FilledQuantity within
// Quantity. The status becomes Filled exactly when they are equal.
func (o *Order) ApplyFill(qty, price decimal.Decimal, at time.Time) error {
	if !qty.IsPositive() || !price.IsPositive() {
		return errors.Wrapf(ErrInvalidFill, "order %s: qty=%s price=%s", o.ID, qty, price)
	}
	filled := o.FilledQuantity.Add(qty)
	if filled.GreaterThan(o.Quantity) {
		return errors.Wrapf(ErrOverfill, "order %s: %s + %s > %s", o.ID, o.FilledQuantity, qty, o.Quantity)
	}

	next := OrderPartiallyFilled
	if filled.Equal(o.Quantity) {
		next = OrderFilled
	}
	if err := o.transition(next, at); err != nil {
		return err
	}

	notional := o.AverageFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.FilledQuantity = filled
	o.AverageFillPrice = notional.Div(filled)
	return nil
}

// Clone returns a copy safe to hand to other goroutines.
func (o *Order) Clone() Order {
	return *o
}
