package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type StrategyType string

const (
	StrategyEMARSI   StrategyType = "emarsi"
	StrategyDonchian StrategyType = "donchian"
)

type SignalType string

const (
	SignalEntry          SignalType = "ENTRY"
	SignalExit           SignalType = "EXIT"
	SignalAddToPosition  SignalType = "ADD"
	SignalReducePosition SignalType = "REDUCE"
	SignalScale          SignalType = "SCALE"
	// SignalAlert is informational and never turned into an order.
	SignalAlert SignalType = "ALERT"
)

// Opens reports whether the signal grows exposure.
func (t SignalType) Opens() bool {
	return t == SignalEntry || t == SignalAddToPosition
}

// Closes reports whether the signal always shrinks exposure. Scale is
// directional: it reduces only when opposite the held side.
func (t SignalType) Closes() bool {
	return t == SignalExit || t == SignalReducePosition
}

// Signal is a strategy's trading intent. It is not sized or validated.
type Signal struct {
	ID         string
	StrategyID string
	Symbol     string
	Side       Side
	Type       SignalType
	// Strength in [0,1].
	Strength       float64
	SuggestedPrice decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	Timestamp      time.Time
	Reason         string
	Metadata       map[string]any
}

func (s Signal) HasSuggestedPrice() bool { return s.SuggestedPrice.IsPositive() }
func (s Signal) HasStopLoss() bool       { return s.StopLoss.IsPositive() }

type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }
