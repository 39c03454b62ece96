package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/models"
)

type TrailPhase string

const (
	TrailInactive  TrailPhase = "INACTIVE"
	TrailArmed     TrailPhase = "ARMED"
	TrailTrailing  TrailPhase = "TRAILING"
	TrailTriggered TrailPhase = "TRIGGERED"
)

type TrailingStopState struct {
	Symbol          string          `json:"symbol"`
	Side            models.Side     `json:"side"`
	Phase           TrailPhase      `json:"phase"`
	Entry           decimal.Decimal `json:"entry"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
	Best            decimal.Decimal `json:"best"`
	Stop            decimal.Decimal `json:"stop"`
	Quantity        decimal.Decimal `json:"quantity"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func newTrailingState(pos models.Position, ex Exit, now time.Time) *TrailingStopState {
	trig := dec(ex.TrailingTriggerPct).Div(decimal.NewFromInt(100))
	act := pos.AverageEntryPrice.Mul(decimal.NewFromInt(1).Add(trig.Mul(pos.Side.Sign())))
	return &TrailingStopState{
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		Phase:           TrailArmed,
		Entry:           pos.AverageEntryPrice,
		ActivationPrice: act,
		Quantity:        pos.Quantity,
		UpdatedAt:       now,
	}
}

// favorable reports whether a is better than b for the position side.
func (s *TrailingStopState) favorable(a, b decimal.Decimal) bool {
	if s.Side == models.SideBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *TrailingStopState) stopFor(best decimal.Decimal, stepPct float64) decimal.Decimal {
	step := dec(stepPct).Div(decimal.NewFromInt(100))
	return best.Mul(decimal.NewFromInt(1).Sub(step.Mul(s.Side.Sign())))
}

// advance moves the state for a new price and reports whether the stop
// was crossed on this call.
func (s *TrailingStopState) advance(price decimal.Decimal, stepPct float64, now time.Time) bool {
	s.UpdatedAt = now
	switch s.Phase {
	case TrailArmed:
		if price.Equal(s.ActivationPrice) || s.favorable(price, s.ActivationPrice) {
			s.Phase = TrailTrailing
			s.Best = price
			s.Stop = s.stopFor(price, stepPct)
		}
		return false
	case TrailTrailing:
		if s.favorable(price, s.Best) {
			s.Best = price
			if next := s.stopFor(price, stepPct); s.favorable(next, s.Stop) {
				s.Stop = next
			}
			return false
		}
		if price.Equal(s.Stop) || s.favorable(s.Stop, price) {
			s.Phase = TrailTriggered
			return true
		}
	}
	return false
}
