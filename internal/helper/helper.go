package helper

import (
	"strings"

	"github.com/shopspring/decimal"
)

// NormTF maps venue and config spellings of a timeframe onto one form.
func NormTF(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "candle")
	switch s {
	case "60m", "1h":
		return "1h"
	case "240m", "4h":
		return "4h"
	case "1440m", "1d", "24h":
		return "1d"
	default:
		return s
	}
}

// RoundDownToStep floors v to a multiple of step. A non-positive step
// leaves v unchanged.
func RoundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func RoundUpToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// Pct returns v * pct / 100.
func Pct(v decimal.Decimal, pct float64) decimal.Decimal {
	return v.Mul(decimal.NewFromFloat(pct)).Div(decimal.NewFromInt(100))
}
