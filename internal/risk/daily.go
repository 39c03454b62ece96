package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

const dayLayout = "2006-01-02"

// DailyLossTracker accumulates PnL for one UTC trading day. Once tripped it
// stays tripped until the day rolls over or ForceReset is called.
type DailyLossTracker struct {
	TradingDay      string          `json:"trading_day"`
	RealizedToday   decimal.Decimal `json:"realized_today"`
	UnrealizedToday decimal.Decimal `json:"unrealized_today"`
	Limit           decimal.Decimal `json:"limit"`
	LimitPct        float64         `json:"limit_pct"`
	Tripped         bool            `json:"tripped"`
	TrippedAt       time.Time       `json:"tripped_at,omitempty"`
}

func newDailyLossTracker(l Limits, now time.Time) DailyLossTracker {
	return DailyLossTracker{
		TradingDay: now.UTC().Format(dayLayout),
		Limit:      dec(l.DailyLossLimit),
		LimitPct:   l.DailyLossLimitPct,
	}
}

// rollover starts a new day if now is past the tracked one.
func (d *DailyLossTracker) rollover(now time.Time) bool {
	day := now.UTC().Format(dayLayout)
	if day == d.TradingDay {
		return false
	}
	d.TradingDay = day
	d.RealizedToday = decimal.Zero
	d.UnrealizedToday = decimal.Zero
	d.Tripped = false
	d.TrippedAt = time.Time{}
	return true
}

// effectiveLimit is the tighter of the absolute and percentage limits, as a
// positive amount. Zero means no limit.
func (d *DailyLossTracker) effectiveLimit(equity decimal.Decimal) decimal.Decimal {
	limit := decimal.Zero
	if d.Limit.IsPositive() {
		limit = d.Limit
	}
	if d.LimitPct > 0 && equity.IsPositive() {
		byPct := equity.Mul(dec(d.LimitPct)).Div(decimal.NewFromInt(100))
		if limit.IsZero() || byPct.LessThan(limit) {
			limit = byPct
		}
	}
	return limit
}

func (d *DailyLossTracker) total() decimal.Decimal {
	return d.RealizedToday.Add(d.UnrealizedToday)
}

// evaluate trips the tracker when today's PnL reaches the negative limit
// and reports whether this call tripped it.
func (d *DailyLossTracker) evaluate(equity decimal.Decimal, now time.Time) bool {
	if d.Tripped {
		return false
	}
	limit := d.effectiveLimit(equity)
	if limit.IsZero() {
		return false
	}
	if d.total().LessThanOrEqual(limit.Neg()) {
		d.Tripped = true
		d.TrippedAt = now
		return true
	}
	return false
}

// nearLimit reports a loss of at least 80% of the limit.
func (d *DailyLossTracker) nearLimit(equity decimal.Decimal) bool {
	limit := d.effectiveLimit(equity)
	if limit.IsZero() {
		return false
	}
	return d.total().LessThanOrEqual(limit.Mul(decimal.RequireFromString("0.8")).Neg())
}

func (d *DailyLossTracker) reset() {
	d.RealizedToday = decimal.Zero
	d.UnrealizedToday = decimal.Zero
	d.Tripped = false
	d.TrippedAt = time.Time{}
}
