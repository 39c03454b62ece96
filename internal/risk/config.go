package risk

import (
	"strings"

	"github.com/shopspring/decimal"
)

type SizingMethod string

const (
	SizingFixedFractional SizingMethod = "fixed_fractional"
	SizingEquityFraction  SizingMethod = "equity_fraction"
)

type Sizing struct {
	Method            SizingMethod `mapstructure:"method" yaml:"method"`
	RiskPerTradePct   float64      `mapstructure:"risk_per_trade_pct" yaml:"risk_per_trade_pct"`
	EquityFractionPct float64      `mapstructure:"equity_fraction_pct" yaml:"equity_fraction_pct"`
}

// Exit holds the protective-order distances, all in percent of entry.
type Exit struct {
	StopLossPct        float64 `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct"`
	TakeProfitPct      float64 `mapstructure:"take_profit_pct" yaml:"take_profit_pct"`
	TrailingTriggerPct float64 `mapstructure:"trailing_trigger_pct" yaml:"trailing_trigger_pct"`
	TrailingStepPct    float64 `mapstructure:"trailing_step_pct" yaml:"trailing_step_pct"`
}

type SymbolLimits struct {
	Enabled        *bool   `mapstructure:"enabled" yaml:"enabled"`
	MaxPositionPct float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
}

type Limits struct {
	FallbackEquity      float64 `mapstructure:"fallback_equity" yaml:"fallback_equity"`
	MaxPositionPct      float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	MaxTotalExposurePct float64 `mapstructure:"max_total_exposure_pct" yaml:"max_total_exposure_pct"`
	MaxOpenPositions    int     `mapstructure:"max_open_positions" yaml:"max_open_positions"`

	// DailyLossLimit is an absolute amount in account currency. Either this
	// or DailyLossLimitPct may be zero to disable it.
	DailyLossLimit    float64 `mapstructure:"daily_loss_limit" yaml:"daily_loss_limit"`
	DailyLossLimitPct float64 `mapstructure:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct"`

	VolatilityThreshold float64 `mapstructure:"volatility_threshold" yaml:"volatility_threshold"`
	VolatilityPeriod    int     `mapstructure:"volatility_period" yaml:"volatility_period"`

	MinQuantity    float64 `mapstructure:"min_quantity" yaml:"min_quantity"`
	LotStep        float64 `mapstructure:"lot_step" yaml:"lot_step"`
	TickSize       float64 `mapstructure:"tick_size" yaml:"tick_size"`
	ReduceFraction float64 `mapstructure:"reduce_fraction" yaml:"reduce_fraction"`

	Sizing  Sizing                  `mapstructure:"sizing" yaml:"sizing"`
	Exit    Exit                    `mapstructure:"exit" yaml:"exit"`
	Symbols map[string]SymbolLimits `mapstructure:"symbols" yaml:"symbols"`
}

func DefaultLimits() Limits {
	return Limits{
		FallbackEquity:      10000,
		MaxPositionPct:      5,
		MaxTotalExposurePct: 50,
		MaxOpenPositions:    10,
		DailyLossLimit:      1000,
		DailyLossLimitPct:   5,
		VolatilityThreshold: 8,
		VolatilityPeriod:    14,
		MinQuantity:         0.0001,
		LotStep:             0.0001,
		ReduceFraction:      0.5,
		Sizing: Sizing{
			Method:            SizingFixedFractional,
			RiskPerTradePct:   1,
			EquityFractionPct: 2,
		},
		Exit: Exit{
			StopLossPct:        2,
			TakeProfitPct:      4,
			TrailingTriggerPct: 1.5,
			TrailingStepPct:    0.8,
		},
	}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxPositionPct <= 0 {
		l.MaxPositionPct = d.MaxPositionPct
	}
	if l.MaxTotalExposurePct <= 0 {
		l.MaxTotalExposurePct = d.MaxTotalExposurePct
	}
	if l.VolatilityPeriod <= 0 {
		l.VolatilityPeriod = d.VolatilityPeriod
	}
	if l.ReduceFraction <= 0 || l.ReduceFraction > 1 {
		l.ReduceFraction = d.ReduceFraction
	}
	if l.Sizing.Method == "" {
		l.Sizing.Method = d.Sizing.Method
	}
	l.Sizing.Method = SizingMethod(strings.ToLower(string(l.Sizing.Method)))
	if l.Sizing.RiskPerTradePct <= 0 {
		l.Sizing.RiskPerTradePct = d.Sizing.RiskPerTradePct
	}
	if l.Sizing.EquityFractionPct <= 0 {
		l.Sizing.EquityFractionPct = d.Sizing.EquityFractionPct
	}
	if l.Exit.StopLossPct <= 0 {
		l.Exit.StopLossPct = d.Exit.StopLossPct
	}
	symbols := make(map[string]SymbolLimits, len(l.Symbols))
	for k, v := range l.Symbols {
		symbols[strings.ToUpper(k)] = v
	}
	l.Symbols = symbols
	return l
}

// symbol resolves the effective per-symbol limits.
func (l Limits) symbol(sym string) (enabled bool, maxPositionPct float64) {
	enabled, maxPositionPct = true, l.MaxPositionPct
	s, ok := l.Symbols[strings.ToUpper(sym)]
	if !ok {
		return
	}
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	if s.MaxPositionPct > 0 {
		maxPositionPct = s.MaxPositionPct
	}
	return
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
