package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RejectionCode string

const (
	RejectDailyLoss        RejectionCode = "daily_loss_limit"
	RejectSymbolDisabled   RejectionCode = "symbol_disabled"
	RejectMaxOpenPositions RejectionCode = "max_open_positions"
	RejectExposureCap      RejectionCode = "exposure_cap"
	RejectTotalExposure    RejectionCode = "total_exposure_cap"
	RejectVolatility       RejectionCode = "volatility"
	RejectSizing           RejectionCode = "sizing"
	RejectMinQuantity      RejectionCode = "below_min_quantity"
	RejectNoPosition       RejectionCode = "no_position"
)

type RejectionReason struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

// RiskValidation is the outcome of a risk check. A rejection is a normal
// result, not an error.
type RiskValidation struct {
	IsValid          bool
	AdjustedQuantity decimal.Decimal
	Reasons          []RejectionReason
	Warnings         []string
	// ReduceOnly is set when the approved quantity only closes the held
	// position.
	ReduceOnly bool
}

// RiskRejection is what gets reported when a signal is refused.
type RiskRejection struct {
	SignalID   string
	StrategyID string
	Symbol     string
	Side       Side
	Reasons    []RejectionReason
	At         time.Time
}
