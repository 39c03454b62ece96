package models

import (
	"time"
)

// CandleTick is one closed candle.
type CandleTick struct {
	InstID       string
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	QuoteVolume  float64
	Start        time.Time
	End          time.Time
	TimeframeRaw string
}

// MarketData is the event dispatched to strategies.
type MarketData struct {
	Symbol     string
	Timeframe  string
	Candle     CandleTick
	ReceivedAt time.Time
}

type Instrument struct {
	InstID string `json:"instId"`
	TickSz string `json:"tickSz"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
	State  string `json:"state"`
}
