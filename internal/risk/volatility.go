package risk

import (
	"github.com/markcheno/go-talib"

	"trade_engine/internal/models"
)

// candleWindow keeps the last candles of one symbol for ATR.
type candleWindow struct {
	high, low, close []float64
	cap              int
}

func newCandleWindow(period int) *candleWindow {
	return &candleWindow{cap: period * 3}
}

func (w *candleWindow) push(c models.CandleTick) {
	w.high = appendBounded(w.high, c.High, w.cap)
	w.low = appendBounded(w.low, c.Low, w.cap)
	w.close = appendBounded(w.close, c.Close, w.cap)
}

// atrPct returns the latest ATR as a percentage of the last close.
func (w *candleWindow) atrPct(period int) (float64, bool) {
	n := len(w.close)
	if n <= period {
		return 0, false
	}
	atr := talib.Atr(w.high, w.low, w.close, period)
	last := atr[len(atr)-1]
	px := w.close[n-1]
	if px <= 0 || last <= 0 {
		return 0, false
	}
	return last / px * 100, true
}

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = append(s[:0], s[len(s)-max:]...)
	}
	return s
}
