package service

import (
	"context"
	"math"
	"sort"
	"strings"

	"trade_engine/internal/exchange/okx"
)

type TickerSource interface {
	Tickers(ctx context.Context, instType string) ([]okx.Ticker, error)
}

type OkxWatchlist struct {
	src TickerSource
	// MinQuoteVolume drops illiquid pairs.
	MinQuoteVolume float64
}

func NewWatchlist(src TickerSource) *OkxWatchlist {
	return &OkxWatchlist{src: src, MinQuoteVolume: 1_000_000}
}

// TopVolatile returns the n USDT spot pairs with the largest absolute 24h
// change.
func (w *OkxWatchlist) TopVolatile(ctx context.Context, n int) ([]string, error) {
	tickers, err := w.src.Tickers(ctx, "SPOT")
	if err != nil {
		return nil, err
	}
	list := make([]okx.Ticker, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.InstID, "-USDT") || t.VolCcy24h < w.MinQuoteVolume || t.Last <= 0 {
			continue
		}
		list = append(list, t)
	}
	sort.SliceStable(list, func(i, j int) bool {
		return math.Abs(list[i].ChangePct()) > math.Abs(list[j].ChangePct())
	})
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	res := make([]string, 0, len(list))
	for _, t := range list {
		res = append(res, t.InstID)
	}
	return res, nil
}
