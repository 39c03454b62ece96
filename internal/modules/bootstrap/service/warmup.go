package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"trade_engine/internal/models"
	"trade_engine/internal/notify"
)

type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]models.MarketData, error)
}

// Consumer takes historical candles. The engine primes strategies, the
// risk manager its volatility windows.
type Consumer func(ctx context.Context, md models.MarketData)

type Warmuper struct {
	src       CandleSource
	consumers []Consumer
	n         notify.Notifier

	// ограничитель параллелизма, чтобы не словить rate limit
	parallel int
}

func NewWarmuper(src CandleSource, n notify.Notifier, consumers ...Consumer) *Warmuper {
	return &Warmuper{src: src, n: n, consumers: consumers, parallel: 8}
}

// Warmup loads need candles per symbol and replays them oldest first. One
// symbol failing does not stop the others; the first error is returned.
func (w *Warmuper) Warmup(ctx context.Context, symbols []string, timeframe string, need int) error {
	if len(symbols) == 0 {
		return nil
	}
	w.n.Sendf("REST warmup start: symbols=%d tf=%s(%d)", len(symbols), timeframe, need)

	var (
		cnt      atomic.Int64
		mu       sync.Mutex
		firstErr error
		g        errgroup.Group
	)
	g.SetLimit(w.parallel)
	for _, sym := range symbols {
		g.Go(func() error {
			candles, err := w.src.Candles(ctx, sym, timeframe, need)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("warmup %s: %w", sym, err)
				}
				mu.Unlock()
				return nil
			}
			for _, md := range candles {
				for _, c := range w.consumers {
					c(ctx, md)
				}
			}
			cnt.Add(int64(len(candles)))
			return nil
		})
	}
	_ = g.Wait()

	if firstErr != nil {
		w.n.Send("REST warmup finished with error: " + firstErr.Error())
		return firstErr
	}
	w.n.Sendf("REST warmup finished: %d candles", cnt.Load())
	return nil
}
