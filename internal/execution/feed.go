package execution

import (
	"context"
	"time"

	"trade_engine/internal/exchange"
	"trade_engine/pkg/logger"
)

// applyTimeout bounds applying one fetched batch, which outlives shutdown.
const applyTimeout = 30 * time.Second

// FillFeed polls the venue for fills and applies them through the
// executor. Overlapping polls are harmless since OnFill is idempotent.
type FillFeed struct {
	src      exchange.FillSource
	exec     *Executor
	interval time.Duration
	since    time.Time
}

func NewFillFeed(src exchange.FillSource, exec *Executor, interval time.Duration) *FillFeed {
	if interval <= 0 {
		interval = DefaultConfig().FillPollInterval
	}
	return &FillFeed{src: src, exec: exec, interval: interval, since: exec.now().UTC()}
}

func (f *FillFeed) Run(ctx context.Context) {
	t := time.NewTicker(f.interval)
	defer t.Stop()
	logger.Info("[EXEC] fill feed started, interval=%s", f.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[EXEC] fill feed stopped")
			return
		case <-t.C:
			if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("[EXEC] fill poll failed: %v", err)
			}
		}
	}
}

// Poll fetches and applies fills since the newest one already seen. A
// fetched batch is applied in full even if ctx is cancelled meanwhile.
func (f *FillFeed) Poll(ctx context.Context) error {
	fills, err := f.src.FetchFills(ctx, f.since)
	if err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
	defer cancel()
	for _, fl := range fills {
		if err := f.exec.OnFill(actx, fl); err != nil {
			logger.Error("[EXEC] apply fill %s: %v", fl.ID, err)
		}
		if fl.Timestamp.After(f.since) {
			f.since = fl.Timestamp
		}
	}
	return nil
}
