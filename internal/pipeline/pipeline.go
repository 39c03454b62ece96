package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trade_engine/internal/engine"
	"trade_engine/internal/execution"
	"trade_engine/internal/models"
	"trade_engine/internal/notify"
	"trade_engine/pkg/logger"
	"trade_engine/pkg/tracing"
)

// Dispatcher fans a tick out to the strategies.
type Dispatcher interface {
	Dispatch(ctx context.Context, md models.MarketData, snap *models.StrategyContext) []models.Signal
}

// Executor turns signals into orders and follows prices.
type Executor interface {
	Process(ctx context.Context, sig models.Signal) (execution.Result, error)
	OnPrice(ctx context.Context, symbol string, price decimal.Decimal) error
	Flatten(ctx context.Context, strategyID string) error
}

type CandleObserver interface {
	ObserveCandle(md models.MarketData)
}

type Option func(*Pipeline)

func WithNotifier(n notify.Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

// WithPriceObserver is called with every tick's close before anything else
// sees it. The paper venue uses it to match resting orders.
func WithPriceObserver(fn func(symbol string, price decimal.Decimal)) Option {
	return func(p *Pipeline) { p.onPrice = fn }
}

// WithFlattenOnAutoStop closes an auto-stopped strategy's positions.
func WithFlattenOnAutoStop(v bool) Option { return func(p *Pipeline) { p.flatten = v } }

func WithMaxParallel(n int) Option { return func(p *Pipeline) { p.parallel = n } }

type TickResult struct {
	Signals   int
	Submitted int
	Rejected  int
	Failed    int
}

type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Signals   uint64 `json:"signals"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Failed    uint64 `json:"failed"`
}

// Pipeline carries market data through strategies, risk and execution.
type Pipeline struct {
	dispatcher Dispatcher
	exec       Executor
	candles    CandleObserver
	cell       *models.ContextCell
	notifier   notify.Notifier
	onPrice    func(string, decimal.Decimal)
	flatten    bool
	parallel   int

	ticks, signals, submitted, rejected, failed atomic.Uint64
}

func New(d Dispatcher, exec Executor, candles CandleObserver, cell *models.ContextCell, opts ...Option) *Pipeline {
	p := &Pipeline{
		dispatcher: d,
		exec:       exec,
		candles:    candles,
		cell:       cell,
		notifier:   notify.Nop{},
		parallel:   engine.DefaultConfig().MaxParallel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run consumes ticks until ctx is done or the channel is closed. A tick
// already being processed is finished first.
func (p *Pipeline) Run(ctx context.Context, ticks <-chan models.MarketData) error {
	logger.Info("[PIPE] started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("[PIPE] stopped")
			return ctx.Err()
		case md, ok := <-ticks:
			if !ok {
				logger.Info("[PIPE] market data closed")
				return nil
			}
			p.OnMarketData(context.WithoutCancel(ctx), md)
		}
	}
}

// OnMarketData processes one tick. Signals from the same strategy are
// handled in emission order; different strategies run concurrently.
func (p *Pipeline) OnMarketData(ctx context.Context, md models.MarketData) TickResult {
	span, ctx := tracing.StartSpan(ctx, "pipeline.tick",
		opentracing.Tag{Key: "symbol", Value: md.Symbol},
		opentracing.Tag{Key: "timeframe", Value: md.Timeframe})
	defer span.Finish()
	p.ticks.Add(1)

	price := decimal.NewFromFloat(md.Candle.Close)
	if p.onPrice != nil {
		p.onPrice(md.Symbol, price)
	}
	if err := p.exec.OnPrice(ctx, md.Symbol, price); err != nil {
		logger.Error("[PIPE] price update %s: %v", md.Symbol, err)
	}
	if p.candles != nil {
		p.candles.ObserveCandle(md)
	}

	sigs := p.dispatcher.Dispatch(ctx, md, p.cell.Load())
	res := TickResult{Signals: len(sigs)}
	if len(sigs) == 0 {
		return res
	}
	p.signals.Add(uint64(len(sigs)))

	var (
		groups [][]models.Signal
		index  = map[string]int{}
	)
	for _, s := range sigs {
		i, ok := index[s.StrategyID]
		if !ok {
			i = len(groups)
			index[s.StrategyID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], s)
	}

	results := make([]TickResult, len(groups))
	var g errgroup.Group
	g.SetLimit(p.parallel)
	for i, group := range groups {
		g.Go(func() error {
			for _, s := range group {
				p.process(ctx, s, &results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		res.Submitted += r.Submitted
		res.Rejected += r.Rejected
		res.Failed += r.Failed
	}
	p.submitted.Add(uint64(res.Submitted))
	p.rejected.Add(uint64(res.Rejected))
	p.failed.Add(uint64(res.Failed))
	return res
}

func (p *Pipeline) process(ctx context.Context, s models.Signal, acc *TickResult) {
	res, err := p.exec.Process(ctx, s)
	switch {
	case errors.Is(err, execution.ErrAlertSignal), errors.Is(err, execution.ErrWeakSignal):
	case err != nil:
		acc.Failed++
		logger.Error("[PIPE] %s %s %s %s: %v", s.StrategyID, s.Type, s.Side, s.Symbol, err)
	case res.Rejected():
		acc.Rejected++
	case res.Order != nil:
		acc.Submitted++
	}
}

// OnAutoStop reports a strategy the engine stopped and, when configured,
// closes its positions.
func (p *Pipeline) OnAutoStop(ev engine.AutoStopEvent) {
	p.notifier.Sendf("strategy %s auto-stopped after %d consecutive errors: %v", ev.ID, ev.ConsecutiveErrors, ev.Cause)
	if !p.flatten {
		logger.Warn("[PIPE] %s auto-stopped, positions left open", ev.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.exec.Flatten(ctx, ev.ID); err != nil {
		logger.Error("[PIPE] flatten %s: %v", ev.ID, err)
		p.notifier.Sendf("flatten of %s failed: %v", ev.ID, err)
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Ticks:     p.ticks.Load(),
		Signals:   p.signals.Load(),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
	}
}
