package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/engine"
	"trade_engine/internal/exchange/paper"
	"trade_engine/internal/execution"
	"trade_engine/internal/models"
	"trade_engine/internal/notify"
	"trade_engine/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func tick(sym string, close float64) models.MarketData {
	return models.MarketData{Symbol: sym, Timeframe: "1m", Candle: models.CandleTick{
		InstID: sym, Open: close, High: close, Low: close, Close: close, Start: time.Now(),
	}}
}

type breakout struct{}

func (breakout) Name() string                                            { return "breakout" }
func (breakout) Initialize(map[string]any) error                         { return nil }
func (breakout) OnOrderFilled(context.Context, models.Order) error       { return nil }
func (breakout) OnPositionUpdate(context.Context, models.Position) error { return nil }
func (breakout) Shutdown(context.Context) error                          { return nil }
func (breakout) State() string                                           { return "" }
func (breakout) OnMarketData(_ context.Context, md models.MarketData, _ *models.StrategyContext) ([]models.Signal, error) {
	return []models.Signal{{
		Side: models.SideBuy, Type: models.SignalEntry, Strength: 0.8,
		StopLoss: decimal.NewFromFloat(md.Candle.Close - 50),
	}}, nil
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	venue := paper.New(paper.Config{InitialBalance: 10000})
	cell := models.NewContextCell()
	cell.UpdateExchange(models.AccountInfo{TotalBalance: d("10000")}, nil, nil, time.Now())

	limits := risk.DefaultLimits()
	limits.Exit.TrailingTriggerPct = 0
	rm := risk.NewManager(limits)
	exec := execution.New(execution.DefaultConfig(), venue, rm, cell)
	eng := engine.New(engine.Config{}, nil)
	exec.AddListener(eng)
	require.NoError(t, eng.Register("bo", breakout{}, engine.StrategyConfig{Symbols: []string{"BTC-USDT"}}))
	require.NoError(t, eng.Start(ctx, "bo"))

	feed := execution.NewFillFeed(venue, exec, time.Second)
	p := New(eng, exec, rm, cell, WithPriceObserver(venue.SetPrice))
	res := p.OnMarketData(ctx, tick("BTC-USDT", 100))
	assert.Equal(t, TickResult{Signals: 1, Submitted: 1}, res)

	require.NoError(t, feed.Poll(ctx))
	pos, ok := exec.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("2")), pos.Quantity.String())
	assert.Equal(t, "bo", pos.StrategyID)

	// other symbols are not dispatched to the strategy
	assert.Equal(t, TickResult{}, p.OnMarketData(ctx, tick("ETH-USDT", 50)))
	assert.EqualValues(t, 2, p.Stats().Ticks)
	assert.EqualValues(t, 1, p.Stats().Submitted)
}

type staticDispatcher []models.Signal

func (s staticDispatcher) Dispatch(context.Context, models.MarketData, *models.StrategyContext) []models.Signal {
	return s
}

type fakeExecutor struct {
	mu        sync.Mutex
	processed map[string][]string
	prices    []string
	flattened []string
	reject    map[string]bool
	fail      map[string]bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{processed: map[string][]string{}, reject: map[string]bool{}, fail: map[string]bool{}}
}

func (f *fakeExecutor) Process(_ context.Context, sig models.Signal) (execution.Result, error) {
	time.Sleep(time.Millisecond)
	f.mu.Lock()
	f.processed[sig.StrategyID] = append(f.processed[sig.StrategyID], sig.ID)
	f.mu.Unlock()
	res := execution.Result{Signal: sig, Validation: models.RiskValidation{IsValid: !f.reject[sig.ID]}}
	switch {
	case f.fail[sig.ID]:
		return res, errors.New("venue down")
	case sig.Type == models.SignalAlert:
		return res, execution.ErrAlertSignal
	case res.Validation.IsValid:
		res.Order = &models.Order{ID: "o-" + sig.ID}
	}
	return res, nil
}

func (f *fakeExecutor) OnPrice(_ context.Context, symbol string, price decimal.Decimal) error {
	f.mu.Lock()
	f.prices = append(f.prices, symbol+"@"+price.String())
	f.mu.Unlock()
	return nil
}

func (f *fakeExecutor) Flatten(_ context.Context, id string) error {
	f.mu.Lock()
	f.flattened = append(f.flattened, id)
	f.mu.Unlock()
	return nil
}

func sig(id, strategy string, typ models.SignalType) models.Signal {
	return models.Signal{ID: id, StrategyID: strategy, Symbol: "BTC-USDT", Side: models.SideBuy, Type: typ, Strength: 1}
}

func TestPipeline_PerStrategyOrdering(t *testing.T) {
	sigs := staticDispatcher{
		sig("a1", "a", models.SignalEntry), sig("b1", "b", models.SignalEntry),
		sig("a2", "a", models.SignalAddToPosition), sig("b2", "b", models.SignalExit),
		sig("a3", "a", models.SignalExit), sig("c1", "c", models.SignalAlert),
	}
	ex := newFakeExecutor()
	ex.reject["b2"] = true
	ex.fail["a3"] = true
	p := New(sigs, ex, nil, models.NewContextCell())

	res := p.OnMarketData(context.Background(), tick("BTC-USDT", 101.5))
	assert.Equal(t, TickResult{Signals: 6, Submitted: 3, Rejected: 1, Failed: 1}, res)
	assert.Equal(t, []string{"a1", "a2", "a3"}, ex.processed["a"])
	assert.Equal(t, []string{"b1", "b2"}, ex.processed["b"])
	assert.Equal(t, []string{"BTC-USDT@101.5"}, ex.prices)
}

func TestPipeline_AutoStop(t *testing.T) {
	ex := newFakeExecutor()
	notes := &notify.Recorder{}
	ev := engine.AutoStopEvent{ID: "s1", ConsecutiveErrors: 6, Cause: errors.New("boom")}

	New(staticDispatcher{}, ex, nil, models.NewContextCell(), WithNotifier(notes)).OnAutoStop(ev)
	assert.Empty(t, ex.flattened)
	require.Len(t, notes.Messages(), 1)
	assert.Contains(t, notes.Messages()[0], "s1 auto-stopped")

	New(staticDispatcher{}, ex, nil, models.NewContextCell(), WithFlattenOnAutoStop(true)).OnAutoStop(ev)
	assert.Equal(t, []string{"s1"}, ex.flattened)
}

func TestPipeline_Run(t *testing.T) {
	ex := newFakeExecutor()
	p := New(staticDispatcher{}, ex, nil, models.NewContextCell())

	ticks := make(chan models.MarketData, 3)
	ticks <- tick("BTC-USDT", 1)
	ticks <- tick("ETH-USDT", 2)
	close(ticks)
	require.NoError(t, p.Run(context.Background(), ticks))
	assert.Len(t, ex.prices, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx, make(chan models.MarketData)), context.Canceled)
}
