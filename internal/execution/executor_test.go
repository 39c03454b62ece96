package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/exchange"
	"trade_engine/internal/exchange/paper"
	"trade_engine/internal/models"
	"trade_engine/internal/notify"
	"trade_engine/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingSink struct {
	mu         sync.Mutex
	orders     []models.Order
	fills      []models.Fill
	positions  []models.Position
	rejections []models.RiskRejection
}

func (s *recordingSink) OrderUpdated(o models.Order) {
	s.mu.Lock()
	s.orders = append(s.orders, o)
	s.mu.Unlock()
}

func (s *recordingSink) FillRecorded(f models.Fill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

func (s *recordingSink) PositionUpdated(p models.Position) {
	s.mu.Lock()
	s.positions = append(s.positions, p)
	s.mu.Unlock()
}

func (s *recordingSink) RiskRejected(r models.RiskRejection) {
	s.mu.Lock()
	s.rejections = append(s.rejections, r)
	s.mu.Unlock()
}

type recordingListener struct {
	mu        sync.Mutex
	orders    []models.Order
	positions []models.Position
}

func (l *recordingListener) NotifyOrderFilled(_ context.Context, o models.Order) {
	l.mu.Lock()
	l.orders = append(l.orders, o)
	l.mu.Unlock()
}

func (l *recordingListener) NotifyPositionUpdate(_ context.Context, p models.Position) {
	l.mu.Lock()
	l.positions = append(l.positions, p)
	l.mu.Unlock()
}

type fixture struct {
	exec     *Executor
	venue    *paper.Exchange
	risk     *risk.Manager
	cell     *models.ContextCell
	feed     *FillFeed
	sink     *recordingSink
	notes    *notify.Recorder
	listener *recordingListener
}

func newFixture(t *testing.T, tune func(l *risk.Limits, c *Config)) *fixture {
	t.Helper()
	limits := risk.DefaultLimits()
	limits.DailyLossLimit = 1000
	limits.DailyLossLimitPct = 0
	limits.Exit.TrailingTriggerPct = 0
	cfg := DefaultConfig()
	if tune != nil {
		tune(&limits, &cfg)
	}

	venue := paper.New(paper.Config{InitialBalance: 10000})
	venue.SetPrice("BTC-USDT", d("100"))
	venue.SetPrice("ETH-USDT", d("50"))

	cell := models.NewContextCell()
	cell.UpdateExchange(models.AccountInfo{TotalBalance: d("10000")}, nil, nil, time.Now())

	f := &fixture{
		venue:    venue,
		risk:     risk.NewManager(limits),
		cell:     cell,
		sink:     &recordingSink{},
		notes:    &notify.Recorder{},
		listener: &recordingListener{},
	}
	f.exec = New(cfg, venue, f.risk, cell, WithSink(f.sink), WithNotifier(f.notes))
	f.exec.AddListener(f.listener)
	f.feed = NewFillFeed(venue, f.exec, time.Second)
	return f
}

func buySignal(symbol string, strength float64) models.Signal {
	return models.Signal{
		ID:         models.NewID(),
		StrategyID: "s1",
		Symbol:     symbol,
		Side:       models.SideBuy,
		Type:       models.SignalEntry,
		Strength:   strength,
		Timestamp:  time.Now(),
	}
}

func fill(id, symbol string, side models.Side, qty, price string) models.Fill {
	return models.Fill{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: time.Now(),
	}
}

func TestProcess_SizesAndSubmitsMarketEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sig := buySignal("BTC-USDT", 0.8)
	sig.StopLoss = d("50")
	res, err := f.exec.Process(ctx, sig)
	require.NoError(t, err)
	require.False(t, res.Rejected())
	require.NotNil(t, res.Order)
	assert.Equal(t, models.OrderMarket, res.Order.Type)
	assert.Equal(t, models.OrderSubmitted, res.Order.Status)
	assert.True(t, res.Order.Quantity.Equal(d("2")), res.Order.Quantity.String())
	assert.Equal(t, "s1", res.Order.StrategyID)
	assert.Equal(t, sig.ID, res.Order.SignalID)

	require.NoError(t, f.feed.Poll(ctx))
	pos, ok := f.exec.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.AverageEntryPrice.Equal(d("100")))
	assert.Equal(t, "s1", pos.StrategyID)

	order, ok := f.exec.Orders().Get(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderFilled, order.Status)

	f.listener.mu.Lock()
	require.Len(t, f.listener.orders, 1)
	assert.Equal(t, res.Order.ID, f.listener.orders[0].ID)
	assert.Len(t, f.listener.positions, 1)
	f.listener.mu.Unlock()

	brackets := f.exec.Orders().OpenProtective("BTC-USDT")
	require.Len(t, brackets, 2)
	for _, b := range brackets {
		assert.True(t, b.ReduceOnly)
		assert.True(t, b.Quantity.Equal(d("2")))
	}
}

func TestOnFill_TakeProfitCancelsStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	sig := buySignal("BTC-USDT", 0.9)
	sig.StopLoss = d("50")
	_, err := f.exec.Process(ctx, sig)
	require.NoError(t, err)
	require.NoError(t, f.feed.Poll(ctx))
	require.Len(t, f.exec.Orders().OpenProtective("BTC-USDT"), 2)

	f.venue.SetPrice("BTC-USDT", d("104"))
	require.NoError(t, f.feed.Poll(ctx))

	_, open := f.exec.Tracker().Position("BTC-USDT")
	assert.False(t, open)
	assert.Empty(t, f.exec.Orders().OpenProtective("BTC-USDT"))
	pending, err := f.venue.FetchPendingOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	closed := f.exec.Tracker().Closed()
	require.Len(t, closed, 1)
	assert.True(t, closed[0].RealizedPnL.Equal(d("8")), closed[0].RealizedPnL.String())
	assert.True(t, f.risk.Status().Daily.RealizedToday.Equal(d("8")))
}

func TestOnFill_RoundTripRemovesPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.exec.OnFill(ctx, fill("f1", "BTC-USDT", models.SideBuy, "10", "100")))
	pos, ok := f.exec.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("10")))
	assert.True(t, pos.AverageEntryPrice.Equal(d("100")))

	require.NoError(t, f.exec.OnFill(ctx, fill("f2", "BTC-USDT", models.SideSell, "10", "110")))
	_, ok = f.exec.Tracker().Position("BTC-USDT")
	assert.False(t, ok)

	closed := f.exec.Tracker().Closed()
	require.Len(t, closed, 1)
	assert.True(t, closed[0].RealizedPnL.Equal(d("100")))
	assert.True(t, f.risk.Status().Daily.RealizedToday.Equal(d("100")))

	kinds := []EventKind{}
	for _, ev := range f.exec.Tracker().Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventOpened, EventClosed}, kinds)
}

func TestOnFill_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	fl := fill("dup", "ETH-USDT", models.SideBuy, "3", "50")
	require.NoError(t, f.exec.OnFill(ctx, fl))
	require.NoError(t, f.exec.OnFill(ctx, fl))

	pos, ok := f.exec.Tracker().Position("ETH-USDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("3")))
	assert.Len(t, f.sink.fills, 1)
	assert.Len(t, f.listener.positions, 1)
}

func TestOnFill_WeightedAverageAndFlip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.exec.OnFill(ctx, fill("a", "BTC-USDT", models.SideBuy, "1", "100")))
	require.NoError(t, f.exec.OnFill(ctx, fill("b", "BTC-USDT", models.SideBuy, "3", "120")))
	pos, _ := f.exec.Tracker().Position("BTC-USDT")
	assert.True(t, pos.AverageEntryPrice.Equal(d("115")), pos.AverageEntryPrice.String())

	require.NoError(t, f.exec.OnFill(ctx, fill("c", "BTC-USDT", models.SideSell, "6", "110")))
	pos, ok := f.exec.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, models.SideSell, pos.Side)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.AverageEntryPrice.Equal(d("110")))

	closed := f.exec.Tracker().Closed()
	require.Len(t, closed, 1)
	// (110-100)*1 + (110-120)*3
	assert.True(t, closed[0].RealizedPnL.Equal(d("-20")), closed[0].RealizedPnL.String())

	evs := f.exec.Tracker().Events()
	assert.Equal(t, EventFlipped, evs[len(evs)-1].Kind)
}

func TestOnFill_ConcurrentSymbols(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	symbols := []string{"A", "B", "C", "D", "E"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sym := symbols[i%len(symbols)]
			_ = f.exec.OnFill(ctx, fill(fmt.Sprintf("f-%d", i), sym, models.SideBuy, "1", "10"))
		}(i)
	}
	wg.Wait()

	for _, sym := range symbols {
		pos, ok := f.exec.Tracker().Position(sym)
		require.True(t, ok, sym)
		assert.True(t, pos.Quantity.Equal(d("10")), sym)
	}
}

func TestProcess_RiskRejectionIsData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.risk.RecordRealizedPnL("BTC-USDT", d("-1000"))

	res, err := f.exec.Process(ctx, buySignal("ETH-USDT", 0.9))
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Nil(t, res.Order)
	require.Len(t, f.sink.rejections, 1)
	assert.Equal(t, models.RejectDailyLoss, f.sink.rejections[0].Reasons[0].Code)
	assert.Len(t, f.notes.Messages(), 1)
}

func TestProcess_SameSideCloseNeverAddsExposure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *risk.Limits, c *Config) { c.AutoBrackets = false })

	_, err := f.exec.Submit(ctx, models.NewOrder("ETH-USDT", models.SideBuy, models.OrderMarket, d("5")))
	require.NoError(t, err)
	require.NoError(t, f.feed.Poll(ctx))

	same := func(typ models.SignalType) models.Signal {
		s := buySignal("ETH-USDT", 0.9)
		s.Type = typ
		return s
	}

	f.risk.RecordRealizedPnL("ETH-USDT", d("-2000"))
	for _, typ := range []models.SignalType{models.SignalExit, models.SignalScale} {
		res, err := f.exec.Process(ctx, same(typ))
		require.NoError(t, err)
		assert.True(t, res.Rejected(), typ)
		assert.Equal(t, models.RejectDailyLoss, res.Validation.Reasons[0].Code)
	}

	f.risk.ForceResetDaily()
	res, err := f.exec.Process(ctx, same(models.SignalExit))
	require.NoError(t, err)
	assert.True(t, res.Rejected())
	assert.Equal(t, models.RejectNoPosition, res.Validation.Reasons[0].Code)

	out := same(models.SignalScale)
	out.Side = models.SideSell
	res, err = f.exec.Process(ctx, out)
	require.NoError(t, err)
	require.False(t, res.Rejected())
	assert.True(t, res.Order.ReduceOnly)
	assert.True(t, res.Order.Quantity.Equal(d("2.5")), res.Order.Quantity.String())
	require.NoError(t, f.feed.Poll(ctx))

	pos, ok := f.exec.Tracker().Position("ETH-USDT")
	require.True(t, ok)
	assert.Equal(t, models.SideBuy, pos.Side)
	assert.True(t, pos.Quantity.Equal(d("2.5")), pos.Quantity.String())
}

func TestOnFill_RefusedFillNotBooked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *risk.Limits, c *Config) { c.AutoBrackets = false })

	o := models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, d("2"))
	_, err := f.exec.Submit(ctx, o)
	require.NoError(t, err)
	require.NoError(t, f.feed.Poll(ctx))

	extra := fill("extra", "BTC-USDT", models.SideBuy, "1", "100")
	extra.OrderID = o.ExchangeOrderID
	err = f.exec.OnFill(ctx, extra)
	assert.ErrorIs(t, err, models.ErrOverfill)

	pos, ok := f.exec.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(d("2")), pos.Quantity.String())
	assert.Len(t, f.sink.fills, 1)
	msgs := f.notes.Messages()
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "refused")

	// reported once, then treated as handled
	require.NoError(t, f.exec.OnFill(ctx, extra))
}

// ctxVenue fails placements once ctx is done, like a real network client.
type ctxVenue struct{ *paper.Exchange }

func (v ctxVenue) PlaceOrder(ctx context.Context, o *models.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return v.Exchange.PlaceOrder(ctx, o)
}

func TestFillFeed_BatchOutlivesCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ex := New(DefaultConfig(), ctxVenue{f.venue}, f.risk, f.cell)
	feed := NewFillFeed(f.venue, ex, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := ex.Submit(ctx, models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, d("2")))
	require.NoError(t, err)
	cancel()

	require.NoError(t, feed.Poll(ctx))
	_, ok := ex.Tracker().Position("BTC-USDT")
	require.True(t, ok)
	assert.Len(t, ex.Orders().OpenProtective("BTC-USDT"), 2)
}

func TestSubmit_VenueFailureRejectsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.exec.OnPrice(ctx, "BTC-USDT", d("100")))
	f.venue.FailNext(exchange.NewError(exchange.KindInsufficientBalance, "paper", "place_order", "no funds"))

	res, err := f.exec.Process(ctx, buySignal("BTC-USDT", 0.9))
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, res.Order.ID, execErr.OrderID)
	assert.Equal(t, exchange.KindInsufficientBalance, exchange.KindOf(err))
	assert.Equal(t, models.OrderRejected, res.Order.Status)
	assert.Contains(t, res.Order.RejectReason, "no funds")

	stored, ok := f.exec.Orders().Get(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderRejected, stored.Status)
	require.NotEmpty(t, f.sink.orders)
	assert.Equal(t, models.OrderRejected, f.sink.orders[len(f.sink.orders)-1].Status)
}

func TestConvert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	snap := f.cell.Load()
	valid := models.RiskValidation{IsValid: true, AdjustedQuantity: d("1")}

	_, err := f.exec.Convert(ctx, buySignal("BTC-USDT", 0.3), valid, snap)
	assert.ErrorIs(t, err, ErrWeakSignal)

	alert := buySignal("BTC-USDT", 1)
	alert.Type = models.SignalAlert
	_, err = f.exec.Convert(ctx, alert, valid, snap)
	assert.ErrorIs(t, err, ErrAlertSignal)

	_, err = f.exec.Convert(ctx, buySignal("BTC-USDT", 0.9), models.RiskValidation{IsValid: true}, snap)
	assert.ErrorIs(t, err, ErrZeroQuantity)

	limit := buySignal("BTC-USDT", 0.6)
	limit.SuggestedPrice = d("99.5")
	o, err := f.exec.Convert(ctx, limit, valid, snap)
	require.NoError(t, err)
	assert.Equal(t, models.OrderLimit, o.Type)
	assert.True(t, o.Price.Equal(d("99.5")))

	require.NoError(t, f.exec.OnPrice(ctx, "BTC-USDT", d("200")))
	o, err = f.exec.Convert(ctx, buySignal("BTC-USDT", 0.6), valid, snap)
	require.NoError(t, err)
	assert.True(t, o.Price.Equal(d("200.2")), o.Price.String())

	exit := buySignal("BTC-USDT", 0.6)
	exit.Type = models.SignalExit
	exit.Side = models.SideSell
	o, err = f.exec.Convert(ctx, exit, valid, snap)
	require.NoError(t, err)
	assert.Equal(t, models.OrderMarket, o.Type)
	assert.True(t, o.ReduceOnly)
}

func TestOnPrice_TrailingStopSubmitsExit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(l *risk.Limits, c *Config) {
		l.Exit.TrailingTriggerPct = 1
		l.Exit.TrailingStepPct = 1
		c.AutoBrackets = false
	})

	_, err := f.exec.Submit(ctx, models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, d("2")))
	require.NoError(t, err)
	require.NoError(t, f.feed.Poll(ctx))
	require.NoError(t, f.exec.OnPrice(ctx, "BTC-USDT", d("101")))
	require.NoError(t, f.exec.OnPrice(ctx, "BTC-USDT", d("110")))
	pos, _ := f.exec.Tracker().Position("BTC-USDT")
	assert.True(t, pos.UnrealizedPnL.Equal(d("20")))

	f.venue.SetPrice("BTC-USDT", d("108"))
	require.NoError(t, f.exec.OnPrice(ctx, "BTC-USDT", d("108")))

	var exits []models.Order
	for _, o := range f.sink.orders {
		if o.Status == models.OrderSubmitted && o.ReduceOnly {
			exits = append(exits, o)
		}
	}
	require.Len(t, exits, 1)
	assert.Equal(t, models.SideSell, exits[0].Side)
	assert.Equal(t, models.OrderMarket, exits[0].Type)
	assert.True(t, exits[0].ReduceOnly)

	require.NoError(t, f.feed.Poll(ctx))
	_, ok := f.exec.Tracker().Position("BTC-USDT")
	assert.False(t, ok)
	st, _ := f.risk.TrailingState("BTC-USDT")
	assert.Equal(t, risk.TrailInactive, st.Phase)
}

func TestFlatten_OnlyOwnedPositions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(_ *risk.Limits, c *Config) { c.AutoBrackets = false })

	btc := models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, d("1"))
	btc.StrategyID = "s1"
	eth := models.NewOrder("ETH-USDT", models.SideBuy, models.OrderMarket, d("2"))
	eth.StrategyID = "s2"
	_, err := f.exec.Submit(ctx, btc)
	require.NoError(t, err)
	_, err = f.exec.Submit(ctx, eth)
	require.NoError(t, err)
	require.NoError(t, f.feed.Poll(ctx))
	require.Len(t, f.exec.Tracker().Positions(), 2)

	require.NoError(t, f.exec.Flatten(ctx, "s1"))
	require.NoError(t, f.feed.Poll(ctx))

	open := f.exec.Tracker().Positions()
	require.Len(t, open, 1)
	assert.Equal(t, "ETH-USDT", open[0].Symbol)
	assert.Equal(t, "s2", open[0].StrategyID)
}
