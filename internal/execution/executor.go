package execution

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_engine/internal/exchange"
	"trade_engine/internal/helper"
	"trade_engine/internal/models"
	"trade_engine/internal/notify"
	"trade_engine/internal/risk"
	"trade_engine/pkg/logger"
	"trade_engine/pkg/tracing"
)

type Option func(*Executor)

func WithSink(s Sink) Option { return func(e *Executor) { e.sink = s } }

func WithNotifier(n notify.Notifier) Option { return func(e *Executor) { e.notifier = n } }

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// Result is what Process did with a signal. Order is nil when the signal
// never became an order.
type Result struct {
	Signal     models.Signal
	Validation models.RiskValidation
	Order      *models.Order
}

func (r Result) Rejected() bool { return !r.Validation.IsValid }

type Executor struct {
	cfg  Config
	ex   exchange.Exchange
	risk *risk.Manager
	cell *models.ContextCell

	orders  *OrderBook
	tracker *PositionTracker
	locks   keyedMutex

	pricesMu sync.RWMutex
	prices   map[string]decimal.Decimal

	listenersMu sync.RWMutex
	listeners   []FillListener

	sink     Sink
	notifier notify.Notifier
	now      func() time.Time
}

func New(cfg Config, ex exchange.Exchange, rm *risk.Manager, cell *models.ContextCell, opts ...Option) *Executor {
	e := &Executor{
		cfg:      cfg,
		ex:       ex,
		risk:     rm,
		cell:     cell,
		orders:   NewOrderBook(),
		tracker:  NewPositionTracker(),
		prices:   map[string]decimal.Decimal{},
		sink:     NopSink{},
		notifier: notify.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Tracker() *PositionTracker { return e.tracker }
func (e *Executor) Orders() *OrderBook        { return e.orders }

func (e *Executor) AddListener(l FillListener) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
}

// Process validates, converts and submits one signal. A risk rejection is
// reported in the result, not as an error.
func (e *Executor) Process(ctx context.Context, sig models.Signal) (res Result, err error) {
	span, ctx := tracing.StartSpan(ctx, "executor.process",
		opentracing.Tag{Key: "symbol", Value: sig.Symbol},
		opentracing.Tag{Key: "strategy", Value: sig.StrategyID})
	defer func() { tracing.Finish(span, err) }()

	res.Signal = sig
	if sig.Type == models.SignalAlert {
		logger.Info("[EXEC] alert from %s on %s: %s", sig.StrategyID, sig.Symbol, sig.Reason)
		return res, ErrAlertSignal
	}

	snap := e.cell.Load()
	price, perr := e.latestPrice(ctx, sig.Symbol, snap)
	if perr != nil && !sig.HasSuggestedPrice() && sig.Type.Opens() {
		logger.Warn("[EXEC] no price for %s: %v", sig.Symbol, perr)
	}
	var held *models.Position
	if p, ok := e.tracker.Position(sig.Symbol); ok {
		held = &p
	}

	res.Validation = e.risk.Validate(risk.CandidateFromSignal(sig, price, held), snap)
	if !res.Validation.IsValid {
		e.rejected(sig, res.Validation)
		return res, nil
	}
	for _, w := range res.Validation.Warnings {
		logger.Warn("[RISK] %s %s: %s", sig.StrategyID, sig.Symbol, w)
	}

	o, err := e.Convert(ctx, sig, res.Validation, snap)
	if err != nil {
		return res, err
	}
	res.Order = o
	if _, err = e.Submit(ctx, o); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) rejected(sig models.Signal, v models.RiskValidation) {
	rej := models.RiskRejection{
		SignalID:   sig.ID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Reasons:    v.Reasons,
		At:         e.now().UTC(),
	}
	e.sink.RiskRejected(rej)
	msg := ""
	if len(v.Reasons) > 0 {
		msg = v.Reasons[0].Message
	}
	logger.Info("[RISK] rejected %s %s %s from %s: %s", sig.Type, sig.Side, sig.Symbol, sig.StrategyID, msg)
	e.notifier.Sendf("risk rejected %s %s %s (%s): %s", sig.Type, sig.Side, sig.Symbol, sig.StrategyID, msg)
}

// Convert turns a validated signal into an order.
func (e *Executor) Convert(ctx context.Context, sig models.Signal, v models.RiskValidation, snap *models.StrategyContext) (*models.Order, error) {
	switch {
	case sig.Type == models.SignalAlert:
		return nil, ErrAlertSignal
	case !sig.Side.Valid():
		return nil, errors.Wrapf(ErrInvalidSignal, "%q", sig.Side)
	case sig.Strength < e.cfg.MinStrength:
		return nil, errors.Wrapf(ErrWeakSignal, "%.2f < %.2f", sig.Strength, e.cfg.MinStrength)
	case !v.IsValid || !v.AdjustedQuantity.IsPositive():
		return nil, ErrZeroQuantity
	}

	typ := models.OrderMarket
	if sig.Type.Opens() && !e.cfg.UseMarketOrders && sig.Strength < e.cfg.MarketStrength {
		typ = models.OrderLimit
	}

	o := models.NewOrder(sig.Symbol, sig.Side, typ, v.AdjustedQuantity)
	o.StrategyID = sig.StrategyID
	o.SignalID = sig.ID
	o.ReduceOnly = v.ReduceOnly || sig.Type.Closes()
	if typ == models.OrderLimit {
		o.TimeInForce = e.cfg.tif()
		if sig.HasSuggestedPrice() {
			o.Price = sig.SuggestedPrice
		} else {
			last, err := e.latestPrice(ctx, sig.Symbol, snap)
			if err != nil {
				return nil, err
			}
			slip := helper.Pct(last, e.cfg.SlippagePct)
			if sig.Side == models.SideBuy {
				o.Price = last.Add(slip)
			} else {
				o.Price = last.Sub(slip)
			}
		}
	}
	return o, nil
}

// latestPrice prefers the synced mark price, then the last price seen on
// the market stream, then asks the venue.
func (e *Executor) latestPrice(ctx context.Context, symbol string, snap *models.StrategyContext) (decimal.Decimal, error) {
	if p, ok := snap.Position(symbol); ok && p.MarkPrice.IsPositive() {
		return p.MarkPrice, nil
	}
	e.pricesMu.RLock()
	px, ok := e.prices[symbol]
	e.pricesMu.RUnlock()
	if ok {
		return px, nil
	}
	px, err := e.ex.LatestPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrNoPrice, "%s: %v", symbol, err)
	}
	if !px.IsPositive() {
		return decimal.Zero, errors.Wrap(ErrNoPrice, symbol)
	}
	return px, nil
}

// Submit places o through the venue. On failure o is Rejected and an
// *ExecutionError is returned.
func (e *Executor) Submit(ctx context.Context, o *models.Order) (string, error) {
	unlock := e.locks.Lock(o.Symbol)
	defer unlock()
	return e.submitLocked(ctx, o)
}

func (e *Executor) submitLocked(ctx context.Context, o *models.Order) (id string, err error) {
	span, ctx := tracing.StartSpan(ctx, "executor.submit",
		opentracing.Tag{Key: "symbol", Value: o.Symbol},
		opentracing.Tag{Key: "type", Value: string(o.Type)})
	defer func() { tracing.Finish(span, err) }()

	e.orders.Add(o)
	id, placeErr := e.ex.PlaceOrder(ctx, o)
	now := e.now().UTC()
	if placeErr != nil {
		cp, _ := e.orders.Update(o.ID, func(o *models.Order) error { return o.Reject(placeErr.Error(), now) })
		*o = cp
		e.sink.OrderUpdated(cp)
		logger.Error("[EXEC] order %s %s %s %s qty=%s rejected: %v", o.ID, o.Symbol, o.Side, o.Type, o.Quantity, placeErr)
		e.notifier.Sendf("order rejected %s %s %s qty=%s: %v", o.Symbol, o.Side, o.Type, o.Quantity, placeErr)
		return "", &ExecutionError{OrderID: o.ID, Cause: placeErr}
	}
	cp, err := e.orders.Update(o.ID, func(o *models.Order) error { return o.MarkSubmitted(id, now) })
	*o = cp
	if err != nil {
		return id, err
	}
	e.sink.OrderUpdated(cp)
	logger.Info("[EXEC] submitted %s %s %s %s qty=%s px=%s stop=%s venue_id=%s",
		o.StrategyID, o.Symbol, o.Side, o.Type, o.Quantity, o.Price, o.StopPrice, id)
	return id, nil
}

// Cancel cancels a live order by internal id.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	o, ok := e.orders.Get(orderID)
	if !ok {
		return errors.Errorf("order %s not found", orderID)
	}
	unlock := e.locks.Lock(o.Symbol)
	defer unlock()
	return e.cancelOrder(ctx, o)
}

func (e *Executor) cancelOrder(ctx context.Context, o models.Order) error {
	err := e.ex.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
	if err != nil && exchange.KindOf(err) != exchange.KindNotFound {
		return err
	}
	cp, uerr := e.orders.Update(o.ID, func(o *models.Order) error {
		if o.Status.Terminal() {
			return nil
		}
		return o.Cancel(e.now().UTC())
	})
	if uerr != nil {
		return uerr
	}
	e.sink.OrderUpdated(cp)
	logger.Info("[EXEC] cancelled %s %s %s venue_id=%s", cp.Symbol, cp.Type, cp.ID, cp.ExchangeOrderID)
	return nil
}

// cancelProtective cancels live protective orders of symbol other than
// except.
func (e *Executor) cancelProtective(ctx context.Context, symbol, except string) {
	for _, o := range e.orders.OpenProtective(symbol) {
		if o.ID == except {
			continue
		}
		if err := e.cancelOrder(ctx, o); err != nil {
			logger.Error("[EXEC] cancel sibling %s %s: %v", symbol, o.ID, err)
		}
	}
}

// OnFill applies a venue fill. Fills for one symbol are serialized; a fill
// id already applied is ignored. A fill the order book refuses is not
// booked and is returned as an error.
func (e *Executor) OnFill(ctx context.Context, f models.Fill) (err error) {
	span, ctx := tracing.StartSpan(ctx, "executor.on_fill",
		opentracing.Tag{Key: "symbol", Value: f.Symbol})
	defer func() { tracing.Finish(span, err) }()

	var (
		order    models.Order
		hasOrder bool
		upd      PositionUpdate
		// venue work to do once the symbol lock is released
		cancelExcept string
		cancelAll    bool
		bracket      bool
	)
	err = func() error {
		unlock := e.locks.Lock(f.Symbol)
		defer unlock()

		if e.tracker.Seen(f.Symbol, f.ID) {
			logger.Debug("[EXEC] duplicate fill %s ignored", f.ID)
			return nil
		}

		var matched models.Order
		matched, hasOrder = e.orders.Match(f)
		strategyID := ""
		if hasOrder {
			var ferr error
			order, ferr = e.orders.Update(matched.ID, func(o *models.Order) error {
				return o.ApplyFill(f.Quantity, f.Price, f.Timestamp)
			})
			if ferr != nil {
				e.tracker.MarkSeen(f.Symbol, f.ID)
				logger.Error("[EXEC] fill %s on order %s refused: %v", f.ID, matched.ID, ferr)
				e.notifier.Sendf("fill %s %s %s qty=%s on order %s refused: %v", f.Symbol, f.Side, f.ID, f.Quantity, matched.ID, ferr)
				return errors.Wrapf(ferr, "fill %s", f.ID)
			}
			strategyID = order.StrategyID
		} else {
			logger.Warn("[EXEC] fill %s for unknown order %s on %s", f.ID, f.OrderID, f.Symbol)
		}

		var ok bool
		if upd, ok = e.tracker.Apply(f, strategyID); !ok {
			return nil
		}
		e.sink.FillRecorded(f)
		if hasOrder && order.Status.Terminal() {
			e.sink.OrderUpdated(order)
		}
		e.sink.PositionUpdated(upd.Position)

		if !upd.Realized.IsZero() {
			e.risk.RecordRealizedPnL(f.Symbol, upd.Realized)
		}
		e.risk.UpdateUnrealizedPnL(e.tracker.TotalUnrealized())

		logger.Info("[EXEC] fill %s %s %s @ %s: %s qty=%s avg=%s realized=%s",
			f.Symbol, f.Side, f.Quantity, f.Price, upd.Event.Kind, upd.Position.Quantity,
			upd.Position.AverageEntryPrice.StringFixed(4), upd.Realized)

		if hasOrder && order.Type.Protective() && order.Status == models.OrderFilled {
			cancelExcept = order.ID
		}
		if upd.Closed != nil {
			e.risk.ClearTrailingStop(f.Symbol)
			cancelAll = true
			e.notifier.Sendf("closed %s %s realized=%s", f.Symbol, upd.Closed.Side, upd.Closed.RealizedPnL.StringFixed(2))
		}
		bracket = e.cfg.AutoBrackets && hasOrder && !order.ReduceOnly && !order.Type.Protective() && !upd.Position.IsFlat()
		return nil
	}()
	if err != nil || upd.Event.Kind == "" {
		return err
	}

	switch {
	case cancelAll:
		e.cancelProtective(ctx, f.Symbol, "")
	case cancelExcept != "":
		e.cancelProtective(ctx, f.Symbol, cancelExcept)
	}
	if bracket {
		e.bracket(ctx, upd.Position)
	}

	e.listenersMu.RLock()
	listeners := append([]FillListener(nil), e.listeners...)
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		if hasOrder {
			l.NotifyOrderFilled(ctx, order)
		}
		l.NotifyPositionUpdate(ctx, upd.Position)
	}
	return nil
}

// bracket replaces the protective orders of pos with ones sized to it.
func (e *Executor) bracket(ctx context.Context, pos models.Position) {
	e.cancelProtective(ctx, pos.Symbol, "")
	for _, o := range e.risk.GenerateStopOrders(pos) {
		if _, err := e.Submit(ctx, o); err != nil {
			logger.Error("[EXEC] bracket %s %s: %v", pos.Symbol, o.Type, err)
		}
	}
}

// OnPrice marks the position in symbol to market and advances its trailing
// stop, submitting the exit when it triggers.
func (e *Executor) OnPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil
	}
	e.pricesMu.Lock()
	e.prices[symbol] = price
	e.pricesMu.Unlock()

	pos, ok := e.tracker.MarkToMarket(symbol, price, e.now().UTC())
	if !ok {
		return nil
	}
	e.risk.UpdateUnrealizedPnL(e.tracker.TotalUnrealized())

	exit := e.risk.UpdateTrailingStop(pos, price)
	if exit == nil {
		return nil
	}
	e.notifier.Sendf("trailing stop hit %s %s qty=%s @ %s", symbol, pos.Side, pos.Quantity, price)
	_, err := e.Submit(ctx, exit)
	return err
}

// Flatten submits reduce-only market exits for every position owned by
// strategyID.
func (e *Executor) Flatten(ctx context.Context, strategyID string) error {
	var first error
	for _, p := range e.tracker.ByStrategy(strategyID) {
		o := models.NewOrder(p.Symbol, p.Side.Opposite(), models.OrderMarket, p.Quantity)
		o.ReduceOnly = true
		o.StrategyID = strategyID
		if _, err := e.Submit(ctx, o); err != nil {
			logger.Error("[EXEC] flatten %s %s: %v", strategyID, p.Symbol, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
