package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"trade_engine/internal/models"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/logger"
	"trade_engine/pkg/tracing"
)

var (
	ErrAlreadyExists   = errors.New("strategy already registered")
	ErrNotFound        = errors.New("strategy not found")
	ErrCapacity        = errors.New("strategy capacity reached")
	ErrStillRunning    = errors.New("strategy is running")
	ErrAlreadyRunning  = errors.New("strategy already running")
	ErrNotRunning      = errors.New("strategy not running")
	ErrInitFailed      = errors.New("strategy initialization failed")
	ErrCallbackTimeout = errors.New("strategy callback timed out")
	ErrCallbackPanic   = errors.New("strategy callback panicked")
)

// AutoStopEvent describes a strategy stopped for repeated failures.
type AutoStopEvent struct {
	ID                string
	Name              string
	ConsecutiveErrors int
	Cause             error
	At                time.Time
}

type Stats struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Errored int `json:"errored"`
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithAutoStopHandler is called in its own goroutine after a strategy has
// been auto-stopped.
func WithAutoStopHandler(fn func(AutoStopEvent)) Option {
	return func(e *Engine) { e.onAutoStop = fn }
}

// Engine owns the registered strategies and fans market data out to them.
type Engine struct {
	cfg     Config
	factory *strategy.Factory

	mu        sync.RWMutex
	instances map[string]*instance
	order     []string

	onAutoStop func(AutoStopEvent)
	now        func() time.Time
}

func New(cfg Config, factory *strategy.Factory, opts ...Option) *Engine {
	if factory == nil {
		factory = strategy.NewFactory()
	}
	e := &Engine{
		cfg:       cfg.normalized(),
		factory:   factory,
		instances: map[string]*instance{},
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Register(id string, s strategy.Strategy, cfg StrategyConfig) error {
	if id == "" {
		return errors.New("strategy id is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[id]; ok {
		return errors.Wrapf(ErrAlreadyExists, "%s", id)
	}
	if len(e.instances) >= e.cfg.MaxStrategies {
		return errors.Wrapf(ErrCapacity, "%d strategies", e.cfg.MaxStrategies)
	}
	e.instances[id] = newInstance(id, s, cfg)
	e.order = append(e.order, id)
	logger.Info("[ENGINE] registered %s (%s) symbols=%v", id, s.Name(), cfg.Symbols)
	return nil
}

// RegisterFromConfig builds the strategy through the factory and registers
// it, starting it when Autostart is set.
func (e *Engine) RegisterFromConfig(ctx context.Context, cfg StrategyConfig) error {
	s, err := e.factory.Create(models.StrategyType(cfg.Type))
	if err != nil {
		return err
	}
	id := cfg.ID
	if id == "" {
		id = cfg.Type
	}
	if err := e.Register(id, s, cfg); err != nil {
		return err
	}
	if cfg.Autostart {
		return e.Start(ctx, id)
	}
	return nil
}

func (e *Engine) get(id string) (*instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.instances[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return in, nil
}

func (e *Engine) Unregister(id string) error {
	in, err := e.get(id)
	if err != nil {
		return err
	}
	e.lock(context.Background(), in)
	defer in.mu.Unlock()
	if in.running {
		return errors.Wrapf(ErrStillRunning, "%s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, id)
	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	logger.Info("[ENGINE] unregistered %s", id)
	return nil
}

func (e *Engine) Start(ctx context.Context, id string) error {
	in, err := e.get(id)
	if err != nil {
		return err
	}
	e.lock(ctx, in)
	defer in.mu.Unlock()
	if in.running {
		return errors.Wrapf(ErrAlreadyRunning, "%s", id)
	}
	if err := safeCall(func() error { return in.s.Initialize(in.cfg.Params) }); err != nil {
		return errors.Wrapf(ErrInitFailed, "%s: %v", id, err)
	}
	in.running = true
	in.recent = map[dedupKey]time.Time{}
	in.setLifecycle(LifecycleRunning, e.now())
	logger.Info("[ENGINE] started %s", id)
	return nil
}

// Stop stops a running strategy. When a callback holds the instance the
// strategy leaves dispatch at once, and Stop waits for the callback until
// ctx is done; the shutdown then completes whenever the callback returns.
func (e *Engine) Stop(ctx context.Context, id string) error {
	in, err := e.get(id)
	if err != nil {
		return err
	}
	if in.mu.TryLock() {
		defer in.mu.Unlock()
		e.finishHalt(ctx, in)
		if !in.running {
			return errors.Wrapf(ErrNotRunning, "%s", id)
		}
		in.running = false
		in.setLifecycle(LifecycleStopped, e.now())
		if err := e.shutdown(ctx, in); err != nil {
			logger.Warn("[ENGINE] %s shutdown: %v", id, err)
		}
		logger.Info("[ENGINE] stopped %s", id)
		return nil
	}

	if _, ok := in.requestHalt(LifecycleStopped); !ok {
		return errors.Wrapf(ErrNotRunning, "%s", id)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.lock(ctx, in)
		in.mu.Unlock()
	}()
	select {
	case <-done:
		logger.Info("[ENGINE] stopped %s", id)
		return nil
	case <-ctx.Done():
		logger.Warn("[ENGINE] %s still inside a callback, shutdown deferred", id)
		return errors.Wrapf(ctx.Err(), "stop %s", id)
	}
}

// StopAll stops every running strategy.
func (e *Engine) StopAll(ctx context.Context) {
	for _, id := range e.ids() {
		if err := e.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
			logger.Warn("[ENGINE] stop %s: %v", id, err)
		}
	}
}

// lock takes in.mu and completes a stop requested while it was held.
func (e *Engine) lock(ctx context.Context, in *instance) {
	in.mu.Lock()
	e.finishHalt(ctx, in)
}

// finishHalt shuts down an instance whose stop was requested without mu.
// Caller holds in.mu.
func (e *Engine) finishHalt(ctx context.Context, in *instance) {
	if !in.takeHalt() || !in.running {
		return
	}
	in.running = false
	if err := e.shutdown(ctx, in); err != nil {
		logger.Warn("[ENGINE] %s shutdown: %v", in.id, err)
	}
	logger.Info("[ENGINE] %s shut down (%s)", in.id, in.lifecycle())
}

func (e *Engine) shutdown(ctx context.Context, in *instance) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallbackTimeout)
	defer cancel()
	return safeCall(func() error { return in.s.Shutdown(sctx) })
}

func (e *Engine) ids() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

// targets returns the instances subscribed to symbol, in registration order.
func (e *Engine) targets(symbol string) []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	res := make([]*instance, 0, len(e.order))
	for _, id := range e.order {
		if in := e.instances[id]; in.subscribed(symbol) {
			res = append(res, in)
		}
	}
	return res
}

// Dispatch runs every running strategy subscribed to md.Symbol and returns
// their signals. A failing strategy never affects the others or the caller.
func (e *Engine) Dispatch(ctx context.Context, md models.MarketData, snap *models.StrategyContext) []models.Signal {
	span, ctx := tracing.StartSpan(ctx, "engine.dispatch", opentracing.Tag{Key: "symbol", Value: md.Symbol})
	defer span.Finish()

	targets := e.targets(md.Symbol)
	results := make([][]models.Signal, len(targets))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for i, in := range targets {
		g.Go(func() error {
			results[i] = e.dispatchOne(ctx, in, md, snap)
			return nil
		})
	}
	_ = g.Wait()

	var out []models.Signal
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

// Warmup replays a historical candle into the running strategies so their
// indicators are primed. Signals are discarded and no counters change.
func (e *Engine) Warmup(ctx context.Context, md models.MarketData) {
	for _, in := range e.targets(md.Symbol) {
		if in.isBusy() {
			continue
		}
		e.lock(ctx, in)
		if in.running {
			err := safeCall(func() error {
				_, err := in.s.OnMarketData(ctx, md, nil)
				return err
			})
			if err != nil {
				logger.Debug("[ENGINE] %s warmup on %s: %v", in.id, md.Symbol, err)
			}
		}
		in.mu.Unlock()
	}
}

type callResult struct {
	sigs []models.Signal
	err  error
}

func (e *Engine) dispatchOne(ctx context.Context, in *instance, md models.MarketData, snap *models.StrategyContext) []models.Signal {
	if in.lifecycle() != LifecycleRunning {
		return nil
	}
	if in.isBusy() {
		err := errors.Wrapf(ErrCallbackTimeout, "%s still inside an earlier callback, %s skipped", in.id, md.Symbol)
		in.recordSkip()
		logger.Warn("[ENGINE] %v", err)
		if in.recordFailure(err, e.now(), e.cfg.MaxConsecutiveErrors) {
			e.autoStop(in, err)
		}
		return nil
	}

	e.lock(ctx, in)
	if !in.running {
		in.mu.Unlock()
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CallbackTimeout)
	done := make(chan callResult, 1)
	go func() {
		var res callResult
		res.err = safeCall(func() error {
			var err error
			res.sigs, err = in.s.OnMarketData(cctx, md, snap)
			return err
		})
		done <- res
	}()

	var (
		res      callResult
		timedOut bool
	)
	select {
	case res = <-done:
	case <-cctx.Done():
		timedOut = true
		res.err = errors.Wrapf(ErrCallbackTimeout, "%s after %s", in.id, e.cfg.CallbackTimeout)
	}
	now := e.now()

	if res.err == nil {
		cancel()
		out := e.stamp(in, res.sigs, md, now)
		in.recordSuccess(len(out))
		in.mu.Unlock()
		return out
	}

	logger.Warn("[ENGINE] %s failed on %s: %v", in.id, md.Symbol, res.err)
	if in.recordFailure(res.err, now, e.cfg.MaxConsecutiveErrors) {
		e.autoStop(in, res.err)
	}
	if timedOut {
		// the instance stays locked until the callback returns
		in.setBusy(true)
		go func() {
			<-done
			cancel()
			e.finishHalt(ctx, in)
			in.setBusy(false)
			in.mu.Unlock()
		}()
		return nil
	}
	cancel()
	e.finishHalt(ctx, in)
	in.mu.Unlock()
	return nil
}

// autoStop takes in out of dispatch after repeated failures. The shutdown
// runs once in.mu is free.
func (e *Engine) autoStop(in *instance, cause error) {
	st, ok := in.requestHalt(LifecycleAutoStopped)
	if !ok {
		return
	}
	logger.Error("[ENGINE] %s auto-stopped after %d consecutive errors: %v", in.id, st.ConsecutiveErrors, cause)
	if e.onAutoStop != nil {
		ev := AutoStopEvent{ID: in.id, Name: st.Name, ConsecutiveErrors: st.ConsecutiveErrors, Cause: cause, At: e.now()}
		go e.onAutoStop(ev)
	}
}

// stamp tags signals with their origin and drops repeats within the dedup
// window. Caller holds in.mu.
func (e *Engine) stamp(in *instance, sigs []models.Signal, md models.MarketData, now time.Time) []models.Signal {
	if len(sigs) == 0 {
		return nil
	}
	for k, at := range in.recent {
		if now.Sub(at) >= e.cfg.DedupWindow {
			delete(in.recent, k)
		}
	}
	out := make([]models.Signal, 0, len(sigs))
	for _, s := range sigs {
		if s.Symbol == "" {
			s.Symbol = md.Symbol
		}
		key := dedupKey{symbol: s.Symbol, side: s.Side, typ: s.Type}
		if _, dup := in.recent[key]; dup {
			logger.Debug("[ENGINE] %s duplicate %s %s %s dropped", in.id, s.Type, s.Side, s.Symbol)
			continue
		}
		if e.cfg.DedupWindow > 0 {
			in.recent[key] = now
		}
		s.ID = models.NewID()
		s.StrategyID = in.id
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		out = append(out, s)
	}
	return out
}

// NotifyOrderFilled routes a fill to the strategy that placed the order.
func (e *Engine) NotifyOrderFilled(ctx context.Context, o models.Order) {
	in, err := e.get(o.StrategyID)
	if err != nil {
		return
	}
	in.recordFill()
	e.deliver(in, func() error { return in.s.OnOrderFilled(ctx, o) })
}

// NotifyPositionUpdate routes a position change to its owner, or to every
// subscribed strategy when the owner is unknown.
func (e *Engine) NotifyPositionUpdate(ctx context.Context, p models.Position) {
	if p.StrategyID != "" {
		if in, err := e.get(p.StrategyID); err == nil {
			e.deliver(in, func() error { return in.s.OnPositionUpdate(ctx, p) })
		}
		return
	}
	for _, in := range e.targets(p.Symbol) {
		e.deliver(in, func() error { return in.s.OnPositionUpdate(ctx, p) })
	}
}

func (e *Engine) deliver(in *instance, fn func() error) {
	if in.isBusy() {
		logger.Warn("[ENGINE] %s still inside an earlier callback, notification dropped", in.id)
		return
	}
	e.lock(context.Background(), in)
	defer in.mu.Unlock()
	if !in.running {
		return
	}
	if err := safeCall(fn); err != nil {
		logger.Warn("[ENGINE] %s notification failed: %v", in.id, err)
	}
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	list := make([]*instance, 0, len(e.instances))
	for _, in := range e.instances {
		list = append(list, in)
	}
	e.mu.RUnlock()

	st := Stats{Total: len(list)}
	for _, in := range list {
		switch in.lifecycle() {
		case LifecycleRunning:
			st.Running++
		case LifecycleAutoStopped:
			st.Errored++
		}
	}
	return st
}

func (e *Engine) Status(id string) (StrategyStatus, error) {
	in, err := e.get(id)
	if err != nil {
		return StrategyStatus{}, err
	}
	return in.status(e.now()), nil
}

// Statuses returns every strategy's status sorted by id.
func (e *Engine) Statuses() []StrategyStatus {
	ids := e.ids()
	res := make([]StrategyStatus, 0, len(ids))
	for _, id := range ids {
		if st, err := e.Status(id); err == nil {
			res = append(res, st)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrCallbackPanic, "%v", r)
		}
	}()
	return fn()
}
