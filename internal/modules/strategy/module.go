package strategy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/fx"

	"trade_engine/internal/engine"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/modules/health/service"
	"trade_engine/internal/notify"
	"trade_engine/internal/strategy"
	"trade_engine/pkg/logger"
)

// AutoStopRelay forwards auto-stop events to a handler set after the engine
// is built. The pipeline that handles them depends on the engine.
type AutoStopRelay struct {
	mu sync.RWMutex
	fn func(engine.AutoStopEvent)
}

func (r *AutoStopRelay) Set(fn func(engine.AutoStopEvent)) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *AutoStopRelay) Handle(ev engine.AutoStopEvent) {
	r.mu.RLock()
	fn := r.fn
	r.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func newEngine(cfg *config.Config, f *strategy.Factory, relay *AutoStopRelay) *engine.Engine {
	return engine.New(cfg.Engine, f, engine.WithAutoStopHandler(relay.Handle))
}

// registerStrategies builds every configured strategy. One bad entry is
// reported and skipped.
func registerStrategies(ctx context.Context, lc fx.Lifecycle, cfg *config.Config, eng *engine.Engine, n notify.Notifier, state *service.State) {
	for _, sc := range cfg.Strategies {
		if err := eng.RegisterFromConfig(ctx, sc); err != nil {
			logger.Error("[STRAT] %s (%s): %v", sc.ID, sc.Type, err)
			n.Sendf("strategy %s not started: %v", sc.ID, err)
		}
	}
	st := eng.Stats()
	logger.Info("[STRAT] registered %d, running %d", st.Total, st.Running)

	state.Register("strategies", func() any { return eng.Statuses() })

	lc.Append(fx.StopHook(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		eng.StopAll(ctx)
		logger.Info("[STRAT] all strategies stopped")
	}))
}

func Module() fx.Option {
	return fx.Module("strategy",
		fx.Provide(
			strategy.NewFactory,
			func() *AutoStopRelay { return &AutoStopRelay{} },
			newEngine,
		),
		fx.Invoke(registerStrategies),
	)
}
