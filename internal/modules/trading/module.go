package trading

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"trade_engine/internal/contextsync"
	"trade_engine/internal/engine"
	"trade_engine/internal/exchange"
	"trade_engine/internal/exchange/paper"
	"trade_engine/internal/execution"
	"trade_engine/internal/models"
	bootstrap "trade_engine/internal/modules/bootstrap/service"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/modules/health/service"
	"trade_engine/internal/modules/okx_websocket"
	"trade_engine/internal/modules/strategy"
	"trade_engine/internal/notify"
	"trade_engine/internal/pipeline"
	"trade_engine/internal/risk"
	"trade_engine/internal/storage"
	"trade_engine/internal/storage/pg"
	"trade_engine/pkg/db"
	"trade_engine/pkg/logger"
)

func newRiskManager(cfg *config.Config, loader *config.Loader, n notify.Notifier) *risk.Manager {
	rm := risk.NewManager(cfg.Risk, risk.WithDailyLimitHandler(func(d risk.DailyLossTracker) {
		n.Sendf("🛑 daily loss limit hit (%s): realized %s, unrealized %s. New entries blocked until the next UTC day.",
			d.TradingDay, d.RealizedToday.StringFixed(2), d.UnrealizedToday.StringFixed(2))
	}))
	loader.Subscribe(func(c *config.Config) {
		rm.UpdateLimits(c.Risk)
		logger.SetLevel(c.Service.LogLevel)
	})
	return rm
}

// newStore is nil when persistence is disabled.
func newStore(txm *db.PgTxManager) *pg.Store {
	if txm == nil {
		return nil
	}
	return pg.NewStore(txm)
}

func newSink(cfg *config.Config, st *pg.Store) *storage.AsyncSink {
	if st == nil {
		return nil
	}
	return storage.NewAsyncSink(st, cfg.Storage.Buffer, cfg.Storage.WriteTimeout)
}

func newExecutor(cfg *config.Config, ex exchange.Exchange, rm *risk.Manager, cell *models.ContextCell,
	sink *storage.AsyncSink, n notify.Notifier, eng *engine.Engine) *execution.Executor {
	opts := []execution.Option{execution.WithNotifier(n)}
	if sink != nil {
		opts = append(opts, execution.WithSink(sink))
	}
	exec := execution.New(cfg.Execution, ex, rm, cell, opts...)
	exec.AddListener(eng)
	return exec
}

func newPipeline(cfg *config.Config, eng *engine.Engine, exec *execution.Executor, rm *risk.Manager,
	cell *models.ContextCell, n notify.Notifier, pp *paper.Exchange, state *service.State, relay *strategy.AutoStopRelay) *pipeline.Pipeline {
	observe := func(symbol string, price decimal.Decimal) {
		state.TouchTick(time.Now())
		if pp != nil {
			pp.SetPrice(symbol, price)
		}
	}
	pl := pipeline.New(eng, exec, rm, cell,
		pipeline.WithNotifier(n),
		pipeline.WithPriceObserver(observe),
		pipeline.WithFlattenOnAutoStop(cfg.Engine.FlattenOnAutoStop),
		pipeline.WithMaxParallel(cfg.Engine.MaxParallel),
	)
	relay.Set(pl.OnAutoStop)
	return pl
}

// newSync also pulls analytics for every streamed symbol.
func newSync(cfg *config.Config, u bootstrap.Universe, ex exchange.Exchange, txm *db.PgTxManager, cell *models.ContextCell, state *service.State) *contextsync.Service {
	sc := cfg.Sync
	sc.Watchlist = append(append([]string(nil), sc.Watchlist...), u.Symbols...)

	var provider contextsync.AnalyticsProvider = contextsync.StaticProvider{}
	if txm != nil {
		provider = pg.NewAnalytics(txm)
	}
	return contextsync.New(sc, ex, provider, cell, contextsync.WithExchangeSyncHook(state.MarkSynced))
}

type runParams struct {
	fx.In

	LC       fx.Lifecycle
	Config   *config.Config
	Loader   *config.Loader
	State    *service.State
	Guarded  *exchange.Guarded
	Exec     *execution.Executor
	Pipeline *pipeline.Pipeline
	Sync     *contextsync.Service
	Ticks    okx_websocket.Ticks
	Store    *pg.Store
	Sink     *storage.AsyncSink
	Telegram *notify.Telegram
	Reporter *Reporter
	Engine   *engine.Engine
	Risk     *risk.Manager
}

// run owns every background loop. OnStop cancels them and waits; the sink
// is stopped last so nothing written during shutdown is lost.
func run(p runParams) {
	var (
		ctx, cancel         = context.WithCancel(context.Background())
		sinkCtx, sinkCancel = context.WithCancel(context.Background())
		wg                  sync.WaitGroup
	)
	feed := execution.NewFillFeed(p.Guarded, p.Exec, p.Config.Execution.FillPollInterval)

	p.State.Register("engine", func() any { return p.Engine.Stats() })
	p.State.Register("pipeline", func() any { return p.Pipeline.Stats() })
	p.State.Register("risk", func() any { return p.Risk.Status().Daily })
	p.State.Register("sync", func() any { return p.Sync.Status() })
	if p.Sink != nil {
		p.State.Register("storage", func() any { return p.Sink.Stats() })
	}
	if p.Telegram != nil {
		p.Telegram.SetReporter(p.Reporter)
	}

	goLoop := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	p.LC.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if p.Store != nil {
				restore(startCtx, p.Store, p.Exec)
				go p.Sink.Run(sinkCtx)
			}
			p.Loader.Watch()

			goLoop(func() { p.Sync.Run(ctx) })
			goLoop(func() { feed.Run(ctx) })
			goLoop(func() {
				if err := p.Pipeline.Run(ctx, p.Ticks); err != nil && ctx.Err() == nil {
					logger.Error("[PIPE] stopped: %v", err)
				}
			})
			logger.Info("[TRADE] started")
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			sinkCancel()
			if p.Sink != nil {
				p.Sink.Wait()
			}
			logger.Info("[TRADE] stopped")
			return nil
		},
	})
}

func restore(ctx context.Context, st *pg.Store, exec *execution.Executor) {
	positions, err := st.OpenPositions(ctx)
	if err != nil {
		logger.Error("[TRADE] restore positions: %v", err)
		return
	}
	n := 0
	for _, p := range positions {
		if exec.Tracker().Restore(p) {
			n++
		}
	}
	logger.Info("[TRADE] restored %d open positions", n)
}

func Module() fx.Option {
	return fx.Module("trading",
		fx.Provide(
			models.NewContextCell,
			newRiskManager,
			newStore,
			newSink,
			newExecutor,
			newPipeline,
			newSync,
			func(eng *engine.Engine, exec *execution.Executor, rm *risk.Manager, pl *pipeline.Pipeline, g *exchange.Guarded) *Reporter {
				return NewReporter(eng, exec, rm, pl, g.Breaker())
			},
		),
		fx.Invoke(run),
	)
}
