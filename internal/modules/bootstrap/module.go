package bootstrap

import (
	"context"
	"time"

	"go.uber.org/fx"

	"trade_engine/internal/engine"
	"trade_engine/internal/exchange/okx"
	"trade_engine/internal/helper"
	"trade_engine/internal/models"
	bootstrap "trade_engine/internal/modules/bootstrap/service"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/notify"
	"trade_engine/internal/risk"
	"trade_engine/pkg/logger"
)

func newWatchlist(c *okx.Client) *bootstrap.OkxWatchlist { return bootstrap.NewWatchlist(c) }

func newUniverse(ctx context.Context, cfg *config.Config, wl *bootstrap.OkxWatchlist) bootstrap.Universe {
	syms := bootstrap.ResolveUniverse(ctx, cfg.Market.Symbols, cfg.Strategies, wl, cfg.Market.TopN)
	logger.Info("[BOOT] universe: %d symbols %v", len(syms), syms)
	return bootstrap.Universe{Symbols: syms, Timeframe: helper.NormTF(cfg.Market.Timeframe)}
}

func newWarmuper(c *okx.Client, n notify.Notifier, eng *engine.Engine, rm *risk.Manager) *bootstrap.Warmuper {
	return bootstrap.NewWarmuper(c, n,
		func(ctx context.Context, md models.MarketData) { eng.Warmup(ctx, md) },
		func(_ context.Context, md models.MarketData) { rm.ObserveCandle(md) },
	)
}

func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			newWatchlist, // -> bootstrap.OkxWatchlist
			newUniverse,  // -> bootstrap.Universe
			newWarmuper,  // -> bootstrap.Warmuper
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, u bootstrap.Universe, wu *bootstrap.Warmuper) {
			lc.Append(fx.Hook{
				// strategies must be primed before the live stream starts
				OnStart: func(ctx context.Context) error {
					if cfg.Market.Warmup <= 0 {
						return nil
					}
					wctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					if err := wu.Warmup(wctx, u.Symbols, u.Timeframe, cfg.Market.Warmup); err != nil {
						logger.Error("[BOOT] warmup error: %v", err)
						return nil
					}
					logger.Info("[BOOT] warmup done: %d symbols", len(u.Symbols))
					return nil
				},
			})
		}),
	)
}
