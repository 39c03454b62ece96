package okx_websocket

import (
	"context"
	"sync"

	"go.uber.org/fx"

	"trade_engine/internal/exchange/okx"
	"trade_engine/internal/models"
	bootstrap "trade_engine/internal/modules/bootstrap/service"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/modules/health/service"
)

// Ticks is the live candle feed.
type Ticks chan models.MarketData

func newTicks() Ticks {
	// общий буфер для свечей
	return make(Ticks, 1024)
}

func newStream(cfg *config.Config, u bootstrap.Universe, state *service.State) *okx.Stream {
	s := okx.NewStream(cfg.Exchange.OKX, u.Symbols, u.Timeframe)
	s.OnConnected = state.SetWSConnected
	return s
}

// Module поднимает стример свечей OKX.
func Module() fx.Option {
	return fx.Module("okx_websocket",
		fx.Provide(
			newTicks,
			newStream,
		),
		fx.Invoke(func(lc fx.Lifecycle, s *okx.Stream, out Ticks) {
			ctx, cancel := context.WithCancel(context.Background())
			var wg sync.WaitGroup
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					wg.Add(1)
					go func() {
						defer wg.Done()
						s.Run(ctx, out)
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					wg.Wait()
					// only the stream writes
					close(out)
					return nil
				},
			})
		}),
	)
}
