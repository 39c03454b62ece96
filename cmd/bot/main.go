package main

import (
	"context"
	"time"

	"go.uber.org/fx"

	"trade_engine/internal/modules/bootstrap"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/modules/health"
	"trade_engine/internal/modules/okx_websocket"
	"trade_engine/internal/modules/postgres"
	"trade_engine/internal/modules/strategy"
	telegram "trade_engine/internal/modules/telegram_bot"
	"trade_engine/internal/modules/tracing"
	"trade_engine/internal/modules/trading"
	"trade_engine/internal/modules/venue"
	"trade_engine/pkg/logger"
)

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		fx.StartTimeout(2*time.Minute),
		config.Module(),
		tracing.Module(),
		postgres.Module(),
		health.Module(),
		telegram.Module(),
		venue.Module(),
		// hooks stop in reverse: stream, warmup, trading loops, strategies
		strategy.Module(),
		trading.Module(),
		bootstrap.Module(),
		okx_websocket.Module(),
	)
	app.Run()
	logger.Sync()
}
