package telegram

import (
	"context"

	"go.uber.org/fx"

	"trade_engine/internal/modules/config"
	"trade_engine/internal/notify"
	"trade_engine/pkg/logger"
)

type Out struct {
	fx.Out

	Notifier notify.Notifier
	// Telegram is nil when no token is configured.
	Telegram *notify.Telegram
}

// New returns the Telegram notifier, or the log notifier when the bot is
// not configured or cannot be reached.
func New(cfg *config.Config) Out {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		logger.Warn("[TG] token or chat_id not set, notifications go to the log")
		return Out{Notifier: notify.NewLog()}
	}
	t, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		logger.Error("[TG] %v, notifications go to the log", err)
		return Out{Notifier: notify.NewLog()}
	}
	return Out{Notifier: t, Telegram: t}
}

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(New),
		// Запуск основного цикла через Lifecycle
		fx.Invoke(
			func(lc fx.Lifecycle, t *notify.Telegram) {
				if t == nil {
					return
				}
				lc.Append(fx.Hook{
					OnStart: func(context.Context) error {
						t.Start(context.Background())
						t.Send("trade engine started")
						return nil
					},
					OnStop: func(context.Context) error {
						t.Send("trade engine stopping")
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
