package config

import (
	"go.uber.org/fx"

	"trade_engine/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
		),
		fx.Invoke(func(cfg *Config) error {
			if err := logger.Init(cfg.Service.LogLevel, cfg.Service.Name); err != nil {
				return err
			}
			logger.Info("[CONFIG] effective config:\n%s", Dump(cfg))
			return nil
		}),
	)
}
