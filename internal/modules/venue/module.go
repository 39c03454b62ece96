package venue

import (
	"go.uber.org/fx"

	"trade_engine/internal/exchange"
	"trade_engine/internal/exchange/okx"
	"trade_engine/internal/exchange/paper"
	"trade_engine/internal/modules/config"
	"trade_engine/internal/modules/health/service"
	"trade_engine/internal/notify"
	"trade_engine/pkg/circuit"
	"trade_engine/pkg/logger"
)

type Out struct {
	fx.Out

	Client   *okx.Client
	Paper    *paper.Exchange
	Guarded  *exchange.Guarded
	Exchange exchange.Exchange
}

// New builds the configured venue behind a breaker. The OKX client is
// always provided since market data comes from its public endpoints.
func New(cfg *config.Config, state *service.State, n notify.Notifier) Out {
	client := okx.NewClient(cfg.Exchange.OKX)

	var (
		inner exchange.Exchange = client
		pp    *paper.Exchange
	)
	if cfg.Exchange.Venue == config.VenuePaper {
		pp = paper.New(cfg.Exchange.Paper)
		inner = pp
	}

	cb := exchange.NewBreaker(inner.Name(), cfg.Exchange.Circuit, func(name string, from, to circuit.State) {
		logger.Warn("[EXCHANGE] breaker %s: %s -> %s", name, from, to)
		if to == circuit.StateOpen {
			n.Sendf("⚠️ %s circuit open, exchange calls paused", name)
		}
	})
	g := exchange.NewGuarded(inner, cb, cfg.Exchange.Retry)
	state.Register("breaker", func() any { return cb.Metrics() })

	logger.Info("[EXCHANGE] venue=%s", inner.Name())
	return Out{Client: client, Paper: pp, Guarded: g, Exchange: g}
}

func Module() fx.Option {
	return fx.Module("venue",
		fx.Provide(New),
	)
}
