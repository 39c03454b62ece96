package execution

import (
	"strings"
	"time"

	"trade_engine/internal/models"
)

type Config struct {
	MinStrength      float64       `mapstructure:"min_strength" yaml:"min_strength"`
	MarketStrength   float64       `mapstructure:"market_strength" yaml:"market_strength"`
	UseMarketOrders  bool          `mapstructure:"use_market_orders" yaml:"use_market_orders"`
	SlippagePct      float64       `mapstructure:"slippage_pct" yaml:"slippage_pct"`
	TimeInForce      string        `mapstructure:"time_in_force" yaml:"time_in_force"`
	AutoBrackets     bool          `mapstructure:"auto_brackets" yaml:"auto_brackets"`
	FillPollInterval time.Duration `mapstructure:"fill_poll_interval" yaml:"fill_poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		MinStrength:      0.5,
		MarketStrength:   0.8,
		SlippagePct:      0.1,
		TimeInForce:      string(models.GTC),
		AutoBrackets:     true,
		FillPollInterval: 2 * time.Second,
	}
}

func (c Config) tif() models.TimeInForce {
	switch models.TimeInForce(strings.ToUpper(c.TimeInForce)) {
	case models.IOC:
		return models.IOC
	case models.FOK:
		return models.FOK
	default:
		return models.GTC
	}
}
