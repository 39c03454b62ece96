package engine

import "time"

type Config struct {
	MaxStrategies        int           `mapstructure:"max_strategies" yaml:"max_strategies"`
	MaxParallel          int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	CallbackTimeout      time.Duration `mapstructure:"callback_timeout" yaml:"callback_timeout"`
	DedupWindow          time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	FlattenOnAutoStop    bool          `mapstructure:"flatten_on_auto_stop" yaml:"flatten_on_auto_stop"`
}

func DefaultConfig() Config {
	return Config{
		MaxStrategies:        50,
		MaxParallel:          8,
		MaxConsecutiveErrors: 5,
		CallbackTimeout:      5 * time.Second,
		DedupWindow:          30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxStrategies <= 0 {
		c.MaxStrategies = d.MaxStrategies
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = d.MaxParallel
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = d.CallbackTimeout
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// StrategyConfig is one entry of the strategies list.
type StrategyConfig struct {
	ID        string         `mapstructure:"id" yaml:"id"`
	Type      string         `mapstructure:"type" yaml:"type"`
	Name      string         `mapstructure:"name" yaml:"name"`
	Symbols   []string       `mapstructure:"symbols" yaml:"symbols"`
	Params    map[string]any `mapstructure:"params" yaml:"params"`
	Autostart bool           `mapstructure:"autostart" yaml:"autostart"`
}
