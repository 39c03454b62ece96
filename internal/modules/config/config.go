package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"trade_engine/internal/contextsync"
	"trade_engine/internal/engine"
	"trade_engine/internal/exchange"
	"trade_engine/internal/exchange/okx"
	"trade_engine/internal/exchange/paper"
	"trade_engine/internal/execution"
	"trade_engine/internal/risk"
	"trade_engine/pkg/circuit"
	"trade_engine/pkg/logger"
)

const (
	configFilePathENV = "CONFIG_FILE"
	tokenTelegramENV  = "TELEGRAM_TOKEN"
	databaseDSN       = "DATABASE_DSN"

	VenuePaper = "paper"
	VenueOKX   = "okx"
)

type Config struct {
	Service struct {
		Name       string `mapstructure:"name" yaml:"name"`
		LogLevel   string `mapstructure:"log_level" yaml:"log_level"`
		HealthAddr string `mapstructure:"health_addr" yaml:"health_addr"`
	} `mapstructure:"service" yaml:"service"`

	DB string `mapstructure:"db_dsn" yaml:"-"`

	Tracing struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Host    string `mapstructure:"host" yaml:"host"`
		Port    int    `mapstructure:"port" yaml:"port"`
	} `mapstructure:"tracing" yaml:"tracing"`

	Telegram struct {
		Token  string `mapstructure:"token" yaml:"-"`
		ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
	} `mapstructure:"telegram" yaml:"telegram"`

	Exchange struct {
		Venue   string               `mapstructure:"venue" yaml:"venue"`
		OKX     okx.Config           `mapstructure:"okx" yaml:"okx"`
		Paper   paper.Config         `mapstructure:"paper" yaml:"paper"`
		Retry   exchange.RetryConfig `mapstructure:"retry" yaml:"retry"`
		Circuit circuit.Config       `mapstructure:"circuit" yaml:"circuit"`
	} `mapstructure:"exchange" yaml:"exchange"`

	Market struct {
		Symbols   []string `mapstructure:"symbols" yaml:"symbols"`
		Timeframe string   `mapstructure:"timeframe" yaml:"timeframe"`
		// TopN picks the most volatile pairs when Symbols is empty.
		TopN int `mapstructure:"top_n" yaml:"top_n"`
		// Warmup is the number of historical candles replayed at startup.
		Warmup int `mapstructure:"warmup" yaml:"warmup"`
	} `mapstructure:"market" yaml:"market"`

	Storage struct {
		Buffer       int           `mapstructure:"buffer" yaml:"buffer"`
		WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	} `mapstructure:"storage" yaml:"storage"`

	Risk       risk.Limits             `mapstructure:"risk" yaml:"risk"`
	Execution  execution.Config        `mapstructure:"execution" yaml:"execution"`
	Engine     engine.Config           `mapstructure:"engine" yaml:"engine"`
	Sync       contextsync.Config      `mapstructure:"sync" yaml:"sync"`
	Strategies []engine.StrategyConfig `mapstructure:"strategies" yaml:"strategies"`
}

// Default is the configuration before the file and environment are applied.
func Default() Config {
	var c Config
	c.Service.Name = "trade_engine"
	c.Service.LogLevel = "info"
	c.Service.HealthAddr = ":8080"
	c.Tracing.Host = "localhost"
	c.Tracing.Port = 6831
	c.Exchange.Venue = VenuePaper
	c.Exchange.Paper = paper.Config{InitialBalance: 10000, FeeRate: 0.0005}
	c.Exchange.Retry = exchange.DefaultRetryConfig()
	c.Exchange.Circuit = circuit.DefaultConfig()
	c.Market.Timeframe = "1m"
	c.Market.TopN = 10
	c.Market.Warmup = 200
	c.Storage.Buffer = 1024
	c.Storage.WriteTimeout = 5 * time.Second
	c.Risk = risk.DefaultLimits()
	c.Execution = execution.DefaultConfig()
	c.Engine = engine.DefaultConfig()
	c.Sync = contextsync.DefaultConfig()
	return c
}

// Loader owns the viper instance the config came from and notifies
// subscribers when the file changes.
type Loader struct {
	v *viper.Viper

	mu        sync.Mutex
	cur       *Config
	listeners []func(*Config)
}

// NewConfig loads .env, then configs/$CONFIG_FILE.
func NewConfig() (*Config, *Loader, error) {
	_ = godotenv.Load()

	name := os.Getenv(configFilePathENV)
	if name == "" {
		name = "values_local.yaml"
	}
	l, err := Load(filepath.Join("configs", name))
	if err != nil {
		return nil, nil, err
	}
	return l.Current(), l, nil
}

func Load(path string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.token", tokenTelegramENV)
	_ = v.BindEnv("db_dsn", databaseDSN)
	_ = v.BindEnv("exchange.okx.api_key", "OKX_API_KEY")
	_ = v.BindEnv("exchange.okx.api_secret", "OKX_API_SECRET")
	_ = v.BindEnv("exchange.okx.passphrase", "OKX_PASSPHRASE")
	_ = v.BindEnv("exchange.venue", "EXCHANGE_VENUE")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.cur = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	cfg := Default()
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.Exchange.Venue = strings.ToLower(strings.TrimSpace(cfg.Exchange.Venue))
	if cfg.Exchange.Venue != VenuePaper && cfg.Exchange.Venue != VenueOKX {
		return nil, errors.Errorf("unknown exchange venue %q", cfg.Exchange.Venue)
	}
	for i, s := range cfg.Market.Symbols {
		cfg.Market.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return &cfg, nil
}

func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// Subscribe registers fn for every successful reload.
func (l *Loader) Subscribe(fn func(*Config)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Watch starts watching the config file.
func (l *Loader) Watch() {
	l.v.OnConfigChange(func(evt fsnotify.Event) {
		if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if err := l.Reload(); err != nil {
			logger.Error("[CONFIG] reload after %s failed: %v", evt.Name, err)
		}
	})
	l.v.WatchConfig()
}

// Reload re-reads the file and notifies subscribers. A bad file keeps the
// current config.
func (l *Loader) Reload() error {
	if err := l.v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "read config")
	}
	cfg, err := l.decode()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.cur = cfg
	listeners := append(([]func(*Config))(nil), l.listeners...)
	l.mu.Unlock()

	logger.Info("[CONFIG] reloaded %s", l.v.ConfigFileUsed())
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Dump renders cfg as YAML without secrets.
func Dump(cfg *Config) string {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(out)
}
