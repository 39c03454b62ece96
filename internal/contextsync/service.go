package contextsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"trade_engine/internal/exchange"
	"trade_engine/internal/models"
	"trade_engine/pkg/logger"
	"trade_engine/pkg/tracing"
)

type Config struct {
	ExchangeInterval  time.Duration `mapstructure:"exchange_interval" yaml:"exchange_interval"`
	AnalyticsInterval time.Duration `mapstructure:"analytics_interval" yaml:"analytics_interval"`
	// TickTimeout bounds one tick's fetches. A tick in flight at shutdown
	// still gets the full timeout.
	TickTimeout     time.Duration `mapstructure:"tick_timeout" yaml:"tick_timeout"`
	ScreeningPreset string        `mapstructure:"screening_preset" yaml:"screening_preset"`
	MarketType      string        `mapstructure:"market_type" yaml:"market_type"`
	Watchlist       []string      `mapstructure:"watchlist" yaml:"watchlist"`
}

func DefaultConfig() Config {
	return Config{
		ExchangeInterval:  5 * time.Second,
		AnalyticsInterval: time.Minute,
		TickTimeout:       10 * time.Second,
		ScreeningPreset:   "default",
		MarketType:        "CRYPTO",
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ExchangeInterval <= 0 {
		c.ExchangeInterval = d.ExchangeInterval
	}
	if c.AnalyticsInterval <= 0 {
		c.AnalyticsInterval = d.AnalyticsInterval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = d.TickTimeout
	}
	if c.ScreeningPreset == "" {
		c.ScreeningPreset = d.ScreeningPreset
	}
	if c.MarketType == "" {
		c.MarketType = d.MarketType
	}
	return c
}

type Status struct {
	LastExchangeSync   time.Time `json:"last_exchange_sync"`
	LastAnalyticsSync  time.Time `json:"last_analytics_sync"`
	ExchangeFailures   uint64    `json:"exchange_failures"`
	AnalyticsFailures  uint64    `json:"analytics_failures"`
	LastExchangeError  string    `json:"last_exchange_error,omitempty"`
	LastAnalyticsError string    `json:"last_analytics_error,omitempty"`
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithExchangeSyncHook is called after every successful exchange sync.
func WithExchangeSyncHook(fn func(at time.Time)) Option {
	return func(s *Service) { s.onExchangeSync = fn }
}

// Service is the single writer of the shared ContextCell.
type Service struct {
	cfg       Config
	accounts  exchange.AccountProvider
	analytics AnalyticsProvider
	cell      *models.ContextCell

	mu     sync.Mutex
	status Status

	onExchangeSync func(time.Time)
	now            func() time.Time
}

func New(cfg Config, accounts exchange.AccountProvider, analytics AnalyticsProvider, cell *models.ContextCell, opts ...Option) *Service {
	if analytics == nil {
		analytics = StaticProvider{}
	}
	s := &Service{
		cfg:       cfg.normalized(),
		accounts:  accounts,
		analytics: analytics,
		cell:      cell,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run syncs both kinds once, then on their own intervals until ctx is done.
// A failed tick is logged and the previous snapshot kept.
func (s *Service) Run(ctx context.Context) {
	fast := time.NewTicker(s.cfg.ExchangeInterval)
	defer fast.Stop()
	slow := time.NewTicker(s.cfg.AnalyticsInterval)
	defer slow.Stop()

	logger.Info("[SYNC] started, exchange=%s analytics=%s", s.cfg.ExchangeInterval, s.cfg.AnalyticsInterval)
	s.exchangeTick(ctx)
	s.analyticsTick(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("[SYNC] stopped")
			return
		case <-fast.C:
			s.exchangeTick(ctx)
		case <-slow.C:
			s.analyticsTick(ctx)
		}
	}
}

func (s *Service) exchangeTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TickTimeout)
	defer cancel()
	err := s.SyncExchange(tctx)

	s.mu.Lock()
	if err != nil {
		s.status.ExchangeFailures++
		s.status.LastExchangeError = err.Error()
	} else {
		s.status.LastExchangeError = ""
	}
	s.mu.Unlock()
	if err != nil {
		logger.Error("[SYNC] exchange sync failed: %v", err)
	}
}

func (s *Service) analyticsTick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.TickTimeout)
	defer cancel()
	err := s.SyncAnalytics(tctx)

	s.mu.Lock()
	if err != nil {
		s.status.AnalyticsFailures++
		s.status.LastAnalyticsError = err.Error()
	} else {
		s.status.LastAnalyticsError = ""
	}
	s.mu.Unlock()
	if err != nil {
		logger.Error("[SYNC] analytics sync failed: %v", err)
	}
}

// SyncExchange refreshes account, positions and pending orders in one write.
func (s *Service) SyncExchange(ctx context.Context) (err error) {
	span, ctx := tracing.StartSpan(ctx, "sync.exchange")
	defer func() { tracing.Finish(span, err) }()

	account, err := s.accounts.FetchAccount(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch account")
	}
	positions, err := s.accounts.FetchPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch positions")
	}
	orders, err := s.accounts.FetchPendingOrders(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch pending orders")
	}

	at := s.now()
	s.cell.UpdateExchange(account, positions, orders, at)

	s.mu.Lock()
	s.status.LastExchangeSync = at
	s.mu.Unlock()
	if s.onExchangeSync != nil {
		s.onExchangeSync(at)
	}
	logger.Debug("[SYNC] exchange synced: equity=%s positions=%d orders=%d",
		account.TotalBalance, len(positions), len(orders))
	return nil
}

// SyncAnalytics fetches every analytics field and writes them together.
// Any failure leaves the previous analytics in place.
func (s *Service) SyncAnalytics(ctx context.Context) (err error) {
	tickers := s.tickers()
	span, ctx := tracing.StartSpan(ctx, "sync.analytics", opentracing.Tag{Key: "tickers", Value: len(tickers)})
	defer func() { tracing.Finish(span, err) }()

	scores, err := s.analytics.FetchGlobalScores(ctx, s.cfg.MarketType)
	if err != nil {
		return errors.Wrap(err, "fetch global scores")
	}
	routes, err := s.analytics.FetchRouteStates(ctx, tickers)
	if err != nil {
		return errors.Wrap(err, "fetch route states")
	}
	screening, err := s.analytics.FetchScreening(ctx, s.cfg.ScreeningPreset)
	if err != nil {
		return errors.Wrap(err, "fetch screening")
	}
	features, err := s.analytics.FetchFeatures(ctx, tickers)
	if err != nil {
		return errors.Wrap(err, "fetch features")
	}
	regimes, err := s.analytics.FetchMarketRegimes(ctx, tickers)
	if err != nil {
		return errors.Wrap(err, "fetch market regimes")
	}
	macro, err := s.analytics.FetchMacroEnvironment(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch macro environment")
	}
	breadth, err := s.analytics.FetchMarketBreadth(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch market breadth")
	}

	bundle := models.AnalyticsBundle{
		GlobalScores: make(map[string]models.GlobalScore, len(scores)),
		RouteStates:  orEmpty(routes),
		Screening:    map[string][]models.ScreeningResult{s.cfg.ScreeningPreset: screening},
		Features:     orEmpty(features),
		Regimes:      orEmpty(regimes),
		Macro:        macro,
		Breadth:      breadth,
	}
	for _, sc := range scores {
		bundle.GlobalScores[sc.Ticker] = sc
	}

	at := s.now()
	s.cell.UpdateAnalytics(bundle, at)

	s.mu.Lock()
	s.status.LastAnalyticsSync = at
	s.mu.Unlock()
	logger.Debug("[SYNC] analytics synced: tickers=%d scores=%d screening=%d",
		len(tickers), len(scores), len(screening))
	return nil
}

// tickers is the held symbols plus the watchlist, deduplicated and sorted.
func (s *Service) tickers() []string {
	set := map[string]struct{}{}
	for sym, p := range s.cell.Load().Positions {
		if p.Quantity.IsPositive() {
			set[sym] = struct{}{}
		}
	}
	for _, sym := range s.cfg.Watchlist {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			set[sym] = struct{}{}
		}
	}
	res := make([]string, 0, len(set))
	for sym := range set {
		res = append(res, sym)
	}
	sort.Strings(res)
	return res
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}
