package exchange

import (
	"context"
	"time"

	"trade_engine/internal/models"
	"trade_engine/pkg/circuit"
	"trade_engine/pkg/logger"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MinBackoff  time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, MinBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// NewBreaker returns a breaker that only counts retryable failures.
func NewBreaker(venue string, cfg circuit.Config, onChange func(name string, from, to circuit.State)) *circuit.Breaker {
	opts := []circuit.Option{circuit.WithClassifier(IsRetryable)}
	if onChange != nil {
		opts = append(opts, circuit.WithStateChangeHandler(onChange))
	}
	return circuit.New(venue, cfg, opts...)
}

// Guarded routes every call to inner through a circuit breaker and retries
// transient failures with exponential backoff.
type Guarded struct {
	inner Exchange
	cb    *circuit.Breaker
	retry RetryConfig
}

var _ Exchange = (*Guarded)(nil)

func NewGuarded(inner Exchange, cb *circuit.Breaker, retry RetryConfig) *Guarded {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if retry.MinBackoff <= 0 {
		retry.MinBackoff = DefaultRetryConfig().MinBackoff
	}
	if retry.MaxBackoff < retry.MinBackoff {
		retry.MaxBackoff = retry.MinBackoff
	}
	return &Guarded{inner: inner, cb: cb, retry: retry}
}

func (g *Guarded) Name() string              { return g.inner.Name() }
func (g *Guarded) Breaker() *circuit.Breaker { return g.cb }
func (g *Guarded) Inner() Exchange           { return g.inner }

func guardedCall[T any](ctx context.Context, g *Guarded, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := &backoff.Backoff{
		Min:    g.retry.MinBackoff,
		Max:    g.retry.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}
	for attempt := 1; ; attempt++ {
		v, err := circuit.Do(ctx, g.cb, fn)
		if err == nil {
			return v, nil
		}
		if IsCircuitOpen(err) {
			return v, errors.Wrapf(err, "%s %s", g.Name(), op)
		}
		if !IsRetryable(err) || attempt >= g.retry.MaxAttempts {
			return v, err
		}

		wait := b.Duration()
		logger.Warn("[EXCH] %s %s attempt %d/%d failed: %v; retry in %s",
			g.Name(), op, attempt, g.retry.MaxAttempts, err, wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return v, err
		case <-t.C:
		}
	}
}

func (g *Guarded) FetchAccount(ctx context.Context) (models.AccountInfo, error) {
	return guardedCall(ctx, g, "fetch_account", g.inner.FetchAccount)
}

func (g *Guarded) FetchPositions(ctx context.Context) ([]models.PositionInfo, error) {
	return guardedCall(ctx, g, "fetch_positions", g.inner.FetchPositions)
}

func (g *Guarded) FetchPendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	return guardedCall(ctx, g, "fetch_pending_orders", g.inner.FetchPendingOrders)
}

func (g *Guarded) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return guardedCall(ctx, g, "latest_price", func(ctx context.Context) (decimal.Decimal, error) {
		return g.inner.LatestPrice(ctx, symbol)
	})
}

func (g *Guarded) PlaceOrder(ctx context.Context, o *models.Order) (string, error) {
	return guardedCall(ctx, g, "place_order", func(ctx context.Context) (string, error) {
		return g.inner.PlaceOrder(ctx, o)
	})
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := guardedCall(ctx, g, "cancel_order", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
	return err
}

func (g *Guarded) FetchFills(ctx context.Context, since time.Time) ([]models.Fill, error) {
	return guardedCall(ctx, g, "fetch_fills", func(ctx context.Context) ([]models.Fill, error) {
		return g.inner.FetchFills(ctx, since)
	})
}
