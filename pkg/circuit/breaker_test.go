package circuit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errNetwork = errors.New("network down")
	errAuth    = errors.New("bad credentials")
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	b := New("test", cfg,
		WithClock(clk.Now),
		WithClassifier(func(err error) bool { return !errors.Is(err, errAuth) }),
	)
	return b, clk
}

func fail(ctx context.Context) error    { return errNetwork }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAtFailureRatio(t *testing.T) {
	cfg := Config{FailureRatio: 0.4, WindowSize: 10, MinSamples: 10, ResetTimeout: time.Second, TrialCalls: 1}
	b, _ := newTestBreaker(t, cfg)
	ctx := context.Background()

	need := int(math.Ceil(cfg.FailureRatio * float64(cfg.WindowSize)))
	for i := 0; i < cfg.WindowSize-need; i++ {
		require.NoError(t, b.Execute(ctx, succeed))
	}
	for i := 0; i < need-1; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errNetwork)
		assert.Equal(t, StateClosed, b.State())
	}
	require.ErrorIs(t, b.Execute(ctx, fail), errNetwork)
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(ctx, succeed)
	assert.ErrorIs(t, err, ErrOpen)
	assert.EqualValues(t, 1, b.Metrics().Rejections)
}

func TestBreaker_MinSamplesGuard(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 10, MinSamples: 4})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.State())
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 4, MinSamples: 2, ResetTimeout: 30 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	clk.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	m := b.Metrics()
	assert.Equal(t, 0, m.WindowSamples)
	assert.EqualValues(t, 1, m.OpenCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 4, MinSamples: 2, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clk.Advance(10 * time.Second)

	assert.ErrorIs(t, b.Execute(ctx, fail), errNetwork)
	assert.Equal(t, StateOpen, b.State())

	// the timer restarted on the failed trial
	clk.Advance(5 * time.Second)
	assert.Equal(t, StateOpen, b.State())
	clk.Advance(5 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenTrialLimit(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 2, MinSamples: 2, ResetTimeout: time.Second, TrialCalls: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- b.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrTooManyTrials)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FatalErrorsDoNotCount(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 4, MinSamples: 2})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, b.Execute(ctx, func(context.Context) error { return errAuth }), errAuth)
	}
	assert.Equal(t, StateClosed, b.State())
	m := b.Metrics()
	assert.Equal(t, 0, m.WindowSamples)
	assert.EqualValues(t, 10, m.TotalCalls)
	assert.EqualValues(t, 0, m.Failures)
}

func TestBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 4, MinSamples: 4})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, succeed)
	}
	// the first failure has rotated out
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Metrics().WindowFailures)
}

func TestBreaker_ResetAndHook(t *testing.T) {
	changes := make(chan [2]State, 4)
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := New("hooked", Config{FailureRatio: 1, WindowSize: 1, MinSamples: 1},
		WithClock(clk.Now),
		WithStateChangeHandler(func(name string, from, to State) {
			assert.Equal(t, "hooked", name)
			changes <- [2]State{from, to}
		}),
	)

	_ = b.Execute(context.Background(), fail)
	assert.Equal(t, [2]State{StateClosed, StateOpen}, <-changes)

	b.Reset()
	assert.Equal(t, [2]State{StateOpen, StateClosed}, <-changes)
	assert.Equal(t, StateClosed, b.State())
}

func TestDo_ReturnsValue(t *testing.T) {
	b := New("do", DefaultConfig())
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "CLOSED", b.Metrics().State)
}

func TestBreaker_StaleTrialIgnored(t *testing.T) {
	b, clk := newTestBreaker(t, Config{FailureRatio: 0.5, WindowSize: 2, MinSamples: 2, ResetTimeout: time.Second, TrialCalls: 1})
	ctx := context.Background()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clk.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// a new episode starts while the first trial is still out
	b.Reset()
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	clk.Advance(time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), errNetwork)
	assert.Equal(t, StateClosed, b.State())
}
