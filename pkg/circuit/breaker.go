package circuit

import (
	"context"
	"sync"
	"time"

	"trade_engine/pkg/logger"

	"github.com/pkg/errors"
)

var (
	ErrOpen          = errors.New("circuit breaker is open")
	ErrTooManyTrials = errors.New("circuit breaker half-open trial limit reached")
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// FailureRatio in (0,1]; the breaker opens when failures/samples reaches it.
	FailureRatio float64       `mapstructure:"failure_ratio" yaml:"failure_ratio"`
	WindowSize   int           `mapstructure:"window_size" yaml:"window_size"`
	MinSamples   int           `mapstructure:"min_samples" yaml:"min_samples"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	TrialCalls   int           `mapstructure:"trial_calls" yaml:"trial_calls"`
}

func DefaultConfig() Config {
	return Config{
		FailureRatio: 0.5,
		WindowSize:   10,
		MinSamples:   5,
		ResetTimeout: 30 * time.Second,
		TrialCalls:   1,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = d.FailureRatio
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	if c.TrialCalls <= 0 {
		c.TrialCalls = d.TrialCalls
	}
	return c
}

type Metrics struct {
	Name             string        `json:"name"`
	State            string        `json:"state"`
	TotalCalls       uint64        `json:"total_calls"`
	Successes        uint64        `json:"successes"`
	Failures         uint64        `json:"failures"`
	Rejections       uint64        `json:"rejections"`
	OpenCount        uint64        `json:"open_count"`
	WindowFailures   int           `json:"window_failures"`
	WindowSamples    int           `json:"window_samples"`
	LastTransitionAt time.Time     `json:"last_transition_at"`
	TimeInState      time.Duration `json:"time_in_state"`
}

type Option func(*Breaker)

// WithClassifier sets which errors count toward opening. Errors for which
// fn returns false are passed through untouched.
func WithClassifier(fn func(error) bool) Option {
	return func(b *Breaker) { b.counts = fn }
}

func WithStateChangeHandler(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state          State
	openedAt       time.Time
	lastTransition time.Time
	trials         int
	// gen counts state transitions; an outcome only applies to the
	// generation that admitted its call.
	gen uint64

	// ring of recent counted outcomes, true = failure
	window   []bool
	next     int
	samples  int
	failures int

	totalCalls, successes, failed, rejections, openCount uint64

	counts        func(error) bool
	onStateChange func(name string, from, to State)
	now           func() time.Time
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	cfg = cfg.normalized()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.WindowSize),
		counts: defaultClassifier,
		now:    time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.lastTransition = b.now()
	return b
}

func defaultClassifier(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	t, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(err, t)
	return err
}

// Do is Execute for operations returning a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

type ticket struct {
	gen   uint64
	trial bool
}

func (b *Breaker) acquire() (ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		b.rejections++
		return ticket{}, errors.Wrapf(ErrOpen, "%s", b.name)
	case StateHalfOpen:
		if b.trials >= b.cfg.TrialCalls {
			b.rejections++
			return ticket{}, errors.Wrapf(ErrTooManyTrials, "%s", b.name)
		}
		b.trials++
		b.totalCalls++
		return ticket{gen: b.gen, trial: true}, nil
	default:
		b.totalCalls++
		return ticket{gen: b.gen}, nil
	}
}

func (b *Breaker) record(err error, t ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counted := err != nil && b.counts(err)

	switch {
	case err == nil:
		b.successes++
	case counted:
		b.failed++
	}

	if t.gen != b.gen {
		return
	}
	if t.trial {
		b.trials--
		switch {
		case err == nil:
			b.resetWindow()
			b.transition(StateClosed)
		case counted:
			b.trip()
		}
		return
	}

	if err != nil && !counted {
		return
	}
	b.push(counted)
	if b.samples >= b.cfg.MinSamples &&
		float64(b.failures)/float64(b.samples) >= b.cfg.FailureRatio {
		b.trip()
	}
}

func (b *Breaker) push(failure bool) {
	if b.samples == len(b.window) {
		if b.window[b.next] {
			b.failures--
		}
	} else {
		b.samples++
	}
	b.window[b.next] = failure
	if failure {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.window)
}

func (b *Breaker) resetWindow() {
	for i := range b.window {
		b.window[i] = false
	}
	b.next, b.samples, b.failures = 0, 0, 0
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.openCount++
	b.transition(StateOpen)
}

// currentState moves Open to HalfOpen once the reset timeout has passed.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.trials = 0
	b.gen++
	b.lastTransition = b.now()

	logger.Warn("[CB] %s state change: %s -> %s (window %d/%d failures, timeout=%s)",
		b.name, from, to, b.failures, b.samples, b.cfg.ResetTimeout)
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Reset forces the breaker closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetWindow()
	b.transition(StateClosed)
}

func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.currentState()
	return Metrics{
		Name:             b.name,
		State:            st.String(),
		TotalCalls:       b.totalCalls,
		Successes:        b.successes,
		Failures:         b.failed,
		Rejections:       b.rejections,
		OpenCount:        b.openCount,
		WindowFailures:   b.failures,
		WindowSamples:    b.samples,
		LastTransitionAt: b.lastTransition,
		TimeInState:      b.now().Sub(b.lastTransition),
	}
}
