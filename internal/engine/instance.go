package engine

import (
	"strings"
	"sync"
	"time"

	"trade_engine/internal/models"
	"trade_engine/internal/strategy"
)

type Lifecycle string

const (
	LifecycleRegistered  Lifecycle = "REGISTERED"
	LifecycleRunning     Lifecycle = "RUNNING"
	LifecycleStopped     Lifecycle = "STOPPED"
	LifecycleAutoStopped Lifecycle = "AUTO_STOPPED"
)

type StrategyStatus struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Type                string        `json:"type"`
	Symbols             []string      `json:"symbols"`
	Lifecycle           Lifecycle     `json:"lifecycle"`
	SignalsGenerated    uint64        `json:"signals_generated"`
	MarketDataProcessed uint64        `json:"market_data_processed"`
	OrdersFilled        uint64        `json:"orders_filled"`
	ConsecutiveErrors   int           `json:"consecutive_errors"`
	TotalErrors         uint64        `json:"total_errors"`
	SkippedTicks        uint64        `json:"skipped_ticks"`
	LastError           string        `json:"last_error,omitempty"`
	LastErrorAt         time.Time     `json:"last_error_at,omitempty"`
	StartedAt           time.Time     `json:"started_at,omitempty"`
	Runtime             time.Duration `json:"runtime"`
	State               string        `json:"state,omitempty"`
}

type dedupKey struct {
	symbol string
	side   models.Side
	typ    models.SignalType
}

// instance is one registered strategy. mu makes lifecycle changes and
// callbacks for the same instance mutually exclusive; statsMu guards the
// counters so status reads never wait on a callback.
//
// busy is set while a timed out callback still holds mu. A stop requested
// while mu is held sets halted; whoever takes mu next completes it.
type instance struct {
	mu      sync.Mutex
	id      string
	cfg     StrategyConfig
	s       strategy.Strategy
	symbols map[string]struct{}
	running bool
	recent  map[dedupKey]time.Time

	statsMu sync.Mutex
	st      StrategyStatus
	busy    bool
	halted  bool
}

func newInstance(id string, s strategy.Strategy, cfg StrategyConfig) *instance {
	syms := make(map[string]struct{}, len(cfg.Symbols))
	norm := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		syms[sym] = struct{}{}
		norm = append(norm, sym)
	}
	name := cfg.Name
	if name == "" {
		name = s.Name()
	}
	cfg.ID, cfg.Name, cfg.Symbols = id, name, norm
	return &instance{
		id:      id,
		cfg:     cfg,
		s:       s,
		symbols: syms,
		recent:  map[dedupKey]time.Time{},
		st: StrategyStatus{
			ID:        id,
			Name:      name,
			Type:      s.Name(),
			Symbols:   norm,
			Lifecycle: LifecycleRegistered,
		},
	}
}

// subscribed reports whether the instance wants symbol. No symbols means
// every symbol.
func (in *instance) subscribed(symbol string) bool {
	if len(in.symbols) == 0 {
		return true
	}
	_, ok := in.symbols[strings.ToUpper(symbol)]
	return ok
}

func (in *instance) setLifecycle(l Lifecycle, at time.Time) {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	in.st.Lifecycle = l
	if l == LifecycleRunning {
		in.st.StartedAt = at
		in.st.ConsecutiveErrors = 0
	}
}

func (in *instance) setBusy(v bool) {
	in.statsMu.Lock()
	in.busy = v
	in.statsMu.Unlock()
}

func (in *instance) isBusy() bool {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.busy
}

// requestHalt moves a running instance to l without taking mu. It returns
// the counters at that moment and false when the instance was not running.
func (in *instance) requestHalt(l Lifecycle) (StrategyStatus, bool) {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	if in.st.Lifecycle != LifecycleRunning {
		return in.st, false
	}
	in.st.Lifecycle = l
	in.halted = true
	return in.st, true
}

func (in *instance) takeHalt() bool {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	h := in.halted
	in.halted = false
	return h
}

func (in *instance) recordSkip() {
	in.statsMu.Lock()
	in.st.SkippedTicks++
	in.statsMu.Unlock()
}

func (in *instance) lifecycle() Lifecycle {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return in.st.Lifecycle
}

// recordFailure counts err and reports whether the failure streak is now
// past max.
func (in *instance) recordFailure(err error, at time.Time, max int) bool {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	in.st.ConsecutiveErrors++
	in.st.TotalErrors++
	in.st.LastError = err.Error()
	in.st.LastErrorAt = at
	return in.st.ConsecutiveErrors > max
}

func (in *instance) recordSuccess(signals int) {
	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	in.st.ConsecutiveErrors = 0
	in.st.MarketDataProcessed++
	in.st.SignalsGenerated += uint64(signals)
}

func (in *instance) recordFill() {
	in.statsMu.Lock()
	in.st.OrdersFilled++
	in.statsMu.Unlock()
}

func (in *instance) status(now time.Time) StrategyStatus {
	in.statsMu.Lock()
	st := in.st
	in.statsMu.Unlock()
	if st.Lifecycle == LifecycleRunning && !st.StartedAt.IsZero() {
		st.Runtime = now.Sub(st.StartedAt)
	}
	st.State = in.s.State()
	return st
}
