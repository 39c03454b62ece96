package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is what the health endpoints report.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected  atomic.Bool
	lastTickUnix atomic.Int64 // unix seconds
	lastSyncUnix atomic.Int64

	mu      sync.RWMutex
	details map[string]func() any
}

func NewState() *State {
	return &State{startedAt: time.Now(), details: map[string]func() any{}}
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetWSConnected(v bool) { s.wsConnected.Store(v) }
func (s *State) WSConnected() bool     { return s.wsConnected.Load() }

func (s *State) TouchTick(t time.Time) { s.lastTickUnix.Store(t.Unix()) }
func (s *State) LastTick() time.Time   { return fromUnix(s.lastTickUnix.Load()) }

// MarkSynced records a successful exchange sync; the first one makes the
// service ready.
func (s *State) MarkSynced(t time.Time) {
	s.lastSyncUnix.Store(t.Unix())
	s.ready.Store(true)
}

func (s *State) LastSync() time.Time { return fromUnix(s.lastSyncUnix.Load()) }

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }

// Register adds a named section to /healthz.
func (s *State) Register(name string, fn func() any) {
	s.mu.Lock()
	s.details[name] = fn
	s.mu.Unlock()
}

func (s *State) Details() map[string]any {
	s.mu.RLock()
	names := make([]string, 0, len(s.details))
	for n := range s.details {
		names = append(names, n)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	res := make(map[string]any, len(names))
	for _, n := range names {
		s.mu.RLock()
		fn := s.details[n]
		s.mu.RUnlock()
		res[n] = fn()
	}
	return res
}

func fromUnix(u int64) time.Time {
	if u == 0 {
		return time.Time{}
	}
	return time.Unix(u, 0)
}
