package execution

import (
	"context"
	"sync"

	"trade_engine/internal/models"
)

// Sink receives records for persistence. Implementations must not block.
type Sink interface {
	OrderUpdated(o models.Order)
	FillRecorded(f models.Fill)
	PositionUpdated(p models.Position)
	RiskRejected(r models.RiskRejection)
}

type NopSink struct{}

func (NopSink) OrderUpdated(models.Order)         {}
func (NopSink) FillRecorded(models.Fill)          {}
func (NopSink) PositionUpdated(models.Position)   {}
func (NopSink) RiskRejected(models.RiskRejection) {}

// FillListener is told about fills after the position has been updated.
type FillListener interface {
	NotifyOrderFilled(ctx context.Context, o models.Order)
	NotifyPositionUpdate(ctx context.Context, p models.Position)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*sync.Mutex{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
