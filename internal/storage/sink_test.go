package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/models"
)

type memWriter struct {
	mu      sync.Mutex
	saved   []string
	failFor string
	gate    chan struct{}
}

func (w *memWriter) add(kind, id string) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == w.failFor {
		return errors.New("db down")
	}
	w.saved = append(w.saved, kind+":"+id)
	return nil
}

func (w *memWriter) SaveOrder(_ context.Context, o models.Order) error { return w.add("order", o.ID) }
func (w *memWriter) SaveFill(_ context.Context, f models.Fill) error   { return w.add("fill", f.ID) }
func (w *memWriter) SavePosition(_ context.Context, p models.Position) error {
	return w.add("position", p.Symbol)
}
func (w *memWriter) SaveRejection(_ context.Context, r models.RiskRejection) error {
	return w.add("rejection", r.SignalID)
}

func (w *memWriter) list() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.saved...)
}

func TestAsyncSink_WritesInOrder(t *testing.T) {
	w := &memWriter{failFor: "bad"}
	s := NewAsyncSink(w, 16, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	s.OrderUpdated(models.Order{ID: "o1"})
	s.FillRecorded(models.Fill{ID: "f1"})
	s.PositionUpdated(models.Position{Symbol: "BTC-USDT", Quantity: decimal.NewFromInt(1),
		Lots: []models.Lot{{Quantity: decimal.NewFromInt(1)}}})
	s.RiskRejected(models.RiskRejection{SignalID: "bad"})
	s.RiskRejected(models.RiskRejection{SignalID: "s1"})

	require.Eventually(t, func() bool { return len(w.list()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()

	assert.Equal(t, []string{"order:o1", "fill:f1", "position:BTC-USDT", "rejection:s1"}, w.list())
	assert.EqualValues(t, 1, s.Stats().Failed)
}

func TestAsyncSink_DropsWhenFullAndDrainsOnStop(t *testing.T) {
	w := &memWriter{gate: make(chan struct{})}
	s := NewAsyncSink(w, 2, time.Second)

	for i := 0; i < 5; i++ {
		s.OrderUpdated(models.Order{ID: string(rune('a' + i))})
	}
	assert.EqualValues(t, 3, s.Stats().Dropped)
	assert.Equal(t, 2, s.Stats().Queued)

	close(w.gate)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	assert.Equal(t, []string{"order:a", "order:b"}, w.list())
}
