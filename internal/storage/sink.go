package storage

import (
	"context"
	"sync/atomic"
	"time"

	"trade_engine/internal/execution"
	"trade_engine/internal/models"
	"trade_engine/pkg/logger"
)

// Writer persists trading records.
type Writer interface {
	SaveOrder(ctx context.Context, o models.Order) error
	SaveFill(ctx context.Context, f models.Fill) error
	SavePosition(ctx context.Context, p models.Position) error
	SaveRejection(ctx context.Context, r models.RiskRejection) error
}

type record struct {
	order     *models.Order
	fill      *models.Fill
	position  *models.Position
	rejection *models.RiskRejection
}

// AsyncSink queues executor records and writes them from one goroutine so
// the trading path never waits on the database. Records arriving while the
// queue is full are dropped and counted.
type AsyncSink struct {
	w       Writer
	queue   chan record
	timeout time.Duration

	dropped atomic.Uint64
	failed  atomic.Uint64

	done chan struct{}
}

var _ execution.Sink = (*AsyncSink)(nil)

func NewAsyncSink(w Writer, buffer int, writeTimeout time.Duration) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &AsyncSink{
		w:       w,
		queue:   make(chan record, buffer),
		timeout: writeTimeout,
		done:    make(chan struct{}),
	}
}

func (s *AsyncSink) OrderUpdated(o models.Order) { s.enqueue(record{order: &o}) }
func (s *AsyncSink) FillRecorded(f models.Fill)  { s.enqueue(record{fill: &f}) }

func (s *AsyncSink) PositionUpdated(p models.Position) {
	p.Lots = nil
	s.enqueue(record{position: &p})
}

func (s *AsyncSink) RiskRejected(r models.RiskRejection) { s.enqueue(record{rejection: &r}) }

func (s *AsyncSink) enqueue(r record) {
	select {
	case s.queue <- r:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			logger.Warn("[STORE] queue full, %d records dropped", n)
		}
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		case <-ctx.Done():
			s.drain()
			return
		}
	}
}

// Wait blocks until Run has drained and returned.
func (s *AsyncSink) Wait() { <-s.done }

func (s *AsyncSink) drain() {
	ctx := context.Background()
	for {
		select {
		case r := <-s.queue:
			s.write(ctx, r)
		default:
			return
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, r record) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var (
		err  error
		what string
	)
	switch {
	case r.order != nil:
		what, err = "order "+r.order.ID, s.w.SaveOrder(wctx, *r.order)
	case r.fill != nil:
		what, err = "fill "+r.fill.ID, s.w.SaveFill(wctx, *r.fill)
	case r.position != nil:
		what, err = "position "+r.position.Symbol, s.w.SavePosition(wctx, *r.position)
	case r.rejection != nil:
		what, err = "rejection "+r.rejection.SignalID, s.w.SaveRejection(wctx, *r.rejection)
	}
	if err != nil {
		s.failed.Add(1)
		logger.Error("[STORE] save %s: %v", what, err)
	}
}

type SinkStats struct {
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
}

func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{Queued: len(s.queue), Dropped: s.dropped.Load(), Failed: s.failed.Load()}
}
