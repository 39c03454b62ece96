package execution

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade_engine/internal/models"
)

type EventKind string

const (
	EventOpened       EventKind = "OPENED"
	EventIncreased    EventKind = "INCREASED"
	EventDecreased    EventKind = "DECREASED"
	EventClosed       EventKind = "CLOSED"
	EventFlipped      EventKind = "FLIPPED"
	EventPriceUpdated EventKind = "PRICE_UPDATED"
)

type PositionEvent struct {
	Kind        EventKind
	Symbol      string
	StrategyID  string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
	At          time.Time
}

// PositionUpdate is the outcome of applying one fill.
type PositionUpdate struct {
	Event    PositionEvent
	Position models.Position
	Realized decimal.Decimal
	// Closed is the position that went flat on this fill, if any.
	Closed *models.Position
}

const (
	defaultHistory  = 500
	defaultSeenKeep = 10000
)

type symbolBook struct {
	mu   sync.Mutex
	pos  *models.Position
	seen map[string]struct{}
	// order of seen ids for eviction
	seenOrder []string
}

// PositionTracker holds positions partitioned by symbol. The map lock only
// covers lookup; each symbol has its own lock.
type PositionTracker struct {
	mu    sync.RWMutex
	books map[string]*symbolBook

	histMu  sync.Mutex
	closed  []models.Position
	events  []PositionEvent
	history int
}

func NewPositionTracker() *PositionTracker {
	return &PositionTracker{books: map[string]*symbolBook{}, history: defaultHistory}
}

func (t *PositionTracker) book(symbol string) *symbolBook {
	t.mu.RLock()
	b, ok := t.books[symbol]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.books[symbol]; ok {
		return b
	}
	b = &symbolBook{seen: map[string]struct{}{}}
	t.books[symbol] = b
	return b
}

func (t *PositionTracker) Seen(symbol, fillID string) bool {
	b := t.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[fillID]
	return ok
}

// MarkSeen records fillID as handled without booking it.
func (t *PositionTracker) MarkSeen(symbol, fillID string) {
	b := t.book(symbol)
	b.mu.Lock()
	b.markSeen(fillID)
	b.mu.Unlock()
}

// Apply books a fill. It returns false for a fill id already applied.
func (t *PositionTracker) Apply(f models.Fill, strategyID string) (PositionUpdate, bool) {
	b := t.book(f.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[f.ID]; dup {
		return PositionUpdate{}, false
	}
	b.markSeen(f.ID)

	upd := PositionUpdate{Realized: decimal.Zero}
	ev := PositionEvent{Symbol: f.Symbol, Quantity: f.Quantity, Price: f.Price, At: f.Timestamp}

	switch {
	case b.pos == nil || b.pos.IsFlat():
		b.pos = models.NewPosition(f.Symbol, f.Side, strategyID)
		b.pos.Increase(f.Quantity, f.Price, f.Timestamp)
		ev.Kind = EventOpened
	case b.pos.Side == f.Side:
		b.pos.Increase(f.Quantity, f.Price, f.Timestamp)
		if b.pos.StrategyID == "" {
			b.pos.StrategyID = strategyID
		}
		ev.Kind = EventIncreased
	default:
		closing := decimal.Min(b.pos.Quantity, f.Quantity)
		realized, _ := b.pos.Reduce(closing, f.Price, f.Timestamp)
		upd.Realized = realized
		ev.RealizedPnL = realized
		ev.Kind = EventDecreased
		if b.pos.IsFlat() {
			closed := b.pos.Snapshot()
			upd.Closed = &closed
			ev.Kind = EventClosed
			b.pos = nil
			if rest := f.Quantity.Sub(closing); rest.IsPositive() {
				b.pos = models.NewPosition(f.Symbol, f.Side, strategyID)
				b.pos.Increase(rest, f.Price, f.Timestamp)
				ev.Kind = EventFlipped
			}
		}
	}

	if b.pos != nil {
		ev.StrategyID = b.pos.StrategyID
		upd.Position = b.pos.Snapshot()
	} else {
		ev.StrategyID = upd.Closed.StrategyID
		upd.Position = models.Position{Symbol: f.Symbol, StrategyID: ev.StrategyID, RealizedPnL: upd.Closed.RealizedPnL, UpdatedAt: f.Timestamp}
	}
	upd.Event = ev
	t.record(ev, upd.Closed)
	return upd, true
}

func (b *symbolBook) markSeen(id string) {
	b.seen[id] = struct{}{}
	b.seenOrder = append(b.seenOrder, id)
	if len(b.seenOrder) > defaultSeenKeep {
		delete(b.seen, b.seenOrder[0])
		b.seenOrder = b.seenOrder[1:]
	}
}

func (t *PositionTracker) record(ev PositionEvent, closed *models.Position) {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	t.events = append(t.events, ev)
	if len(t.events) > t.history {
		t.events = t.events[len(t.events)-t.history:]
	}
	if closed != nil {
		t.closed = append(t.closed, *closed)
		if len(t.closed) > t.history {
			t.closed = t.closed[len(t.closed)-t.history:]
		}
	}
}

// Restore seeds a persisted open position as one lot at its average entry.
// Symbols that already hold a position are left alone.
func (t *PositionTracker) Restore(p models.Position) bool {
	if p.IsFlat() {
		return false
	}
	b := t.book(p.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos != nil {
		return false
	}
	pos := models.NewPosition(p.Symbol, p.Side, p.StrategyID)
	pos.Increase(p.Quantity, p.AverageEntryPrice, p.OpenedAt)
	pos.RealizedPnL = p.RealizedPnL
	if p.LastPrice.IsPositive() {
		pos.MarkToMarket(p.LastPrice, p.UpdatedAt)
	}
	b.pos = pos
	return true
}

// MarkToMarket updates the open position in symbol, if any.
func (t *PositionTracker) MarkToMarket(symbol string, price decimal.Decimal, at time.Time) (models.Position, bool) {
	t.mu.RLock()
	b, ok := t.books[symbol]
	t.mu.RUnlock()
	if !ok {
		return models.Position{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos == nil {
		return models.Position{}, false
	}
	b.pos.MarkToMarket(price, at)
	t.record(PositionEvent{
		Kind:       EventPriceUpdated,
		Symbol:     symbol,
		StrategyID: b.pos.StrategyID,
		Quantity:   b.pos.Quantity,
		Price:      price,
		At:         at,
	}, nil)
	return b.pos.Snapshot(), true
}

func (t *PositionTracker) Position(symbol string) (models.Position, bool) {
	t.mu.RLock()
	b, ok := t.books[symbol]
	t.mu.RUnlock()
	if !ok {
		return models.Position{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pos == nil {
		return models.Position{}, false
	}
	return b.pos.Snapshot(), true
}

// Positions returns open positions sorted by symbol.
func (t *PositionTracker) Positions() []models.Position {
	t.mu.RLock()
	books := make([]*symbolBook, 0, len(t.books))
	for _, b := range t.books {
		books = append(books, b)
	}
	t.mu.RUnlock()

	var res []models.Position
	for _, b := range books {
		b.mu.Lock()
		if b.pos != nil {
			res = append(res, b.pos.Snapshot())
		}
		b.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Symbol < res[j].Symbol })
	return res
}

func (t *PositionTracker) ByStrategy(strategyID string) []models.Position {
	var res []models.Position
	for _, p := range t.Positions() {
		if p.StrategyID == strategyID {
			res = append(res, p)
		}
	}
	return res
}

func (t *PositionTracker) TotalUnrealized() decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.Positions() {
		total = total.Add(p.UnrealizedPnL)
	}
	return total
}

func (t *PositionTracker) Closed() []models.Position {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	return append([]models.Position(nil), t.closed...)
}

func (t *PositionTracker) Events() []PositionEvent {
	t.histMu.Lock()
	defer t.histMu.Unlock()
	return append([]PositionEvent(nil), t.events...)
}
