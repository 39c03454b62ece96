package execution

import (
	"sync"

	"github.com/pkg/errors"

	"trade_engine/internal/models"
)

const defaultClosedRetention = 5000

// OrderBook indexes the orders this process placed. Order fields are only
// changed through Update so readers always see a consistent copy.
type OrderBook struct {
	mu         sync.RWMutex
	byID       map[string]*models.Order
	byClient   map[string]*models.Order
	byExchange map[string]*models.Order

	closed    []string
	retention int
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		byID:       map[string]*models.Order{},
		byClient:   map[string]*models.Order{},
		byExchange: map[string]*models.Order{},
		retention:  defaultClosedRetention,
	}
}

// Add stores a copy of o.
func (b *OrderBook) Add(in *models.Order) {
	cp := in.Clone()
	o := &cp
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byID[o.ID] = o
	if o.ClientOrderID != "" {
		b.byClient[o.ClientOrderID] = o
	}
	if o.ExchangeOrderID != "" {
		b.byExchange[o.ExchangeOrderID] = o
	}
}

// Update applies fn to the stored order under the book lock and returns a
// copy of the result.
func (b *OrderBook) Update(id string, fn func(o *models.Order) error) (models.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return models.Order{}, errors.Errorf("order %s not in book", id)
	}
	err := fn(o)
	if o.ExchangeOrderID != "" {
		b.byExchange[o.ExchangeOrderID] = o
	}
	if o.Status.Terminal() {
		b.retire(o.ID)
	}
	return o.Clone(), err
}

// retire remembers a terminal order and drops the oldest past retention.
func (b *OrderBook) retire(id string) {
	for _, c := range b.closed {
		if c == id {
			return
		}
	}
	b.closed = append(b.closed, id)
	for len(b.closed) > b.retention {
		old := b.byID[b.closed[0]]
		b.closed = b.closed[1:]
		if old == nil {
			continue
		}
		delete(b.byID, old.ID)
		delete(b.byClient, old.ClientOrderID)
		delete(b.byExchange, old.ExchangeOrderID)
	}
}

func (b *OrderBook) Get(id string) (models.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[id]
	if !ok {
		return models.Order{}, false
	}
	return o.Clone(), true
}

// Match finds the order a fill belongs to by client id, then venue id.
func (b *OrderBook) Match(f models.Fill) (models.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if o, ok := b.byClient[f.ClientOrderID]; ok && f.ClientOrderID != "" {
		return o.Clone(), true
	}
	if o, ok := b.byExchange[f.OrderID]; ok && f.OrderID != "" {
		return o.Clone(), true
	}
	return models.Order{}, false
}

// OpenProtective returns live stop and take-profit orders for symbol.
func (b *OrderBook) OpenProtective(symbol string) []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var res []models.Order
	for _, o := range b.byID {
		if o.Symbol == symbol && o.Type.Protective() && !o.Status.Terminal() && o.ExchangeOrderID != "" {
			res = append(res, o.Clone())
		}
	}
	return res
}

func (b *OrderBook) Open() []models.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var res []models.Order
	for _, o := range b.byID {
		if !o.Status.Terminal() {
			res = append(res, o.Clone())
		}
	}
	return res
}
