package paper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"trade_engine/internal/exchange"
	"trade_engine/internal/models"
	"trade_engine/pkg/logger"

	"github.com/shopspring/decimal"
)

const venue = "paper"

type Config struct {
	InitialBalance float64 `mapstructure:"initial_balance" yaml:"initial_balance"`
	FeeRate        float64 `mapstructure:"fee_rate" yaml:"fee_rate"`
}

type holding struct {
	side  models.Side
	qty   decimal.Decimal
	entry decimal.Decimal
}

// Exchange is an in-memory venue. Market orders fill at the last price set
// with SetPrice; limit and trigger orders rest until price crosses them.
type Exchange struct {
	mu sync.Mutex

	cash     decimal.Decimal
	feeRate  decimal.Decimal
	prices   map[string]decimal.Decimal
	holdings map[string]*holding
	resting  map[string]*models.Order
	fills    []models.Fill
	seq      int
	inject   []error

	now func() time.Time
}

var _ exchange.Exchange = (*Exchange)(nil)

func New(cfg Config) *Exchange {
	return &Exchange{
		cash:     decimal.NewFromFloat(cfg.InitialBalance),
		feeRate:  decimal.NewFromFloat(cfg.FeeRate),
		prices:   map[string]decimal.Decimal{},
		holdings: map[string]*holding{},
		resting:  map[string]*models.Order{},
		now:      time.Now,
	}
}

func (e *Exchange) Name() string { return venue }

// FailNext makes the next len(errs) calls fail with errs, in order.
func (e *Exchange) FailNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inject = append(e.inject, errs...)
}

func (e *Exchange) injected() error {
	if len(e.inject) == 0 {
		return nil
	}
	err := e.inject[0]
	e.inject = e.inject[1:]
	return err
}

// SetPrice marks symbol and fills resting orders the new price crosses.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price

	for id, o := range e.resting {
		if o.Symbol != symbol || !crosses(o, price) {
			continue
		}
		delete(e.resting, id)
		if !e.fill(o, id, price) {
			logger.Warn("[PAPER] reduce-only %s %s %s dropped: no opposite position", o.Symbol, o.Type, id)
		}
	}
}

// reducible returns how much of a reduce-only order can fill against the
// current holding. Caller holds mu.
func (e *Exchange) reducible(o *models.Order) (decimal.Decimal, bool) {
	h := e.holdings[o.Symbol]
	if h == nil || !h.qty.IsPositive() || h.side != o.Side.Opposite() {
		return decimal.Zero, false
	}
	return decimal.Min(o.Quantity, h.qty), true
}

func crosses(o *models.Order, px decimal.Decimal) bool {
	switch o.Type {
	case models.OrderLimit:
		if o.Side == models.SideBuy {
			return px.LessThanOrEqual(o.Price)
		}
		return px.GreaterThanOrEqual(o.Price)
	case models.OrderStopLoss, models.OrderTrailingStop:
		if o.Side == models.SideSell {
			return px.LessThanOrEqual(o.StopPrice)
		}
		return px.GreaterThanOrEqual(o.StopPrice)
	case models.OrderTakeProfit:
		if o.Side == models.SideSell {
			return px.GreaterThanOrEqual(o.StopPrice)
		}
		return px.LessThanOrEqual(o.StopPrice)
	}
	return false
}

func (e *Exchange) nextID(prefix string) string {
	e.seq++
	return prefix + strconv.Itoa(e.seq)
}

// fill books a fill of o at px. Reduce-only orders are clamped to the
// opposite holding and skipped when there is none. Caller holds mu.
func (e *Exchange) fill(o *models.Order, exchangeID string, px decimal.Decimal) bool {
	qty := o.Quantity
	if o.ReduceOnly {
		var ok bool
		if qty, ok = e.reducible(o); !ok {
			return false
		}
	}
	fee := qty.Mul(px).Mul(e.feeRate)
	e.cash = e.cash.Sub(fee)

	h := e.holdings[o.Symbol]
	switch {
	case h == nil || h.qty.IsZero():
		e.holdings[o.Symbol] = &holding{side: o.Side, qty: qty, entry: px}
	case h.side == o.Side:
		total := h.qty.Add(qty)
		h.entry = h.entry.Mul(h.qty).Add(px.Mul(qty)).Div(total)
		h.qty = total
	default:
		closed := decimal.Min(h.qty, qty)
		e.cash = e.cash.Add(px.Sub(h.entry).Mul(closed).Mul(h.side.Sign()))
		h.qty = h.qty.Sub(closed)
		if rest := qty.Sub(closed); rest.IsPositive() {
			h.side, h.qty, h.entry = o.Side, rest, px
		}
		if h.qty.IsZero() {
			delete(e.holdings, o.Symbol)
		}
	}

	e.fills = append(e.fills, models.Fill{
		ID:            e.nextID("fill-"),
		OrderID:       exchangeID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      qty,
		Price:         px,
		Fee:           fee,
		Timestamp:     e.now().UTC(),
	})
	logger.Debug("[PAPER] filled %s %s %s @ %s", o.Symbol, o.Side, qty, px)
	return true
}

func (e *Exchange) PlaceOrder(ctx context.Context, o *models.Order) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return "", err
	}
	if !o.Quantity.IsPositive() {
		return "", exchange.NewError(exchange.KindInvalidQuantity, venue, "place_order", "quantity must be positive")
	}

	if _, ok := e.reducible(o); o.ReduceOnly && !ok {
		return "", exchange.NewError(exchange.KindOrderRejected, venue, "place_order", "reduce-only order would increase position in "+o.Symbol)
	}

	id := e.nextID("ord-")
	cp := o.Clone()
	px, havePx := e.prices[o.Symbol]

	switch {
	case o.Type == models.OrderMarket:
		if !havePx {
			return "", exchange.NewError(exchange.KindOrderRejected, venue, "place_order", "no price for "+o.Symbol)
		}
		e.fill(&cp, id, px)
	case havePx && crosses(&cp, px) && o.Type == models.OrderLimit:
		e.fill(&cp, id, px)
	default:
		e.resting[id] = &cp
	}
	return id, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return err
	}
	if _, ok := e.resting[exchangeOrderID]; !ok {
		return exchange.NewError(exchange.KindNotFound, venue, "cancel_order", "unknown order "+exchangeOrderID)
	}
	delete(e.resting, exchangeOrderID)
	return nil
}

func (e *Exchange) FetchAccount(ctx context.Context) (models.AccountInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return models.AccountInfo{}, err
	}
	upl, margin := decimal.Zero, decimal.Zero
	for sym, h := range e.holdings {
		px := e.prices[sym]
		upl = upl.Add(px.Sub(h.entry).Mul(h.qty).Mul(h.side.Sign()))
		margin = margin.Add(h.qty.Mul(px))
	}
	return models.AccountInfo{
		TotalBalance:     e.cash.Add(upl),
		AvailableBalance: e.cash,
		MarginUsed:       margin,
		UnrealizedPnL:    upl,
		Currency:         "USDT",
	}, nil
}

func (e *Exchange) FetchPositions(ctx context.Context) ([]models.PositionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return nil, err
	}
	res := make([]models.PositionInfo, 0, len(e.holdings))
	for sym, h := range e.holdings {
		px := e.prices[sym]
		res = append(res, models.PositionInfo{
			Symbol:        sym,
			Side:          h.side,
			Quantity:      h.qty,
			EntryPrice:    h.entry,
			MarkPrice:     px,
			UnrealizedPnL: px.Sub(h.entry).Mul(h.qty).Mul(h.side.Sign()),
			Leverage:      decimal.NewFromInt(1),
		})
	}
	return res, nil
}

func (e *Exchange) FetchPendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return nil, err
	}
	res := make([]models.PendingOrder, 0, len(e.resting))
	for id, o := range e.resting {
		res = append(res, models.PendingOrder{
			ExchangeOrderID: id,
			ClientOrderID:   o.ClientOrderID,
			Symbol:          o.Symbol,
			Side:            o.Side,
			Type:            o.Type,
			Quantity:        o.Quantity,
			Price:           o.Price,
			CreatedAt:       o.CreatedAt,
		})
	}
	return res, nil
}

func (e *Exchange) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return decimal.Zero, err
	}
	px, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, exchange.NewError(exchange.KindNotFound, venue, "latest_price", "no price for "+symbol)
	}
	return px, nil
}

// FetchFills returns fills at or after since; callers dedupe by fill id.
func (e *Exchange) FetchFills(ctx context.Context, since time.Time) ([]models.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.injected(); err != nil {
		return nil, err
	}
	var res []models.Fill
	for _, f := range e.fills {
		if !f.Timestamp.Before(since) {
			res = append(res, f)
		}
	}
	return res, nil
}
