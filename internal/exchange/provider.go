package exchange

import (
	"context"
	"time"

	"trade_engine/internal/models"

	"github.com/shopspring/decimal"
)

type AccountProvider interface {
	FetchAccount(ctx context.Context) (models.AccountInfo, error)
	FetchPositions(ctx context.Context) ([]models.PositionInfo, error)
	FetchPendingOrders(ctx context.Context) ([]models.PendingOrder, error)
}

type MarketDataProvider interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type OrderGateway interface {
	// PlaceOrder sends o and returns the venue order id. o.ClientOrderID
	// is sent along so a retried placement is deduplicated by the venue.
	PlaceOrder(ctx context.Context, o *models.Order) (string, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}

type FillSource interface {
	// FetchFills returns fills newer than since, oldest first.
	FetchFills(ctx context.Context, since time.Time) ([]models.Fill, error)
}

type Exchange interface {
	Name() string
	AccountProvider
	MarketDataProvider
	OrderGateway
	FillSource
}
