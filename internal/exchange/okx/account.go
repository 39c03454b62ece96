package okx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"trade_engine/internal/exchange"
	"trade_engine/internal/models"

	"github.com/shopspring/decimal"
)

type balanceData struct {
	TotalEq string `json:"totalEq"`
	Imr     string `json:"imr"`
	Upl     string `json:"upl"`
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
		AvailEq  string `json:"availEq"`
		Eq       string `json:"eq"`
	} `json:"details"`
}

type positionData struct {
	InstID  string `json:"instId"`
	Pos     string `json:"pos"`
	PosSide string `json:"posSide"`
	AvgPx   string `json:"avgPx"`
	MarkPx  string `json:"markPx"`
	Last    string `json:"last"`
	Upl     string `json:"upl"`
	Lever   string `json:"lever"`
}

type pendingData struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	Px        string `json:"px"`
	CTime     string `json:"cTime"`
}

// dec parses an OKX numeric string; empty and malformed values are zero.
func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (c *Client) FetchAccount(ctx context.Context) (models.AccountInfo, error) {
	var data []balanceData
	if err := c.do(ctx, "fetch_account", http.MethodGet, "/api/v5/account/balance", nil, &data); err != nil {
		return models.AccountInfo{}, err
	}
	if len(data) == 0 {
		return models.AccountInfo{}, exchange.NewError(exchange.KindParse, venue, "fetch_account", "empty balance")
	}

	b := data[0]
	acc := models.AccountInfo{
		TotalBalance:  dec(b.TotalEq),
		MarginUsed:    dec(b.Imr),
		UnrealizedPnL: dec(b.Upl),
		Currency:      "USDT",
	}
	for _, d := range b.Details {
		if d.Ccy != acc.Currency {
			continue
		}
		acc.AvailableBalance = dec(d.AvailBal)
		if acc.AvailableBalance.IsZero() {
			acc.AvailableBalance = dec(d.AvailEq)
		}
	}
	return acc, nil
}

func (c *Client) FetchPositions(ctx context.Context) ([]models.PositionInfo, error) {
	var data []positionData
	if err := c.do(ctx, "fetch_positions", http.MethodGet, "/api/v5/account/positions", nil, &data); err != nil {
		return nil, err
	}

	res := make([]models.PositionInfo, 0, len(data))
	for _, d := range data {
		qty := dec(d.Pos)
		if qty.IsZero() {
			continue
		}
		side := models.SideBuy
		switch {
		case d.PosSide == "short":
			side = models.SideSell
		case d.PosSide == "net" && qty.IsNegative():
			side = models.SideSell
		}
		mark := dec(d.MarkPx)
		if mark.IsZero() {
			mark = dec(d.Last)
		}
		res = append(res, models.PositionInfo{
			Symbol:        d.InstID,
			Side:          side,
			Quantity:      qty.Abs(),
			EntryPrice:    dec(d.AvgPx),
			MarkPrice:     mark,
			UnrealizedPnL: dec(d.Upl),
			Leverage:      dec(d.Lever),
		})
	}
	return res, nil
}

func (c *Client) FetchPendingOrders(ctx context.Context) ([]models.PendingOrder, error) {
	var data []pendingData
	if err := c.do(ctx, "fetch_pending_orders", http.MethodGet, "/api/v5/trade/orders-pending", nil, &data); err != nil {
		return nil, err
	}

	res := make([]models.PendingOrder, 0, len(data))
	for _, d := range data {
		res = append(res, models.PendingOrder{
			ExchangeOrderID: d.OrdID,
			ClientOrderID:   d.ClOrdID,
			Symbol:          d.InstID,
			Side:            parseSide(d.Side),
			Type:            parseOrdType(d.OrdType),
			Quantity:        dec(d.Sz),
			FilledQuantity:  dec(d.AccFillSz),
			Price:           dec(d.Px),
			CreatedAt:       msTime(d.CTime),
		})
	}
	return res, nil
}

func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var data []struct {
		Last string `json:"last"`
	}
	if err := c.do(ctx, "latest_price", http.MethodGet, "/api/v5/market/ticker?instId="+symbol, nil, &data); err != nil {
		return decimal.Zero, err
	}
	if len(data) == 0 || !dec(data[0].Last).IsPositive() {
		return decimal.Zero, exchange.NewError(exchange.KindNotFound, venue, "latest_price", "no ticker for "+symbol)
	}
	return dec(data[0].Last), nil
}

func parseSide(s string) models.Side {
	switch s {
	case "buy":
		return models.SideBuy
	case "sell":
		return models.SideSell
	default:
		return models.SideNone
	}
}

func parseOrdType(s string) models.OrderType {
	switch s {
	case "market":
		return models.OrderMarket
	case "conditional", "oco", "trigger":
		return models.OrderStopLoss
	case "move_order_stop":
		return models.OrderTrailingStop
	default:
		return models.OrderLimit
	}
}
