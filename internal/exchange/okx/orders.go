package okx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trade_engine/internal/exchange"
	"trade_engine/internal/models"
)

// algoPrefix marks venue ids that belong to algo (trigger) orders.
const algoPrefix = "algo:"

func (c *Client) PlaceOrder(ctx context.Context, o *models.Order) (string, error) {
	if !o.Quantity.IsPositive() {
		return "", exchange.NewError(exchange.KindInvalidQuantity, venue, "place_order", "size <= 0")
	}
	if o.Type.Protective() {
		return c.placeAlgo(ctx, o)
	}

	body := map[string]string{
		"instId":  o.Symbol,
		"tdMode":  c.cfg.TdMode,
		"side":    strings.ToLower(string(o.Side)),
		"sz":      o.Quantity.String(),
		"clOrdId": o.ClientOrderID,
	}
	switch o.Type {
	case models.OrderMarket:
		body["ordType"] = "market"
	default:
		body["ordType"] = limitOrdType(o.TimeInForce)
		body["px"] = o.Price.String()
	}
	if o.ReduceOnly {
		body["reduceOnly"] = "true"
	}

	var data []struct {
		OrdID string `json:"ordId"`
		itemStatus
	}
	if err := c.do(ctx, "place_order", http.MethodPost, "/api/v5/trade/order", body, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].OrdID == "" {
		return "", exchange.NewError(exchange.KindParse, venue, "place_order", "empty ordId")
	}
	return data[0].OrdID, nil
}

func limitOrdType(tif models.TimeInForce) string {
	switch tif {
	case models.IOC:
		return "ioc"
	case models.FOK:
		return "fok"
	default:
		return "limit"
	}
}

// placeAlgo sends stop-loss, take-profit and trailing orders as OKX algo
// orders closing the position at market when triggered.
func (c *Client) placeAlgo(ctx context.Context, o *models.Order) (string, error) {
	if !o.StopPrice.IsPositive() && o.Type != models.OrderTrailingStop {
		return "", exchange.NewError(exchange.KindInvalidQuantity, venue, "place_order", "trigger price <= 0")
	}
	body := map[string]string{
		"instId":      o.Symbol,
		"tdMode":      c.cfg.TdMode,
		"side":        strings.ToLower(string(o.Side)),
		"sz":          o.Quantity.String(),
		"algoClOrdId": o.ClientOrderID,
		"reduceOnly":  "true",
	}
	switch o.Type {
	case models.OrderStopLoss:
		body["ordType"] = "conditional"
		body["slTriggerPx"] = o.StopPrice.String()
		body["slOrdPx"] = "-1"
		body["slTriggerPxType"] = "last"
	case models.OrderTakeProfit:
		body["ordType"] = "conditional"
		body["tpTriggerPx"] = o.StopPrice.String()
		body["tpOrdPx"] = "-1"
		body["tpTriggerPxType"] = "last"
	case models.OrderTrailingStop:
		body["ordType"] = "move_order_stop"
		// Price carries the callback ratio for trailing orders.
		body["callbackRatio"] = o.Price.String()
		if o.StopPrice.IsPositive() {
			body["activePx"] = o.StopPrice.String()
		}
	}

	var data []struct {
		AlgoID string `json:"algoId"`
		itemStatus
	}
	if err := c.do(ctx, "place_order", http.MethodPost, "/api/v5/trade/order-algo", body, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].AlgoID == "" {
		return "", exchange.NewError(exchange.KindParse, venue, "place_order", "empty algoId")
	}
	return algoPrefix + data[0].AlgoID, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	if algoID, ok := strings.CutPrefix(exchangeOrderID, algoPrefix); ok {
		body := []map[string]string{{"instId": symbol, "algoId": algoID}}
		return c.do(ctx, "cancel_order", http.MethodPost, "/api/v5/trade/cancel-algos", body, nil)
	}
	body := map[string]string{"instId": symbol, "ordId": exchangeOrderID}
	return c.do(ctx, "cancel_order", http.MethodPost, "/api/v5/trade/cancel-order", body, nil)
}

type fillData struct {
	BillID  string `json:"billId"`
	TradeID string `json:"tradeId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	FillSz  string `json:"fillSz"`
	FillPx  string `json:"fillPx"`
	Fee     string `json:"fee"`
	Ts      string `json:"ts"`
}

// FetchFills reads the last three days of fills. OKX returns newest first.
func (c *Client) FetchFills(ctx context.Context, since time.Time) ([]models.Fill, error) {
	path := "/api/v5/trade/fills"
	if !since.IsZero() {
		path += "?begin=" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	var data []fillData
	if err := c.do(ctx, "fetch_fills", http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	res := make([]models.Fill, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		d := data[i]
		id := d.BillID
		if id == "" {
			id = d.InstID + ":" + d.TradeID
		}
		res = append(res, models.Fill{
			ID:            id,
			OrderID:       d.OrdID,
			ClientOrderID: d.ClOrdID,
			Symbol:        d.InstID,
			Side:          parseSide(d.Side),
			Quantity:      dec(d.FillSz),
			Price:         dec(d.FillPx),
			Fee:           dec(d.Fee).Abs(),
			Timestamp:     msTime(d.Ts),
		})
	}
	return res, nil
}
