package okx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trade_engine/internal/exchange"
	"trade_engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIKey:     "key",
		APISecret:  "secret",
		Passphrase: "pass",
		BaseURL:    srv.URL,
		RatePerSec: 1000,
		Burst:      100,
	})
	c.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func TestFetchAccount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/account/balance", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "2024-05-01T12:00:00.000Z", r.Header.Get("OK-ACCESS-TIMESTAMP"))
		assert.Equal(t, c2sign("2024-05-01T12:00:00.000Z", "GET", "/api/v5/account/balance", ""), r.Header.Get("OK-ACCESS-SIGN"))
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[{"totalEq":"10500.5","imr":"120","upl":"-3.2",
			"details":[{"ccy":"BTC","availBal":"1"},{"ccy":"USDT","availBal":"9000"}]}]}`)
	})

	acc, err := c.FetchAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, acc.TotalBalance.Equal(decimal.RequireFromString("10500.5")))
	assert.True(t, acc.AvailableBalance.Equal(decimal.NewFromInt(9000)))
	assert.True(t, acc.MarginUsed.Equal(decimal.NewFromInt(120)))
	assert.Equal(t, "USDT", acc.Currency)
}

func c2sign(ts, method, path, body string) string {
	return (&Client{cfg: Config{APISecret: "secret"}}).sign(ts, method, path, body)
}

func TestFetchPositions_NetShort(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":"0","data":[
			{"instId":"BTC-USDT-SWAP","pos":"-2","posSide":"net","avgPx":"60000","markPx":"59000","upl":"20","lever":"5"},
			{"instId":"ETH-USDT-SWAP","pos":"0","posSide":"net"},
			{"instId":"SOL-USDT-SWAP","pos":"3","posSide":"long","avgPx":"100","last":"101"}]}`)
	})

	pos, err := c.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, models.SideSell, pos[0].Side)
	assert.True(t, pos[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, models.SideBuy, pos[1].Side)
	assert.True(t, pos[1].MarkPrice.Equal(decimal.NewFromInt(101)))
}

func TestPlaceOrder_MarketBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "buy", gjson.GetBytes(body, "side").String())
		assert.Equal(t, "market", gjson.GetBytes(body, "ordType").String())
		assert.Equal(t, "2.5", gjson.GetBytes(body, "sz").String())
		assert.Equal(t, "true", gjson.GetBytes(body, "reduceOnly").String())
		assert.NotEmpty(t, gjson.GetBytes(body, "clOrdId").String())
		_, _ = io.WriteString(w, `{"code":"0","data":[{"ordId":"777","sCode":"0"}]}`)
	})

	o := models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, decimal.RequireFromString("2.5"))
	o.ReduceOnly = true
	id, err := c.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "777", id)
}

func TestPlaceOrder_StopGoesToAlgoAndCancelRoutesBack(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		switch r.URL.Path {
		case "/api/v5/trade/order-algo":
			assert.Equal(t, "95", gjson.GetBytes(body, "slTriggerPx").String())
			_, _ = io.WriteString(w, `{"code":"0","data":[{"algoId":"A1","sCode":"0"}]}`)
		case "/api/v5/trade/cancel-algos":
			assert.Equal(t, "A1", gjson.GetBytes(body, "0.algoId").String())
			_, _ = io.WriteString(w, `{"code":"0","data":[]}`)
		}
	})

	o := models.NewOrder("BTC-USDT", models.SideSell, models.OrderStopLoss, decimal.NewFromInt(1))
	o.StopPrice = decimal.NewFromInt(95)
	id, err := c.PlaceOrder(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "algo:A1", id)

	require.NoError(t, c.CancelOrder(context.Background(), "BTC-USDT", id))
	assert.Equal(t, []string{"/api/v5/trade/order-algo", "/api/v5/trade/cancel-algos"}, paths)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   exchange.Kind
	}{
		{"insufficient balance", 200, `{"code":"1","msg":"failed","data":[{"sCode":"51008","sMsg":"Insufficient balance"}]}`, exchange.KindInsufficientBalance},
		{"rate limited", 429, `{"code":"50011","msg":"Too Many Requests"}`, exchange.KindRateLimit},
		{"bad sign", 401, `{"code":"50113","msg":"Invalid Sign"}`, exchange.KindAuth},
		{"busy", 503, `oops`, exchange.KindNetwork},
		{"generic reject", 200, `{"code":"51400","msg":"cancel failed"}`, exchange.KindOrderRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			o := models.NewOrder("BTC-USDT", models.SideBuy, models.OrderMarket, decimal.NewFromInt(1))
			_, err := c.PlaceOrder(context.Background(), o)
			require.Error(t, err)
			assert.Equal(t, tc.kind, exchange.KindOf(err), err.Error())
			assert.Equal(t, tc.kind.Retryable(), exchange.IsRetryable(err))
		})
	}
}

func TestFetchFills_OldestFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1714564800000", r.URL.Query().Get("begin"))
		_, _ = io.WriteString(w, `{"code":"0","data":[
			{"billId":"2","ordId":"o1","instId":"BTC-USDT","side":"buy","fillSz":"1","fillPx":"101","fee":"-0.1","ts":"1714564802000"},
			{"billId":"1","ordId":"o1","instId":"BTC-USDT","side":"buy","fillSz":"1","fillPx":"100","fee":"-0.1","ts":"1714564801000"}]}`)
	})

	fills, err := c.FetchFills(context.Background(), time.UnixMilli(1714564800000))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "1", fills[0].ID)
	assert.Equal(t, "2", fills[1].ID)
	assert.True(t, fills[0].Fee.Equal(decimal.RequireFromString("0.1")))
}

func TestParseCandles_OnlyConfirmed(t *testing.T) {
	frame := []byte(`{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[
		["1714564800000","100","110","90","105","12","0","1260","1"],
		["1714564860000","105","106","104","105.5","3","0","315","0"]]}`)

	got := parseCandles(frame, "candle1m", "1m", time.Minute)
	require.Len(t, got, 1)
	assert.Equal(t, "BTC-USDT", got[0].Symbol)
	assert.Equal(t, 105.0, got[0].Candle.Close)
	assert.Equal(t, time.Minute, got[0].Candle.End.Sub(got[0].Candle.Start))

	assert.Empty(t, parseCandles([]byte(`{"event":"subscribe"}`), "candle1m", "1m", time.Minute))
	assert.Empty(t, parseCandles([]byte(`pong`), "candle1m", "1m", time.Minute))
}

func TestCandles_OldestFirstConfirmedOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/market/candles", r.URL.Path)
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		assert.Equal(t, "1H", r.URL.Query().Get("bar"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"code":"0","msg":"","data":[
			["1714568400000","105","107","104","106","5","0","530","0"],
			["1714564800000","100","110","90","105","12","0","1260","1"],
			["1714561200000","99","101","98","100","7","0","700","1"]]}`)
	})

	got, err := c.Candles(context.Background(), "BTC-USDT", "60m", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.0, got[0].Candle.Close)
	assert.Equal(t, 105.0, got[1].Candle.Close)
	assert.Equal(t, "1h", got[1].Timeframe)
	assert.Equal(t, time.Hour, got[1].Candle.End.Sub(got[1].Candle.Start))
	assert.Equal(t, 1260.0, got[1].Candle.QuoteVolume)
}

func TestTickers(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SPOT", r.URL.Query().Get("instType"))
		_, _ = io.WriteString(w, `{"code":"0","data":[
			{"instId":"BTC-USDT","last":"110","open24h":"100","volCcy24h":"5000000"},
			{"instId":"ETH-USDT","last":"","open24h":"","volCcy24h":"1"}]}`)
	})
	got, err := c.Tickers(context.Background(), "SPOT")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 10.0, got[0].ChangePct(), 1e-9)
	assert.Zero(t, got[1].ChangePct())
}
