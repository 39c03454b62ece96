package service

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_engine/internal/engine"
	"trade_engine/internal/exchange/okx"
	"trade_engine/internal/models"
	"trade_engine/internal/notify"
)

type tickers []okx.Ticker

func (t tickers) Tickers(context.Context, string) ([]okx.Ticker, error) { return t, nil }

func TestTopVolatile(t *testing.T) {
	src := tickers{
		{InstID: "BTC-USDT", Last: 101, Open24h: 100, VolCcy24h: 5e6},
		{InstID: "DOGE-USDT", Last: 80, Open24h: 100, VolCcy24h: 5e6},
		{InstID: "SOL-USDT", Last: 110, Open24h: 100, VolCcy24h: 5e6},
		{InstID: "TINY-USDT", Last: 300, Open24h: 100, VolCcy24h: 10},
		{InstID: "ETH-BTC", Last: 2, Open24h: 1, VolCcy24h: 5e6},
	}
	got, err := NewWatchlist(src).TopVolatile(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE-USDT", "SOL-USDT"}, got)
}

type candles map[string][]models.MarketData

func (c candles) Candles(_ context.Context, symbol, _ string, _ int) ([]models.MarketData, error) {
	res, ok := c[symbol]
	if !ok {
		return nil, errors.New("unknown instrument")
	}
	return res, nil
}

func TestWarmup(t *testing.T) {
	src := candles{
		"BTC-USDT": {{Symbol: "BTC-USDT", Candle: models.CandleTick{Close: 1}}, {Symbol: "BTC-USDT", Candle: models.CandleTick{Close: 2}}},
		"ETH-USDT": {{Symbol: "ETH-USDT", Candle: models.CandleTick{Close: 3}}},
	}
	var (
		mu   sync.Mutex
		seen = map[string][]float64{}
	)
	consume := func(_ context.Context, md models.MarketData) {
		mu.Lock()
		seen[md.Symbol] = append(seen[md.Symbol], md.Candle.Close)
		mu.Unlock()
	}
	notes := &notify.Recorder{}
	w := NewWarmuper(src, notes, consume)

	require.NoError(t, w.Warmup(context.Background(), []string{"BTC-USDT", "ETH-USDT"}, "1m", 50))
	assert.Equal(t, []float64{1, 2}, seen["BTC-USDT"])
	assert.Equal(t, []float64{3}, seen["ETH-USDT"])
	assert.Contains(t, notes.Messages()[1], "3 candles")

	err := w.Warmup(context.Background(), []string{"XRP-USDT", "ETH-USDT"}, "1m", 50)
	assert.ErrorContains(t, err, "warmup XRP-USDT")
	assert.Equal(t, []float64{3, 3}, seen["ETH-USDT"])
}

func TestResolveUniverse(t *testing.T) {
	ctx := context.Background()
	strategies := []engine.StrategyConfig{{Symbols: []string{"eth-usdt", "BTC-USDT"}}}

	got := ResolveUniverse(ctx, []string{"BTC-USDT"}, strategies, nil, 5)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, got)

	wl := NewWatchlist(tickers{
		{InstID: "SOL-USDT", Last: 110, Open24h: 100, VolCcy24h: 5e6},
		{InstID: "BTC-USDT", Last: 101, Open24h: 100, VolCcy24h: 5e6},
	})
	got = ResolveUniverse(ctx, nil, []engine.StrategyConfig{{ID: "all"}}, wl, 1)
	assert.Equal(t, []string{"SOL-USDT"}, got)
}
