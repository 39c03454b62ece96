package okx

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"trade_engine/internal/helper"
	"trade_engine/internal/models"
)

// Candles returns up to limit confirmed candles, oldest first.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]models.MarketData, error) {
	tf := helper.NormTF(timeframe)
	if limit <= 0 || limit > 300 {
		limit = 300
	}
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", okxBar(tf))
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]string
	if err := c.do(ctx, "candles", http.MethodGet, "/api/v5/market/candles?"+q.Encode(), nil, &rows); err != nil {
		return nil, err
	}

	tfDur := timeframeToDuration(tf)
	now := c.now().UTC()
	res := make([]models.MarketData, 0, len(rows))
	// newest first on the wire
	for i := len(rows) - 1; i >= 0; i-- {
		cols := rows[i]
		if len(cols) < 5 || cols[len(cols)-1] != "1" {
			continue
		}
		start := msTime(cols[0])
		closep, _ := strconv.ParseFloat(cols[4], 64)
		if start.IsZero() || closep <= 0 {
			continue
		}
		tick := models.CandleTick{
			InstID:       symbol,
			Open:         num(cols[1]),
			High:         num(cols[2]),
			Low:          num(cols[3]),
			Close:        closep,
			Start:        start,
			End:          start.Add(tfDur),
			TimeframeRaw: tf,
		}
		if len(cols) >= 6 {
			tick.Volume = num(cols[5])
		}
		if len(cols) >= 8 {
			tick.QuoteVolume = num(cols[7])
		}
		res = append(res, models.MarketData{Symbol: symbol, Timeframe: tf, Candle: tick, ReceivedAt: now})
	}
	return res, nil
}

func num(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

type Ticker struct {
	InstID    string
	Last      float64
	Open24h   float64
	VolCcy24h float64
}

// ChangePct is the 24h change in percent.
func (t Ticker) ChangePct() float64 {
	if t.Open24h <= 0 {
		return 0
	}
	return (t.Last - t.Open24h) / t.Open24h * 100
}

// Tickers lists 24h tickers for an instrument type (SPOT, SWAP).
func (c *Client) Tickers(ctx context.Context, instType string) ([]Ticker, error) {
	var data []struct {
		InstID    string `json:"instId"`
		Last      string `json:"last"`
		Open24h   string `json:"open24h"`
		VolCcy24h string `json:"volCcy24h"`
	}
	if err := c.do(ctx, "tickers", http.MethodGet, "/api/v5/market/tickers?instType="+url.QueryEscape(instType), nil, &data); err != nil {
		return nil, err
	}
	res := make([]Ticker, 0, len(data))
	for _, d := range data {
		res = append(res, Ticker{InstID: d.InstID, Last: num(d.Last), Open24h: num(d.Open24h), VolCcy24h: num(d.VolCcy24h)})
	}
	return res, nil
}
