package okx

import (
	"context"
	"strconv"
	"strings"
	"time"

	"trade_engine/internal/helper"
	"trade_engine/internal/models"
	"trade_engine/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"
)

// Stream subscribes to closed candles for a batch of instruments over one
// websocket and reconnects until ctx is done.
type Stream struct {
	url       string
	dialer    *websocket.Dialer
	symbols   []string
	timeframe string

	// OnConnected is called with the connection state, if set.
	OnConnected func(bool)
}

func NewStream(cfg Config, symbols []string, timeframe string) *Stream {
	url := cfg.WSURL
	if url == "" {
		url = "wss://ws.okx.com:8443/ws/v5/business"
	}
	return &Stream{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		symbols:   symbols,
		timeframe: helper.NormTF(timeframe),
	}
}

func (s *Stream) setConnected(v bool) {
	if s.OnConnected != nil {
		s.OnConnected(v)
	}
}

// Run pushes candles into out and returns when ctx is done.
func (s *Stream) Run(ctx context.Context, out chan<- models.MarketData) {
	if len(s.symbols) == 0 {
		logger.Warn("[OKX] stream: empty symbol list, not started")
		return
	}
	channel := "candle" + okxBar(s.timeframe)
	args := make([]map[string]string, 0, len(s.symbols))
	for _, id := range s.symbols {
		args = append(args, map[string]string{"channel": channel, "instId": id})
	}

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: true}
	for {
		logger.Info("[OKX] ws connect %s, %d symbols", channel, len(s.symbols))
		err := s.session(ctx, channel, args, out, b)
		s.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		wait := b.Duration()
		logger.Warn("[OKX] ws %s dropped: %v; reconnect in %s", channel, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Stream) session(ctx context.Context, channel string, args []map[string]string, out chan<- models.MarketData, b *backoff.Backoff) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	s.setConnected(true)
	b.Reset()

	// OKX drops idle connections after 30s; ping keeps it alive and the
	// ctx watcher unblocks ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	tfDur := timeframeToDuration(s.timeframe)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		for _, md := range parseCandles(msg, channel, s.timeframe, tfDur) {
			select {
			case out <- md:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// parseCandles extracts confirmed candles from one frame. Rows are
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func parseCandles(frame []byte, channel, timeframe string, tfDur time.Duration) []models.MarketData {
	if !gjson.ValidBytes(frame) {
		return nil
	}
	root := gjson.ParseBytes(frame)
	if root.Get("arg.channel").String() != channel {
		return nil
	}
	instID := root.Get("arg.instId").String()
	now := time.Now().UTC()

	var res []models.MarketData
	root.Get("data").ForEach(func(_, row gjson.Result) bool {
		cols := row.Array()
		if len(cols) < 5 || cols[len(cols)-1].String() != "1" {
			return true
		}
		start := time.UnixMilli(cols[0].Int()).UTC()
		closep := cols[4].Float()
		if closep <= 0 {
			return true
		}
		tick := models.CandleTick{
			InstID:       instID,
			Open:         cols[1].Float(),
			High:         cols[2].Float(),
			Low:          cols[3].Float(),
			Close:        closep,
			Start:        start,
			End:          start.Add(tfDur),
			TimeframeRaw: timeframe,
		}
		if len(cols) >= 6 {
			tick.Volume = cols[5].Float()
		}
		if len(cols) >= 8 {
			tick.QuoteVolume = cols[7].Float()
		}
		res = append(res, models.MarketData{Symbol: instID, Timeframe: timeframe, Candle: tick, ReceivedAt: now})
		return true
	})
	return res
}

func timeframeToDuration(tf string) time.Duration {
	switch strings.ToLower(tf) {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "4h":
		return 4 * time.Hour
	case "1d":
		return 24 * time.Hour
	}
	if n, err := strconv.Atoi(strings.TrimSuffix(tf, "s")); err == nil && strings.HasSuffix(tf, "s") {
		return time.Duration(n) * time.Second
	}
	return 0
}

func okxBar(tf string) string {
	switch strings.ToLower(strings.TrimSpace(tf)) {
	case "1h", "60m":
		return "1H"
	case "2h":
		return "2H"
	case "4h":
		return "4H"
	case "1d":
		return "1D"
	default:
		return tf
	}
}
