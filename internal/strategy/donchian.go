package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"trade_engine/internal/models"
)

type DonchianParams struct {
	// Period is the number of previous candles forming the channel.
	Period   int     `mapstructure:"period"`
	TrendEMA int     `mapstructure:"trend_ema"`
	Strength float64 `mapstructure:"strength"`
}

func defaultDonchianParams() DonchianParams {
	return DonchianParams{Period: 20, TrendEMA: 50, Strength: 0.8}
}

// Donchian trades closes outside the channel of the previous Period
// candles, only in the direction of the trend EMA. An opposite breakout
// exits a held position.
type Donchian struct {
	p DonchianParams

	mu     sync.Mutex
	series map[string]*series
	last   map[string]models.Side
	pos    *positions
}

func NewDonchian() *Donchian {
	return &Donchian{p: defaultDonchianParams()}
}

func (s *Donchian) Name() string { return string(models.StrategyDonchian) }

func (s *Donchian) Initialize(params map[string]any) error {
	p := defaultDonchianParams()
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.Period < 2 || p.TrendEMA < 2 {
		return errors.Wrapf(ErrInvalidParams, "period=%d trend_ema=%d", p.Period, p.TrendEMA)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
	s.series = map[string]*series{}
	s.last = map[string]models.Side{}
	s.pos = newPositions()
	return nil
}

func (s *Donchian) warmup() int {
	if s.p.TrendEMA > s.p.Period+1 {
		return s.p.TrendEMA
	}
	return s.p.Period + 1
}

func (s *Donchian) OnMarketData(_ context.Context, md models.MarketData, _ *models.StrategyContext) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.series == nil {
		return nil, errors.New("donchian: not initialized")
	}

	sr, ok := s.series[md.Symbol]
	if !ok {
		sr = newSeries(s.warmup() * 3)
		s.series[md.Symbol] = sr
	}
	sr.push(md.Candle)
	if sr.len() < s.warmup() {
		return nil, nil
	}

	n := sr.len()
	dh := maxOf(sr.high[n-1-s.p.Period : n-1])
	dl := minOf(sr.low[n-1-s.p.Period : n-1])
	emaSeries := talib.Ema(sr.close, s.p.TrendEMA)
	ema := emaSeries[len(emaSeries)-1]
	c := md.Candle.Close

	var side models.Side
	var reason string
	switch {
	case c > dh && c > ema:
		side = models.SideBuy
		reason = fmt.Sprintf("breakout up: close=%.5f > high=%.5f, ema=%.5f", c, dh, ema)
	case c < dl && c < ema:
		side = models.SideSell
		reason = fmt.Sprintf("breakout down: close=%.5f < low=%.5f, ema=%.5f", c, dl, ema)
	default:
		return nil, nil
	}

	held := s.pos.get(md.Symbol)
	switch {
	case held == side:
		return nil, nil
	case held == side.Opposite():
		s.last[md.Symbol] = side
		return []models.Signal{signal(md, side, models.SignalExit, s.p.Strength, reason)}, nil
	case s.last[md.Symbol] == side:
		// same breakout already signalled and not filled yet
		return nil, nil
	}

	s.last[md.Symbol] = side
	sig := signal(md, side, models.SignalEntry, s.p.Strength, reason)
	if side == models.SideBuy {
		sig.StopLoss = decimal.NewFromFloat(dl)
	} else {
		sig.StopLoss = decimal.NewFromFloat(dh)
	}
	return []models.Signal{sig}, nil
}

func (s *Donchian) OnOrderFilled(context.Context, models.Order) error { return nil }

func (s *Donchian) OnPositionUpdate(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == nil {
		return nil
	}
	s.pos.update(p)
	if p.IsFlat() {
		delete(s.last, p.Symbol)
	}
	return nil
}

func (s *Donchian) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = nil
	return nil
}

func (s *Donchian) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.series) == 0 {
		return "donchian: warmup"
	}
	symbols := make([]string, 0, len(s.series))
	for sym := range s.series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	var b strings.Builder
	fmt.Fprintf(&b, "donchian[period=%d ema=%d]", s.p.Period, s.p.TrendEMA)
	for _, sym := range symbols {
		sr := s.series[sym]
		fmt.Fprintf(&b, " %s(n=%d H=%.5f L=%.5f last=%s)", sym, sr.len(), maxOf(sr.high), minOf(sr.low), s.last[sym])
	}
	return b.String()
}

func maxOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, v := range xs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := xs[0]
	for _, v := range xs[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
