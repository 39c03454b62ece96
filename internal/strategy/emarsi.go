package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/pkg/errors"

	"trade_engine/internal/models"
)

type EMARSIParams struct {
	EMAShort   int     `mapstructure:"ema_short"`
	EMALong    int     `mapstructure:"ema_long"`
	RSIPeriod  int     `mapstructure:"rsi_period"`
	Overbought float64 `mapstructure:"rsi_overbought"`
	Oversold   float64 `mapstructure:"rsi_oversold"`
}

func defaultEMARSIParams() EMARSIParams {
	return EMARSIParams{EMAShort: 9, EMALong: 21, RSIPeriod: 14, Overbought: 70, Oversold: 30}
}

type emarsiSnapshot struct {
	emaShort, emaLong, rsi float64
}

// EMARSI buys oversold dips while the short EMA is above the long one and
// sells overbought rallies in a downtrend. An RSI extreme against a held
// position exits it.
type EMARSI struct {
	p EMARSIParams

	mu     sync.Mutex
	series map[string]*series
	last   map[string]emarsiSnapshot
	pos    *positions
}

func NewEMARSI() *EMARSI {
	return &EMARSI{p: defaultEMARSIParams()}
}

func (s *EMARSI) Name() string { return string(models.StrategyEMARSI) }

func (s *EMARSI) Initialize(params map[string]any) error {
	p := defaultEMARSIParams()
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	switch {
	case p.EMAShort < 2 || p.EMALong <= p.EMAShort:
		return errors.Wrapf(ErrInvalidParams, "ema_short=%d ema_long=%d", p.EMAShort, p.EMALong)
	case p.RSIPeriod < 2:
		return errors.Wrapf(ErrInvalidParams, "rsi_period=%d", p.RSIPeriod)
	case p.Oversold <= 0 || p.Overbought >= 100 || p.Oversold >= p.Overbought:
		return errors.Wrapf(ErrInvalidParams, "rsi bounds %.1f/%.1f", p.Oversold, p.Overbought)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
	s.series = map[string]*series{}
	s.last = map[string]emarsiSnapshot{}
	s.pos = newPositions()
	return nil
}

func (s *EMARSI) warmup() int {
	n := s.p.EMALong
	if s.p.RSIPeriod+1 > n {
		n = s.p.RSIPeriod + 1
	}
	return n
}

func (s *EMARSI) OnMarketData(_ context.Context, md models.MarketData, _ *models.StrategyContext) ([]models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.series == nil {
		return nil, errors.New("emarsi: not initialized")
	}

	sr, ok := s.series[md.Symbol]
	if !ok {
		sr = newSeries(s.warmup() * 4)
		s.series[md.Symbol] = sr
	}
	sr.push(md.Candle)
	if sr.len() < s.warmup() {
		return nil, nil
	}

	short := last(talib.Ema(sr.close, s.p.EMAShort))
	long := last(talib.Ema(sr.close, s.p.EMALong))
	rsi := last(talib.Rsi(sr.close, s.p.RSIPeriod))
	s.last[md.Symbol] = emarsiSnapshot{emaShort: short, emaLong: long, rsi: rsi}

	held := s.pos.get(md.Symbol)
	switch {
	case held == models.SideBuy && rsi > s.p.Overbought:
		return []models.Signal{signal(md, models.SideSell, models.SignalExit, 0.9,
			fmt.Sprintf("rsi %.1f overbought, exit long", rsi))}, nil
	case held == models.SideSell && rsi < s.p.Oversold:
		return []models.Signal{signal(md, models.SideBuy, models.SignalExit, 0.9,
			fmt.Sprintf("rsi %.1f oversold, exit short", rsi))}, nil
	case held != models.SideNone:
		return nil, nil
	case short > long && rsi < s.p.Oversold:
		strength := clamp01(0.6 + (s.p.Oversold-rsi)/100)
		return []models.Signal{signal(md, models.SideBuy, models.SignalEntry, strength,
			fmt.Sprintf("ema %.5f > %.5f, rsi %.1f < %.1f", short, long, rsi, s.p.Oversold))}, nil
	case short < long && rsi > s.p.Overbought:
		strength := clamp01(0.6 + (rsi-s.p.Overbought)/100)
		return []models.Signal{signal(md, models.SideSell, models.SignalEntry, strength,
			fmt.Sprintf("ema %.5f < %.5f, rsi %.1f > %.1f", short, long, rsi, s.p.Overbought))}, nil
	}
	return nil, nil
}

func (s *EMARSI) OnOrderFilled(context.Context, models.Order) error { return nil }

func (s *EMARSI) OnPositionUpdate(_ context.Context, p models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos != nil {
		s.pos.update(p)
	}
	return nil
}

func (s *EMARSI) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = nil
	return nil
}

func (s *EMARSI) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.last) == 0 {
		return "emarsi: warmup"
	}
	symbols := make([]string, 0, len(s.last))
	for sym := range s.last {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	var b strings.Builder
	fmt.Fprintf(&b, "emarsi[%d/%d rsi=%d]", s.p.EMAShort, s.p.EMALong, s.p.RSIPeriod)
	for _, sym := range symbols {
		v := s.last[sym]
		fmt.Fprintf(&b, " %s(ema_s=%.4f ema_l=%.4f rsi=%.1f)", sym, v.emaShort, v.emaLong, v.rsi)
	}
	return b.String()
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[len(xs)-1]
}
