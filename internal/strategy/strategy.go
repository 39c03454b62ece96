package strategy

import (
	"context"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"trade_engine/internal/models"
)

var (
	ErrUnknownType   = errors.New("unknown strategy type")
	ErrInvalidParams = errors.New("invalid strategy params")
)

// Strategy turns market data into signals. Callbacks for one instance are
// never run concurrently by the engine.
type Strategy interface {
	Name() string
	Initialize(params map[string]any) error
	OnMarketData(ctx context.Context, md models.MarketData, snap *models.StrategyContext) ([]models.Signal, error)
	OnOrderFilled(ctx context.Context, o models.Order) error
	OnPositionUpdate(ctx context.Context, p models.Position) error
	Shutdown(ctx context.Context) error
	// State is a one-line description for logs and status.
	State() string
}

type Constructor func() Strategy

// Factory maps a type tag to its constructor.
type Factory struct {
	mu    sync.RWMutex
	ctors map[models.StrategyType]Constructor
}

// NewFactory returns a factory with the built-in strategies registered.
func NewFactory() *Factory {
	f := &Factory{ctors: map[models.StrategyType]Constructor{}}
	f.Register(models.StrategyDonchian, func() Strategy { return NewDonchian() })
	f.Register(models.StrategyEMARSI, func() Strategy { return NewEMARSI() })
	return f
}

func (f *Factory) Register(typ models.StrategyType, ctor Constructor) {
	f.mu.Lock()
	f.ctors[typ] = ctor
	f.mu.Unlock()
}

func (f *Factory) Create(typ models.StrategyType) (Strategy, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[typ]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", typ)
	}
	return ctor(), nil
}

func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	res := make([]string, 0, len(f.ctors))
	for t := range f.ctors {
		res = append(res, string(t))
	}
	sort.Strings(res)
	return res
}

// decodeParams decodes loosely typed config params into out. Unknown keys
// are an error.
func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return errors.Wrap(ErrInvalidParams, err.Error())
	}
	return nil
}

// series keeps a bounded window of candles for one symbol.
type series struct {
	high, low, close []float64
	cap              int
}

func newSeries(capacity int) *series { return &series{cap: capacity} }

func (s *series) push(c models.CandleTick) {
	s.high = append(s.high, c.High)
	s.low = append(s.low, c.Low)
	s.close = append(s.close, c.Close)
	if n := len(s.close); n > s.cap {
		s.high = s.high[n-s.cap:]
		s.low = s.low[n-s.cap:]
		s.close = s.close[n-s.cap:]
	}
}

func (s *series) len() int { return len(s.close) }

// positions tracks the side this strategy holds per symbol.
type positions struct {
	mu   sync.Mutex
	side map[string]models.Side
}

func newPositions() *positions { return &positions{side: map[string]models.Side{}} }

func (p *positions) update(pos models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.IsFlat() {
		delete(p.side, pos.Symbol)
		return
	}
	p.side[pos.Symbol] = pos.Side
}

func (p *positions) get(symbol string) models.Side {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.side[symbol]
}

func signal(md models.MarketData, side models.Side, typ models.SignalType, strength float64, reason string) models.Signal {
	return models.Signal{
		Symbol:    md.Symbol,
		Side:      side,
		Type:      typ,
		Strength:  strength,
		Timestamp: md.Candle.End,
		Reason:    reason,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
