package contextsync

import (
	"context"

	"trade_engine/internal/models"
)

// AnalyticsProvider supplies precomputed analytics. Implementations return
// empty results, not errors, when nothing is known for a ticker.
type AnalyticsProvider interface {
	FetchGlobalScores(ctx context.Context, marketType string) ([]models.GlobalScore, error)
	FetchRouteStates(ctx context.Context, tickers []string) (map[string]models.RouteState, error)
	FetchScreening(ctx context.Context, preset string) ([]models.ScreeningResult, error)
	FetchFeatures(ctx context.Context, tickers []string) (map[string]models.StructuralFeatures, error)
	FetchMarketRegimes(ctx context.Context, tickers []string) (map[string]models.MarketRegime, error)
	FetchMacroEnvironment(ctx context.Context) (*models.MacroEnvironment, error)
	FetchMarketBreadth(ctx context.Context) (*models.MarketBreadth, error)
}

// StaticProvider serves a fixed bundle. The zero value serves nothing and
// is what paper trading runs with.
type StaticProvider struct {
	Bundle models.AnalyticsBundle
}

func (p StaticProvider) FetchGlobalScores(context.Context, string) ([]models.GlobalScore, error) {
	res := make([]models.GlobalScore, 0, len(p.Bundle.GlobalScores))
	for _, s := range p.Bundle.GlobalScores {
		res = append(res, s)
	}
	return res, nil
}

func (p StaticProvider) FetchRouteStates(_ context.Context, tickers []string) (map[string]models.RouteState, error) {
	return pick(p.Bundle.RouteStates, tickers), nil
}

func (p StaticProvider) FetchScreening(_ context.Context, preset string) ([]models.ScreeningResult, error) {
	return p.Bundle.Screening[preset], nil
}

func (p StaticProvider) FetchFeatures(_ context.Context, tickers []string) (map[string]models.StructuralFeatures, error) {
	return pick(p.Bundle.Features, tickers), nil
}

func (p StaticProvider) FetchMarketRegimes(_ context.Context, tickers []string) (map[string]models.MarketRegime, error) {
	return pick(p.Bundle.Regimes, tickers), nil
}

func (p StaticProvider) FetchMacroEnvironment(context.Context) (*models.MacroEnvironment, error) {
	return p.Bundle.Macro, nil
}

func (p StaticProvider) FetchMarketBreadth(context.Context) (*models.MarketBreadth, error) {
	return p.Bundle.Breadth, nil
}

func pick[V any](m map[string]V, keys []string) map[string]V {
	res := make(map[string]V, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			res[k] = v
		}
	}
	return res
}
