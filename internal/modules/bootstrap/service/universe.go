package service

import (
	"context"
	"sort"
	"strings"

	"trade_engine/internal/engine"
	"trade_engine/pkg/logger"
)

// Universe is the set of instruments the engine streams and trades.
type Universe struct {
	Symbols   []string
	Timeframe string
}

// ResolveUniverse unions the configured symbols with every symbol a
// strategy subscribes to. With neither set it falls back to the n most
// volatile pairs.
func ResolveUniverse(ctx context.Context, symbols []string, strategies []engine.StrategyConfig, wl *OkxWatchlist, n int) []string {
	set := map[string]struct{}{}
	add := func(s string) {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = struct{}{}
		}
	}
	for _, s := range symbols {
		add(s)
	}
	for _, sc := range strategies {
		for _, s := range sc.Symbols {
			add(s)
		}
	}

	if len(set) == 0 && wl != nil {
		top, err := wl.TopVolatile(ctx, n)
		if err != nil {
			logger.Error("[BOOT] watchlist: %v", err)
		}
		for _, s := range top {
			add(s)
		}
	}

	res := make([]string, 0, len(set))
	for s := range set {
		res = append(res, s)
	}
	sort.Strings(res)
	return res
}
