package trading

import (
	"fmt"
	"strings"

	"trade_engine/internal/engine"
	"trade_engine/internal/execution"
	"trade_engine/internal/pipeline"
	"trade_engine/internal/risk"
	"trade_engine/pkg/circuit"
)

// Reporter renders operator replies for the Telegram commands.
type Reporter struct {
	eng     *engine.Engine
	tracker *execution.PositionTracker
	rm      *risk.Manager
	pl      *pipeline.Pipeline
	cb      *circuit.Breaker
}

func NewReporter(eng *engine.Engine, exec *execution.Executor, rm *risk.Manager, pl *pipeline.Pipeline, cb *circuit.Breaker) *Reporter {
	return &Reporter{eng: eng, tracker: exec.Tracker(), rm: rm, pl: pl, cb: cb}
}

func (r *Reporter) StatusText() string {
	var b strings.Builder
	st := r.eng.Stats()
	fmt.Fprintf(&b, "strategies: %d running / %d total, %d errored\n", st.Running, st.Total, st.Errored)
	for _, s := range r.eng.Statuses() {
		fmt.Fprintf(&b, "  %s [%s] signals=%d errors=%d\n", s.ID, s.Lifecycle, s.SignalsGenerated, s.TotalErrors)
	}

	daily := r.rm.Status().Daily
	state := "ok"
	if daily.Tripped {
		state = "TRIPPED"
	}
	fmt.Fprintf(&b, "daily pnl %s: realized %s, unrealized %s (%s)\n",
		daily.TradingDay, daily.RealizedToday.StringFixed(2), daily.UnrealizedToday.StringFixed(2), state)

	if r.pl != nil {
		ps := r.pl.Stats()
		fmt.Fprintf(&b, "ticks=%d signals=%d submitted=%d rejected=%d failed=%d\n",
			ps.Ticks, ps.Signals, ps.Submitted, ps.Rejected, ps.Failed)
	}
	if r.cb != nil {
		fmt.Fprintf(&b, "exchange breaker: %s", r.cb.State())
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Reporter) PositionsText() string {
	pos := r.tracker.Positions()
	if len(pos) == 0 {
		return "no open positions"
	}
	var b strings.Builder
	for _, p := range pos {
		side := "LONG"
		if !p.IsLong() {
			side = "SHORT"
		}
		fmt.Fprintf(&b, "%s %s %s @ %s upl=%s (%s)\n", p.Symbol, side,
			p.Quantity.String(), p.AverageEntryPrice.StringFixed(4), p.UnrealizedPnL.StringFixed(2), p.StrategyID)
	}
	return strings.TrimRight(b.String(), "\n")
}
