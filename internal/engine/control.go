// control.go implements the ops.Controller surface: the operator-facing
// mutations (mode, kill, strategy toggles, allocator weights), the ingest
// endpoints, order submission through the guard chain, and the status
// snapshot.
package engine

import (
	"context"
	"fmt"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/guard"
	"tradekernel/internal/health"
	"tradekernel/internal/ops"
	"tradekernel/internal/policy"
	"tradekernel/internal/quarantine"
	"tradekernel/internal/store"
	"tradekernel/pkg/types"
)

// SetRiskMode forces the risk mode; ModeAuto returns to regime-driven
// selection.
func (e *Engine) SetRiskMode(mode string) error {
	switch mode {
	case ModeAuto, string(policy.ModeRed), string(policy.ModeYellow), string(policy.ModeGreen):
	default:
		return fmt.Errorf("engine: invalid mode %q", mode)
	}

	e.mu.Lock()
	if mode == ModeAuto {
		e.modeOver = ""
	} else {
		e.modeOver = mode
	}
	e.mu.Unlock()

	e.logger.Info("risk mode override", "mode", mode)
	return nil
}

// SetKill flips the kill switch and propagates the gate to every venue
// adapter. Disabling the kill re-enables the adapters.
func (e *Engine) SetKill(enabled bool) {
	if e.kill.Swap(enabled) == enabled {
		return
	}
	e.registry.SetTradingEnabled(!enabled)
	if enabled {
		e.bus.Fire(bus.TopicHealth, health.Event{State: health.StateHalted, Reason: "kill_switch"})
	} else {
		e.bus.Fire(bus.TopicHealth, health.Event{State: health.StateOK, Reason: "kill_cleared"})
	}
	e.logger.Warn("kill switch", "enabled", enabled)
}

// KillActive reports the kill switch state.
func (e *Engine) KillActive() bool { return e.kill.Load() }

// SetAllocatorWeight updates one strategy's risk share.
func (e *Engine) SetAllocatorWeight(strategy string, riskShare float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.strategies[strategy]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownStrategy, strategy)
	}
	st.RiskShare = riskShare
	return nil
}

// SetStrategy toggles a strategy and/or updates its risk share.
func (e *Engine) SetStrategy(strategy string, enabled *bool, riskShare *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.strategies[strategy]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownStrategy, strategy)
	}
	if enabled != nil {
		st.Enabled = *enabled
	}
	if riskShare != nil {
		st.RiskShare = *riskShare
	}
	return nil
}

// strategyEnabled reports whether a strategy may submit intents. Unknown
// strategies pass — toggling only governs the known families.
func (e *Engine) strategyEnabled(strategy string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.strategies[strategy]
	return !ok || st.Enabled
}

// Gauge names with engine-side meaning. Everything else is stored and
// surfaced verbatim in /status.
const (
	gaugeEquity     = "equity_usd"
	gaugeOpenRisk   = "open_risk_sum_pct"
	gaugePWin       = "p_win_1h"
	gaugePnLSlope   = "pnl_slope_1h"
	gaugeDrawdown7d = "drawdown_7d"
	gaugeBreadthUp  = "breadth_up"
	gaugePeakDraw   = "peak_drawdown_pct"
)

// IngestMetric records an externally-pushed gauge. Known names also feed
// the account tracker and the regime signal.
func (e *Engine) IngestMetric(name string, value float64) {
	e.mu.Lock()
	e.gauges[name] = value
	switch name {
	case gaugePWin:
		e.regime.PWin1h = value
	case gaugePnLSlope:
		e.regime.PnLSlope1h = value
	case gaugeDrawdown7d:
		e.regime.Drawdown7d = value
	case gaugeBreadthUp:
		e.regime.BreadthUp = value
	}
	e.mu.Unlock()

	switch name {
	case gaugeEquity:
		e.acct.SetEquity(value)
	case gaugeOpenRisk:
		e.acct.SetOpenRiskSum(value)
	}
}

// IngestTrade records an externally-reported trade outcome in the rollups
// and windows.
func (e *Engine) IngestTrade(t ops.TradeIngest) {
	sym := quarantine.Normalize(t.Symbol)
	if sym != "" {
		e.daily.IncSymbol("trades", sym, 1)
		e.ring.IncSymbol("trades", sym, 1)
	} else {
		e.daily.Inc("trades", 1)
		e.ring.Inc("trades", 1)
	}

	if t.LatencyMs != nil && sym != "" {
		e.latency.Record(sym, *t.LatencyMs)
	}
	if t.PnLUSD != nil {
		e.mu.Lock()
		e.extPnL += *t.PnLUSD
		total := e.extPnL
		e.mu.Unlock()
		e.pnl.Record(e.acct.RealizedPnL() + total)
	}
}

// SetTrainingCursor persists the cursor the external trainer resumes
// from. The engine owns the file; the trainer only reads it.
func (e *Engine) SetTrainingCursor(c store.TrainingCursor) error {
	if err := e.opsStore.SaveCursor(c); err != nil {
		return fmt.Errorf("engine: save training cursor: %w", err)
	}
	return nil
}

// SubmitMarket runs an intent through policy and the guard chain, then
// places it. A non-empty reason is a policy rejection, not an error.
func (e *Engine) SubmitMarket(ctx context.Context, intent types.Intent) (*types.OrderResult, string, error) {
	if !e.strategyEnabled(intent.Strategy) {
		e.daily.IncSymbol("skip_strategy_off", quarantine.Normalize(intent.Symbol), 1)
		return nil, "STRATEGY_OFF", nil
	}

	snap, err := e.snapshotFor(ctx, intent.Symbol)
	if err != nil {
		return nil, "", err
	}

	e.mu.RLock()
	regime := e.regime
	over := e.modeOver
	e.mu.RUnlock()

	marks := map[string]float64{quarantine.Normalize(intent.Symbol): snap.Mark}
	acct := e.acct.State(marks)

	sc := policy.Context{Strategy: intent.Strategy, Timeframe: intent.Timeframe}
	var decision policy.Decision
	if over != "" {
		decision = policy.EvaluateWithMode(policy.Mode(over), regime, sc, snap, acct)
	} else {
		decision = policy.Evaluate(regime, sc, snap, acct)
	}

	// Unsized intents take the policy's size.
	if intent.QuoteUSD <= 0 && intent.Quantity <= 0 {
		intent.QuoteUSD = decision.SizeUSD
	}

	now := time.Now()
	if reason := e.chain.Evaluate(guard.Eval{
		Intent:   intent,
		Snap:     snap,
		Acct:     acct,
		Decision: decision,
		Now:      now,
	}); reason != guard.OK {
		return nil, string(reason), nil
	}

	client, base, err := e.registry.Resolve(intent.Symbol)
	if err != nil {
		return nil, "", err
	}

	cctx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()

	start := time.Now()
	res, err := client.PlaceMarket(cctx, base, intent.Side, intent.QuoteUSD, intent.Quantity, intent.ClientOrderID)
	if err != nil {
		return nil, "", err
	}
	e.latency.Record(base, float64(time.Since(start).Milliseconds()))

	e.met.OrdersPlaced.WithLabelValues(res.Venue, string(intent.Side)).Inc()
	e.daily.IncSymbol("orders", base, 1)
	e.cool.Hit(intent.Strategy+":"+base, e.cfg.Guards.CooldownTTL, now)

	if res.Status == types.OrderFilled && res.FilledQty > 0 {
		e.bus.Fire(bus.TopicFill, types.Fill{
			Symbol:   base,
			Side:     intent.Side,
			AvgPrice: res.AvgFillPrice,
			Qty:      res.FilledQty,
			Venue:    res.Venue,
			Intent:   intent.Tag,
			OrderID:  res.OrderID,
			Ts:       time.Now(),
		})
	}
	return &res, "", nil
}

// snapshotFor returns the pushed snapshot for a symbol, or a minimal one
// built from the venue's last price when none has been pushed.
func (e *Engine) snapshotFor(ctx context.Context, symbol string) (types.Snapshot, error) {
	sym := quarantine.Normalize(symbol)

	e.mu.RLock()
	snap, ok := e.snapshots[sym]
	e.mu.RUnlock()
	if ok {
		return snap, nil
	}

	px, err := e.lastPrice(ctx, symbol)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("engine: no snapshot or mark for %s: %w", sym, err)
	}
	return types.Snapshot{Symbol: sym, Mark: px, LiqScore: 0.5}, nil
}

func (e *Engine) callTimeout() time.Duration {
	if e.cfg.Venues.CallTimeout > 0 {
		return e.cfg.Venues.CallTimeout
	}
	return 5 * time.Second
}

// Status is the full state snapshot behind GET /status.
func (e *Engine) Status() map[string]any {
	e.mu.RLock()
	mode := e.modeOver
	if mode == "" {
		mode = ModeAuto
	}
	regime := e.regime
	strategies := make(map[string]stratState, len(e.strategies))
	for name, st := range e.strategies {
		strategies[name] = *st
	}
	gauges := make(map[string]float64, len(e.gauges))
	for k, v := range e.gauges {
		gauges[k] = v
	}
	e.mu.RUnlock()

	p50, p95 := e.latency.Percentiles()

	st := map[string]any{
		"kill":            e.kill.Load(),
		"mode":            mode,
		"auto_mode":       string(policy.ChooseMode(regime)),
		"health":          health.StateName(e.notifier.State()),
		"depeg_active":    e.depeg != nil && e.depeg.Active(),
		"regime":          regime,
		"account":         e.acct.State(nil),
		"realized_pnl":    e.acct.RealizedPnL(),
		"pnl_24h":         e.pnl.Delta(),
		"latency_p50_ms":  p50,
		"latency_p95_ms":  p95,
		"daily":           e.daily.Counters(),
		"quarantined":     e.quar.Blocked(),
		"strategies":      strategies,
		"gauges":          gauges,
		"dry_run":         e.cfg.DryRun,
	}
	if cursor, ok, err := e.opsStore.LoadCursor(); err == nil && ok {
		st["training_cursor"] = cursor
	}
	return st
}

// Universe returns the configured symbol buckets.
func (e *Engine) Universe() map[string][]string {
	return e.cfg.Universe
}
