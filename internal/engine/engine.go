// Package engine wires the kernel together: the bus, the supervised
// background tasks, the guard chain in front of the router, and the
// control-plane surface. It owns the kill switch, the risk-mode override,
// strategy toggles, and the externally-pushed regime/account gauges.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradekernel/internal/account"
	"tradekernel/internal/bracket"
	"tradekernel/internal/bus"
	"tradekernel/internal/config"
	"tradekernel/internal/cooldown"
	"tradekernel/internal/depeg"
	"tradekernel/internal/digest"
	"tradekernel/internal/fees"
	"tradekernel/internal/guard"
	"tradekernel/internal/health"
	"tradekernel/internal/metrics"
	"tradekernel/internal/notify"
	"tradekernel/internal/policy"
	"tradekernel/internal/quarantine"
	"tradekernel/internal/rollup"
	"tradekernel/internal/router"
	"tradekernel/internal/runner"
	"tradekernel/internal/scheduler"
	"tradekernel/internal/store"
	"tradekernel/internal/stream"
	"tradekernel/internal/telemetry"
	"tradekernel/internal/watch"
	"tradekernel/pkg/types"
)

// ModeAuto clears the operator mode override.
const ModeAuto = "auto"

var errUnknownStrategy = errors.New("engine: unknown strategy")

// stratState is one strategy's toggle and allocator weight.
type stratState struct {
	Enabled   bool    `json:"enabled"`
	RiskShare float64 `json:"risk_share"`
}

// Engine is the kernel orchestrator. It implements ops.Controller.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	met      *metrics.Set
	bus      *bus.Bus
	sup      *runner.Supervisor
	watchdog *runner.Watchdog
	sched    *scheduler.Scheduler

	registry *router.Registry
	spot     *router.Spot
	futures  *router.Futures

	quar     *quarantine.Registry
	opsStore *store.Store
	cool     *cooldown.Map
	daily    *rollup.Daily
	ring     *rollup.Ring
	latency  *telemetry.LatencyWindow
	pnl      *telemetry.PnLWindow
	acct     *account.Tracker
	chain    *guard.Chain
	depeg    *depeg.Guard
	feeMgr   *fees.Manager
	notifier *health.Notifier
	sink     notify.Sink

	kill atomic.Bool

	mu         sync.RWMutex
	modeOver   string // "" means auto
	regime     types.Regime
	snapshots  map[string]types.Snapshot
	strategies map[string]*stratState
	gauges     map[string]float64
	extPnL     float64 // cumulative externally-reported pnl
}

// New assembles the engine from configuration. The returned engine is
// inert until Run is called; the control plane may be attached immediately.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	met := metrics.New()
	b := bus.New(cfg.Bus.QueueSize, met, logger)

	st, err := store.Open(cfg.State.Dir)
	if err != nil {
		return nil, err
	}
	quar, err := quarantine.New(quarantine.Policy{
		MaxStops: cfg.Quarantine.MaxStops,
		Window:   cfg.Quarantine.Window,
		Block:    cfg.Quarantine.Block,
	}, st, logger)
	if err != nil {
		return nil, err
	}

	opsStore, err := store.Open(cfg.State.OpsDir)
	if err != nil {
		return nil, err
	}

	reg := router.NewRegistry(cfg.Venues.Default, cfg.Venues.SymbolMap)
	spot := router.NewSpot("SPOT", cfg.Venues.Spot.BaseURL,
		cfg.Venues.Spot.APIKey, cfg.Venues.Spot.APISecret,
		cfg.Venues.CallTimeout, cfg.DryRun, logger)
	fut := router.NewFutures("BINANCE", cfg.Venues.Futures.BaseURL,
		cfg.Venues.Futures.APIKey, cfg.Venues.Futures.APISecret,
		cfg.Venues.CallTimeout, cfg.DryRun, logger)
	reg.Register(spot)
	reg.Register(fut)

	var sink notify.Sink = notify.Noop{}
	if cfg.Notify.TelegramToken != "" {
		sink = notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, logger)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		met:        met,
		bus:        b,
		sup:        runner.New(ctx, runner.Options{TaskGrace: cfg.Runner.TaskGrace, ShutdownDeadline: cfg.Runner.ShutdownDeadline}, met, logger),
		watchdog:   runner.NewWatchdog(cfg.Runner.WatchdogInterval, cfg.Runner.WatchdogTimeout, logger),
		sched:      scheduler.New(logger),
		registry:   reg,
		spot:       spot,
		futures:    fut,
		quar:       quar,
		opsStore:   opsStore,
		cool:       cooldown.New(cfg.Guards.CooldownTTL),
		daily:      rollup.NewDaily(),
		ring:       rollup.NewRing(cfg.Rollup.BucketMinutes, cfg.Rollup.MaxBuckets),
		latency:    telemetry.NewLatencyWindow(0),
		pnl:        telemetry.NewPnLWindow(0),
		acct:       account.NewTracker(0),
		sink:       sink,
		snapshots:  make(map[string]types.Snapshot),
		strategies: defaultStrategies(),
		gauges:     make(map[string]float64),
	}

	e.chain = guard.New(guard.DefaultGates(guard.Deps{
		KillActive:     e.kill.Load,
		IsQuarantined:  quar.IsQuarantined,
		CooldownOK:     e.cool.Allow,
		DepegActive:    func() bool { return e.depeg != nil && e.depeg.Active() },
		ConsumeLatency: e.latency.Consume,
		DailyLossPct:   e.dailyLossPct,
		PeakDrawPct:    e.peakDrawPct,
	}, guard.Limits{
		MaxSpreadBps: cfg.Guards.MaxSpreadBps,
		MaxLatencyMs: cfg.Guards.MaxLatencyMs,
		MinOrderUSD:  cfg.Guards.MinOrderUSD,
		MaxSymbolUSD: cfg.Guards.MaxSymbolUSD,
	}), e.daily, e.ring, met, logger)

	e.notifier = health.New(b, sink, cfg.Health.Debounce, cfg.Health.NotifyEnabled, met, logger)

	if cfg.Bracket.Enabled {
		bracket.New(bracket.Config{
			TPBps:          cfg.Bracket.TPBps,
			SLBps:          cfg.Bracket.SLBps,
			AllowStopAmend: cfg.Bracket.AllowStopAmend,
			CallTimeout:    cfg.Venues.CallTimeout,
		}, reg, b, logger)
	}

	if cfg.Depeg.Enabled {
		e.depeg = depeg.New(depeg.Config{
			ThresholdPct:   cfg.Depeg.ThresholdPct,
			ConfirmWindows: cfg.Depeg.ConfirmWindows,
			Cooldown:       cfg.Depeg.Cooldown,
			ExitRisk:       cfg.Depeg.ExitRisk,
			SwitchQuote:    cfg.Depeg.SwitchQuote,
			WatchSymbols:   cfg.Depeg.WatchSymbols,
		}, e.lastPrice, reg, b, met, logger)
	}

	if cfg.Fees.Enabled {
		e.feeMgr = fees.New(fees.Config{
			Asset:             cfg.Fees.Asset,
			TopupThresholdUSD: cfg.Fees.TopupThresholdUSD,
			TopupAmountUSD:    cfg.Fees.TopupAmountUSD,
			MinTopupInterval:  cfg.Fees.MinTopupInterval,
		}, spot, logger)
	}

	b.Subscribe(bus.TopicFill, e.onFill)
	b.Subscribe(bus.TopicModelPromoted, e.onModelPromoted)
	e.mirrorStrategyTopics()

	return e, nil
}

// mirrorStrategyTopics counts the externally-published strategy pipeline
// events in the daily and 6h rollups. A string payload is the symbol
// (the skip topic carries the reason instead).
func (e *Engine) mirrorStrategyTopics() {
	mirror := map[string]string{
		bus.TopicPlanDry:  "plans_dry",
		bus.TopicPlanLive: "plans_live",
		bus.TopicBOTrade:  "trades",
		bus.TopicBOHalf:   "half_applied",
		bus.TopicBOTrail:  "trails",
	}
	for topic, key := range mirror {
		e.bus.Subscribe(topic, func(ctx context.Context, payload any) {
			if sym, ok := payload.(string); ok && sym != "" {
				sym = quarantine.Normalize(sym)
				e.daily.IncSymbol(key, sym, 1)
				e.ring.IncSymbol(key, sym, 1)
				return
			}
			e.daily.Inc(key, 1)
			e.ring.Inc(key, 1)
		})
	}

	e.bus.Subscribe(bus.TopicBOSkip, func(ctx context.Context, payload any) {
		key := "skip"
		if reason, ok := payload.(string); ok && reason != "" {
			key = "skip_" + strings.ToLower(reason)
		}
		e.daily.Inc(key, 1)
		e.ring.Inc(key, 1)
	})
}

// defaultStrategies seeds the four strategy families enabled with equal
// risk shares.
func defaultStrategies() map[string]*stratState {
	out := make(map[string]*stratState, 4)
	for _, s := range []string{policy.StratScalp, policy.StratMomentum, policy.StratTrend, policy.StratEvent} {
		out[s] = &stratState{Enabled: true, RiskShare: 0.25}
	}
	return out
}

// Run spawns every supervised task and starts the schedule, then blocks
// ticking the watchdog heartbeat until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.sup.Spawn("watchdog", e.watchdog.Run)

	if e.cfg.Stream.URL != "" {
		ws := stream.New(
			stream.Dial(e.cfg.Stream.URL, e.logger),
			e.onOrderUpdate,
			stream.Options{
				ReconnectBackoff: e.cfg.Stream.ReconnectBackoff,
				HealthEnabled:    e.cfg.Stream.HealthEnabled,
				SilenceAlert:     e.cfg.Stream.SilenceAlert,
			}, e.bus, e.logger)
		e.sup.Spawn("ws", ws.Run)
	}

	if e.depeg != nil {
		e.sup.Spawn("depeg", e.depegLoop)
	}

	if len(e.cfg.Models.WatchPaths) > 0 {
		mw := watch.NewModelWatcher(e.cfg.Models.WatchPaths, e.cfg.Models.PollInterval, e.bus, e.logger)
		e.sup.Spawn("model_watch", mw.Run)
	}

	if e.cfg.Digest.Enabled {
		job := digest.New(digest.Config{
			IncludeSymbols: e.cfg.Digest.IncludeSymbols,
			Buckets6h:      e.cfg.Digest.Buckets6h,
		}, e.daily, e.ring, e.latency, e.pnl, e.sink, e.logger)
		if err := e.sched.AddJob(every(e.cfg.Digest.Interval), job); err != nil {
			return fmt.Errorf("schedule digest: %w", err)
		}
	}
	if e.feeMgr != nil {
		if err := e.sched.AddJob(every(e.cfg.Fees.CheckInterval), feeJob{e.feeMgr}); err != nil {
			return fmt.Errorf("schedule fee sweep: %w", err)
		}
	}
	e.sched.Start()

	e.logger.Info("engine running", "dry_run", e.cfg.DryRun)

	beat := time.NewTicker(time.Second)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-beat.C:
			e.watchdog.Tick()
		}
	}
}

// Stop shuts the engine down: schedule first (no new jobs), then the
// supervised tasks, then the bus.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.sup.Shutdown()
	e.bus.Close()
	e.logger.Info("engine stopped")
}

// depegLoop ticks the depeg guard at the configured interval.
func (e *Engine) depegLoop(ctx context.Context) error {
	interval := e.cfg.Depeg.TickInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.depeg.Tick(ctx)
		}
	}
}

// lastPrice resolves a mark through the registry; used by the depeg guard.
func (e *Engine) lastPrice(ctx context.Context, symbol string) (float64, error) {
	client, base, err := e.registry.Resolve(symbol)
	if err != nil {
		return 0, err
	}
	return client.GetLastPrice(ctx, base)
}

// feeJob adapts the fee manager's sweep to the scheduler contract.
type feeJob struct{ m *fees.Manager }

func (j feeJob) Name() string { return "fee_sweep" }
func (j feeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.m.Sweep(ctx)
	return nil
}

// every renders a duration as a cron descriptor.
func every(d time.Duration) string {
	if d <= 0 {
		d = 24 * time.Hour
	}
	return "@every " + d.String()
}

// onOrderUpdate turns terminal venue updates into fill events.
func (e *Engine) onOrderUpdate(ctx context.Context, upd types.OrderUpdate) error {
	if upd.Status != "FILLED" && upd.Status != "PARTIALLY_FILLED" {
		return nil
	}
	e.bus.Fire(bus.TopicFill, types.Fill{
		Symbol:   upd.Symbol,
		Side:     upd.Side,
		AvgPrice: upd.AvgPrice,
		Qty:      upd.Qty,
		OrderID:  upd.OrderID,
		Ts:       upd.Ts,
	})
	return nil
}

// onFill is the engine's own fill accounting: portfolio state, rollups,
// and the stop-loss quarantine/cooldown path.
func (e *Engine) onFill(ctx context.Context, payload any) {
	fill, ok := payload.(types.Fill)
	if !ok {
		return
	}
	e.acct.OnFill(fill)

	sym := quarantine.Normalize(fill.Symbol)
	e.daily.IncSymbol("trades", sym, 1)
	e.ring.IncSymbol("trades", sym, 1)

	if fill.Intent == types.IntentBracketSL {
		e.quar.RecordStop(sym)
		e.cool.Hit(sym, e.cfg.Guards.CooldownTTL, time.Now())
		e.daily.IncSymbol("stops", sym, 1)
	}

	e.pnl.Record(e.acct.RealizedPnL() + e.externalPnL())
}

func (e *Engine) onModelPromoted(ctx context.Context, payload any) {
	p, ok := payload.(watch.Promotion)
	if !ok {
		return
	}
	e.daily.Inc("model_promotions", 1)
	e.bus.Fire(bus.TopicNotify, fmt.Sprintf("model promoted: %v", p.Paths))
}

// SetSnapshot updates the market view for a symbol (upstream adapters).
func (e *Engine) SetSnapshot(snap types.Snapshot) {
	sym := quarantine.Normalize(snap.Symbol)
	e.mu.Lock()
	e.snapshots[sym] = snap
	e.mu.Unlock()
}

// SetRegime replaces the model-produced regime signal.
func (e *Engine) SetRegime(r types.Regime) {
	e.mu.Lock()
	e.regime = r
	e.mu.Unlock()
}

// RecordLatency feeds a tick-to-order latency sample (upstream adapters).
func (e *Engine) RecordLatency(symbol string, ms float64) {
	e.latency.Record(symbol, ms)
}

// Bus exposes the event bus for upstream producers.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Metrics exposes the collector set so the control plane can serve it.
func (e *Engine) Metrics() *metrics.Set { return e.met }

func (e *Engine) externalPnL() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.extPnL
}

// dailyLossPct approximates today's loss fraction from the trailing PnL
// delta against current equity. Gains clamp to zero.
func (e *Engine) dailyLossPct() float64 {
	eq := e.acct.State(nil).EquityUSD
	if eq <= 0 {
		return 0
	}
	delta := e.pnl.Delta()
	if delta >= 0 {
		return 0
	}
	return -delta / eq
}

// peakDrawPct is pushed by upstream accounting via the drawdown gauge.
func (e *Engine) peakDrawPct() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gauges[gaugePeakDraw]
}
