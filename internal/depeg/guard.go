// Package depeg watches stablecoin parity and halts trading when a
// deviation holds for enough consecutive ticks. The deviation is the max
// over the watch set of |price − 1|·100 for direct parity pairs and
// |a/b − 1|·100 for ratio pairs written "A/B". On confirmation the guard
// arms a cooldown, fires risk.depeg_trigger and health HALTED, disables
// trading, and optionally flattens positions and switches the preferred
// quote. Every action is best-effort: failures are logged, never re-raised.
package depeg

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/health"
	"tradekernel/internal/metrics"
	"tradekernel/internal/router"
	"tradekernel/pkg/types"
)

// Config mirrors the depeg policy knobs.
type Config struct {
	ThresholdPct   float64
	ConfirmWindows int
	Cooldown       time.Duration
	ExitRisk       bool
	SwitchQuote    bool
	WatchSymbols   []string // "USDTUSDC" direct, "BTCUSDT/BTCUSDC" ratio
}

// Trigger is the payload fired on risk.depeg_trigger.
type Trigger struct {
	DeviationPct float64   `json:"deviation_pct"`
	At           time.Time `json:"at"`
}

// PriceFn resolves a last price; usually Registry-backed.
type PriceFn func(ctx context.Context, symbol string) (float64, error)

// Guard is the tick-driven parity watcher.
type Guard struct {
	cfg    Config
	price  PriceFn
	reg    *router.Registry
	bus    *bus.Bus
	met    *metrics.Set
	logger *slog.Logger

	mu        sync.Mutex
	confirm   int
	safeUntil time.Time
	now       func() time.Time
}

// New creates a guard.
func New(cfg Config, price PriceFn, reg *router.Registry, b *bus.Bus, met *metrics.Set, logger *slog.Logger) *Guard {
	if cfg.ConfirmWindows <= 0 {
		cfg.ConfirmWindows = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Minute
	}
	if len(cfg.WatchSymbols) == 0 {
		cfg.WatchSymbols = []string{"USDTUSDC"}
	}
	return &Guard{
		cfg:    cfg,
		price:  price,
		reg:    reg,
		bus:    b,
		met:    met,
		logger: logger.With("component", "depeg"),
		now:    time.Now,
	}
}

// Active reports whether a confirmed depeg's cooldown is still running.
// The guard chain rejects intents with reason DEPEG while active.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.safeUntil)
}

// Tick evaluates one observation cycle. Called by the supervised loop.
func (g *Guard) Tick(ctx context.Context) {
	g.mu.Lock()
	inCooldown := g.now().Before(g.safeUntil)
	g.mu.Unlock()
	if inCooldown {
		return
	}

	dev := g.Deviation(ctx)

	g.mu.Lock()
	if dev >= g.cfg.ThresholdPct {
		g.confirm++
	} else {
		g.confirm = 0
	}
	confirmed := g.confirm >= g.cfg.ConfirmWindows
	if confirmed {
		g.confirm = 0
		g.safeUntil = g.now().Add(g.cfg.Cooldown)
	}
	g.mu.Unlock()

	if confirmed {
		g.trigger(ctx, dev)
	}
}

// Deviation computes the max parity deviation in percent over the watch set.
func (g *Guard) Deviation(ctx context.Context) float64 {
	var max float64
	for _, w := range g.cfg.WatchSymbols {
		var dev float64
		if a, b, ok := strings.Cut(w, "/"); ok {
			pa, errA := g.price(ctx, a)
			pb, errB := g.price(ctx, b)
			if errA != nil || errB != nil || pb == 0 {
				continue
			}
			dev = abs(pa/pb-1) * 100
		} else {
			px, err := g.price(ctx, w)
			if err != nil {
				continue
			}
			dev = abs(px-1) * 100
		}
		if dev > max {
			max = dev
		}
	}
	return max
}

func (g *Guard) trigger(ctx context.Context, dev float64) {
	g.met.DepegTriggers.Inc()
	g.logger.Error("depeg confirmed", "deviation_pct", dev, "cooldown", g.cfg.Cooldown)

	g.bus.Fire(bus.TopicDepegTrigger, Trigger{DeviationPct: dev, At: g.now()})
	g.bus.Fire(bus.TopicHealth, health.Event{State: health.StateHalted, Reason: "depeg"})

	g.reg.SetTradingEnabled(false)

	if g.cfg.ExitRisk {
		g.exitPositions(ctx)
	}
	if g.cfg.SwitchQuote {
		for _, c := range g.reg.Adapters() {
			if qs, ok := c.(router.QuoteSwitcher); ok {
				qs.SetPreferredQuote("USDC")
			}
		}
	}
}

// exitPositions submits reduce-only market exits for every open position.
func (g *Guard) exitPositions(ctx context.Context) {
	for _, c := range g.reg.Adapters() {
		positions, err := c.ListPositions(ctx)
		if err != nil {
			g.logger.Error("depeg exit: list positions failed", "venue", c.Venue(), "error", err)
			continue
		}
		for _, p := range positions {
			if p.Qty == 0 {
				continue
			}
			side := sideToFlatten(p.Qty)
			qty := abs(p.Qty)
			if _, err := c.PlaceMarket(ctx, p.Symbol, side, 0, qty, ""); err != nil {
				g.logger.Error("depeg exit failed", "symbol", p.Symbol, "error", err)
			} else {
				g.logger.Warn("depeg exit placed", "symbol", p.Symbol, "side", side, "qty", qty)
			}
		}
	}
}

func sideToFlatten(qty float64) types.Side {
	if qty > 0 {
		return types.SELL
	}
	return types.BUY
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
