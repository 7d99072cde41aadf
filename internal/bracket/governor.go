// Package bracket attaches protective orders after fills: a reduce-only
// take-profit limit and, when stop amendment is allowed, a reduce-only
// stop. Subscribes to trade.fill; errors are logged and swallowed so a
// venue hiccup never escapes the handler.
package bracket

import (
	"context"
	"log/slog"
	"time"

	"tradekernel/internal/bus"
	"tradekernel/internal/router"
	"tradekernel/pkg/types"
)

// Config mirrors the bracket policy knobs.
type Config struct {
	TPBps          float64
	SLBps          float64
	AllowStopAmend bool
	CallTimeout    time.Duration
}

// Governor issues TP/SL orders on fills.
type Governor struct {
	cfg    Config
	reg    *router.Registry
	logger *slog.Logger
}

// New creates a governor and subscribes it to the fill topic.
func New(cfg Config, reg *router.Registry, b *bus.Bus, logger *slog.Logger) *Governor {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	g := &Governor{
		cfg:    cfg,
		reg:    reg,
		logger: logger.With("component", "bracket"),
	}
	b.Subscribe(bus.TopicFill, g.handleFill)
	return g
}

func (g *Governor) handleFill(ctx context.Context, payload any) {
	fill, ok := payload.(types.Fill)
	if !ok {
		return
	}
	// Brackets only protect fresh entries; bracket exits must not recurse.
	if fill.Intent == types.IntentBracketTP || fill.Intent == types.IntentBracketSL {
		return
	}
	if fill.Qty <= 0 || fill.AvgPrice <= 0 {
		return
	}

	tpPx, slPx := Levels(fill.Side, fill.AvgPrice, g.cfg.TPBps, g.cfg.SLBps)

	client, base, err := g.reg.Resolve(fill.Symbol)
	if err != nil {
		g.logger.Error("no venue for fill", "symbol", fill.Symbol, "error", err)
		return
	}

	exitSide := fill.Side.Opposite()

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	if _, err := client.PlaceReduceOnlyLimit(cctx, base, exitSide, fill.Qty, tpPx); err != nil {
		g.logger.Error("bracket TP failed", "symbol", base, "px", tpPx, "error", err)
	} else {
		g.logger.Info("bracket TP placed", "symbol", base, "side", exitSide, "px", tpPx, "qty", fill.Qty)
	}

	if g.cfg.AllowStopAmend {
		if _, err := client.AmendStopReduceOnly(cctx, base, exitSide, slPx, fill.Qty); err != nil {
			g.logger.Error("bracket SL failed", "symbol", base, "px", slPx, "error", err)
		} else {
			g.logger.Info("bracket SL placed", "symbol", base, "side", exitSide, "px", slPx, "qty", fill.Qty)
		}
	}
}

// Levels computes the TP and SL prices for a filled entry. For a BUY the
// TP sits above and the SL below; a SELL mirrors both around the average.
func Levels(side types.Side, avg, tpBps, slBps float64) (tpPx, slPx float64) {
	tpMult := 1 + tpBps/10000
	slMult := 1 - slBps/10000
	if side == types.BUY {
		return avg * tpMult, avg * slMult
	}
	return avg * (2 - tpMult), avg * (2 - slMult)
}
