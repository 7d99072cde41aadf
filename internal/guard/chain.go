// Package guard evaluates order intents through an ordered chain of policy
// gates. The first non-OK gate wins: evaluation stops, the reason is
// counted (rollup skip_<reason> and the rejection metric), and the intent
// never reaches the router. Rejections are policy outcomes, not errors.
package guard

import (
	"log/slog"
	"strings"
	"time"

	"tradekernel/internal/metrics"
	"tradekernel/internal/policy"
	"tradekernel/internal/rollup"
	"tradekernel/pkg/types"
)

// Reason is a gate verdict. Empty means pass.
type Reason string

const (
	OK         Reason = ""
	Kill       Reason = "KILL"
	Quarantine Reason = "QUARANTINE"
	Cooldown   Reason = "COOLDOWN"
	Spread     Reason = "SPREAD"
	Depeg      Reason = "DEPEG"
	Exposure   Reason = "EXPOSURE"
	Pos        Reason = "POS"
	Latency    Reason = "LATENCY"
	DD         Reason = "DD"
	SizeMin    Reason = "SIZE_MIN"
)

// Eval carries everything a gate may consult for one intent.
type Eval struct {
	Intent   types.Intent
	Snap     types.Snapshot
	Acct     types.AccountState
	Decision policy.Decision
	Now      time.Time
}

// Gate is one named step in the chain.
type Gate struct {
	Name  string
	Check func(e Eval) Reason
}

// Chain is the ordered gate list plus rejection accounting.
type Chain struct {
	gates  []Gate
	daily  *rollup.Daily
	ring   *rollup.Ring
	met    *metrics.Set
	logger *slog.Logger
}

// New creates a chain from an explicit gate ordering.
func New(gates []Gate, daily *rollup.Daily, ring *rollup.Ring, met *metrics.Set, logger *slog.Logger) *Chain {
	return &Chain{
		gates:  gates,
		daily:  daily,
		ring:   ring,
		met:    met,
		logger: logger.With("component", "guard"),
	}
}

// Evaluate runs the intent through the chain. Gates after the first
// non-OK verdict are not invoked.
func (c *Chain) Evaluate(e Eval) Reason {
	for _, g := range c.gates {
		if reason := g.Check(e); reason != OK {
			c.reject(e.Intent, g.Name, reason)
			return reason
		}
	}
	return OK
}

func (c *Chain) reject(intent types.Intent, gate string, reason Reason) {
	key := "skip_" + strings.ToLower(string(reason))
	c.daily.IncSymbol(key, intent.Symbol, 1)
	c.ring.Inc(key, 1)
	c.met.GuardRejections.WithLabelValues(string(reason)).Inc()
	c.logger.Debug("intent rejected",
		"symbol", intent.Symbol,
		"side", intent.Side,
		"gate", gate,
		"reason", reason,
	)
}

// Deps are the stateful collaborators consulted by the default gates.
type Deps struct {
	KillActive     func() bool
	IsQuarantined  func(symbol string) (bool, time.Duration)
	CooldownOK     func(key string, now time.Time) bool
	DepegActive    func() bool
	ConsumeLatency func(symbol string) (float64, bool)
	DailyLossPct   func() float64 // today's loss as a fraction of equity, >= 0
	PeakDrawPct    func() float64 // drawdown from equity peak, >= 0
}

// Limits are the configuration-owned thresholds; the rest come from the
// sizing decision per evaluation.
type Limits struct {
	MaxSpreadBps float64
	MaxLatencyMs float64
	MinOrderUSD  float64
	MaxSymbolUSD float64
}

// DefaultGates assembles the standard ordering: cheap hard gates first.
func DefaultGates(d Deps, lim Limits) []Gate {
	return []Gate{
		{Name: "kill", Check: func(e Eval) Reason {
			if d.KillActive() {
				return Kill
			}
			return OK
		}},
		{Name: "quarantine", Check: func(e Eval) Reason {
			if blocked, _ := d.IsQuarantined(e.Intent.Symbol); blocked {
				return Quarantine
			}
			return OK
		}},
		{Name: "cooldown", Check: func(e Eval) Reason {
			key := e.Intent.Strategy + ":" + e.Intent.Symbol
			if !d.CooldownOK(key, e.Now) {
				return Cooldown
			}
			return OK
		}},
		{Name: "spread", Check: func(e Eval) Reason {
			if e.Snap.SpreadBps > lim.MaxSpreadBps {
				return Spread
			}
			return OK
		}},
		{Name: "depeg", Check: func(e Eval) Reason {
			if d.DepegActive() {
				return Depeg
			}
			return OK
		}},
		{Name: "exposure", Check: func(e Eval) Reason {
			if e.Acct.SymbolExposure[e.Intent.Symbol]+orderNotional(e) > lim.MaxSymbolUSD {
				return Exposure
			}
			if e.Acct.OpenPositions >= e.Decision.MaxPositions {
				return Pos
			}
			if e.Acct.OpenRiskSumPct >= e.Decision.RiskCapSumR {
				return Exposure
			}
			return OK
		}},
		{Name: "latency", Check: func(e Eval) Reason {
			if ms, ok := d.ConsumeLatency(e.Intent.Symbol); ok && ms > lim.MaxLatencyMs {
				return Latency
			}
			return OK
		}},
		{Name: "drawdown", Check: func(e Eval) Reason {
			if d.DailyLossPct() >= e.Decision.DailyStopPct {
				return DD
			}
			if d.PeakDrawPct() >= e.Decision.PeakStopPct {
				return DD
			}
			return OK
		}},
		{Name: "size_min", Check: func(e Eval) Reason {
			if orderNotional(e) < lim.MinOrderUSD {
				return SizeMin
			}
			return OK
		}},
	}
}

// orderNotional estimates the USD notional of the intent.
func orderNotional(e Eval) float64 {
	if e.Intent.QuoteUSD > 0 {
		return e.Intent.QuoteUSD
	}
	return e.Intent.Quantity * e.Snap.Mark
}
