// Package account tracks portfolio state from fill events: per-symbol
// position quantity and average entry, realized PnL, and the exposure
// figures consumed by the guard chain and the sizing policy.
// Thread-safe via RWMutex; fed by the trade.fill topic.
package account

import (
	"math"
	"sync"

	"tradekernel/internal/quarantine"
	"tradekernel/pkg/types"
)

type position struct {
	qty      float64 // signed: >0 long, <0 short
	avgEntry float64
}

// Tracker aggregates fills into account state.
type Tracker struct {
	mu          sync.RWMutex
	equityUSD   float64
	positions   map[string]*position
	realizedPnL float64
	openRiskSum float64
}

// NewTracker creates a tracker seeded with starting equity.
func NewTracker(equityUSD float64) *Tracker {
	return &Tracker{
		equityUSD: equityUSD,
		positions: make(map[string]*position),
	}
}

// OnFill applies a fill. Adding to a position updates the average entry;
// reducing realizes PnL against it. A fill through zero flips the
// position with the residual quantity at the fill price.
func (t *Tracker) OnFill(fill types.Fill) {
	sym := quarantine.Normalize(fill.Symbol)
	signed := fill.Qty
	if fill.Side == types.SELL {
		signed = -fill.Qty
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.positions[sym]
	if p == nil {
		p = &position{}
		t.positions[sym] = p
	}

	switch {
	case p.qty == 0 || sameSign(p.qty, signed):
		totalCost := p.avgEntry*math.Abs(p.qty) + fill.AvgPrice*math.Abs(signed)
		p.qty += signed
		if p.qty != 0 {
			p.avgEntry = totalCost / math.Abs(p.qty)
		}
	case math.Abs(signed) <= math.Abs(p.qty):
		closed := math.Abs(signed)
		t.realizedPnL += pnlOnClose(p.qty, p.avgEntry, fill.AvgPrice, closed)
		p.qty += signed
		if p.qty == 0 {
			p.avgEntry = 0
		}
	default:
		// Fill flips the position: close all, open the residual.
		closed := math.Abs(p.qty)
		t.realizedPnL += pnlOnClose(p.qty, p.avgEntry, fill.AvgPrice, closed)
		p.qty += signed
		p.avgEntry = fill.AvgPrice
	}

	if p.qty == 0 {
		delete(t.positions, sym)
	}
}

// SetEquity updates the equity mark (pushed by upstream accounting).
// Fills never touch equity; they only realize PnL.
func (t *Tracker) SetEquity(usd float64) {
	t.mu.Lock()
	t.equityUSD = usd
	t.mu.Unlock()
}

// SetOpenRiskSum updates the sum of open per-trade risk fractions.
func (t *Tracker) SetOpenRiskSum(frac float64) {
	t.mu.Lock()
	t.openRiskSum = frac
	t.mu.Unlock()
}

// RealizedPnL returns cumulative realized PnL since start.
func (t *Tracker) RealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realizedPnL
}

// State builds the AccountState snapshot using the given marks to value
// exposure; symbols with no mark are valued at their entry price.
func (t *Tracker) State(marks map[string]float64) types.AccountState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	perSymbol := make(map[string]float64, len(t.positions))
	var total float64
	for sym, p := range t.positions {
		px := marks[sym]
		if px <= 0 {
			px = p.avgEntry
		}
		usd := math.Abs(p.qty) * px
		perSymbol[sym] = usd
		total += usd
	}

	return types.AccountState{
		EquityUSD:      t.equityUSD,
		OpenRiskSumPct: t.openRiskSum,
		OpenPositions:  len(t.positions),
		ExposureUSD:    total,
		SymbolExposure: perSymbol,
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// pnlOnClose realizes PnL for closing `closed` units of a position.
func pnlOnClose(qty, avgEntry, fillPx, closed float64) float64 {
	if qty > 0 {
		return (fillPx - avgEntry) * closed
	}
	return (avgEntry - fillPx) * closed
}
