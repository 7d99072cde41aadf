// Package policy implements the dynamic risk and sizing policy: a pure
// function from (regime, strategy context, market snapshot, account state)
// to a risk posture (mode) and concrete trade parameters — size, stop
// distance, concurrency caps, and drawdown limits.
//
// All numeric constants in this package are contract, not tunables.
package policy

import (
	"math"

	"tradekernel/pkg/types"
)

// Mode is the categorical risk posture.
type Mode string

const (
	ModeRed    Mode = "red"
	ModeYellow Mode = "yellow"
	ModeGreen  Mode = "green"
)

// Strategy families recognized by the risk table.
const (
	StratScalp    = "scalp"
	StratMomentum = "momentum"
	StratTrend    = "trend"
	StratEvent    = "event"
)

// Context identifies the strategy asking for sizing.
type Context struct {
	Strategy  string // scalp | momentum | trend | event
	Timeframe string // 1m | 5m | 15m | 1h | 4h
}

// Decision is the full sizing output.
type Decision struct {
	Mode          Mode    `json:"mode"`
	SizeUSD       float64 `json:"size_usd"`
	StopPct       float64 `json:"stop_pct"`
	MaxPositions  int     `json:"max_positions"`
	RiskCapSumR   float64 `json:"risk_cap_sum_r"`
	DailyStopPct  float64 `json:"daily_stop_pct"`
	PeakStopPct   float64 `json:"peak_drawdown_stop_pct"`
}

// per-trade risk fraction by strategy family and mode.
var riskTable = map[string]map[Mode]float64{
	StratScalp:    {ModeRed: 0.004, ModeYellow: 0.008, ModeGreen: 0.012},
	StratMomentum: {ModeRed: 0.005, ModeYellow: 0.010, ModeGreen: 0.016},
	StratTrend:    {ModeRed: 0.006, ModeYellow: 0.012, ModeGreen: 0.022},
	StratEvent:    {ModeRed: 0.004, ModeYellow: 0.009, ModeGreen: 0.014},
}

// timeframe adjustment to the per-trade risk fraction.
var timeframeAdj = map[string]float64{
	"1m":  -0.0015,
	"5m":  -0.001,
	"15m": 0,
	"1h":  0.001,
	"4h":  0.002,
}

// stop multiplier base by strategy family.
var kBase = map[string]float64{
	StratScalp:    0.9,
	StratMomentum: 1.2,
	StratTrend:    1.6,
	StratEvent:    1.3,
}

// per-mode budget caps.
var (
	modeRiskBudget = map[Mode]float64{ModeRed: 0.04, ModeYellow: 0.07, ModeGreen: 0.10}
	impactCap      = map[Mode]float64{ModeRed: 0.01, ModeYellow: 0.015, ModeGreen: 0.02}
	basePositions  = map[Mode]int{ModeRed: 3, ModeYellow: 6, ModeGreen: 10}
	baseRiskCap    = map[Mode]float64{ModeRed: 0.03, ModeYellow: 0.06, ModeGreen: 0.09}
	baseDailyStop  = map[Mode]float64{ModeRed: 0.035, ModeYellow: 0.055, ModeGreen: 0.075}
	basePeakStop   = map[Mode]float64{ModeRed: 0.12, ModeYellow: 0.18, ModeGreen: 0.24}
)

// ChooseMode scores the regime signal and maps it to a mode.
// Deterministic; green at score >= 0.65, red at score <= -0.35.
func ChooseMode(r types.Regime) Mode {
	score := Score(r)
	switch {
	case score >= 0.65:
		return ModeGreen
	case score <= -0.35:
		return ModeRed
	default:
		return ModeYellow
	}
}

// Score computes the raw regime score behind mode selection.
func Score(r types.Regime) float64 {
	volAdj := 0.0
	switch r.Vol {
	case types.VolHigh:
		volAdj = 0.15
	case types.VolLow:
		volAdj = -0.10
	}
	ddPenalty := 0.8 * math.Max(0, r.Drawdown7d-0.10)

	return (r.PWin1h-0.5)*2 +
		0.8*math.Tanh(r.PnLSlope1h) +
		(r.BreadthUp-0.5)*2 +
		volAdj -
		ddPenalty
}

// Evaluate derives the full sizing decision.
func Evaluate(r types.Regime, sc Context, snap types.Snapshot, acct types.AccountState) Decision {
	return EvaluateWithMode(ChooseMode(r), r, sc, snap, acct)
}

// EvaluateWithMode derives the sizing decision under a fixed mode
// (operator override); Evaluate is the auto-mode form.
func EvaluateWithMode(mode Mode, r types.Regime, sc Context, snap types.Snapshot, acct types.AccountState) Decision {
	stopPct := StopPct(sc.Strategy, snap)
	risk := perTradeRisk(sc, mode)

	// Free risk budget after currently open trades.
	freeRisk := math.Max(0, modeRiskBudget[mode]-acct.OpenRiskSumPct)
	riskUse := risk
	if freeRisk > 0 {
		riskUse = math.Min(risk, freeRisk)
	} else {
		riskUse = risk / 2
	}

	sizeByRisk := acct.EquityUSD * riskUse / stopPct
	sizeByLiq := impactCap[mode] * snap.Vol1mUSD

	quality := math.Max(0.05, math.Min(1, 1-snap.SpreadBps/50)) * (0.5 + 0.5*snap.LiqScore)

	sizeUSD := math.Min(sizeByRisk*quality, sizeByLiq)

	maxPos, riskCap := concurrencyCaps(mode, acct)
	daily, peak := drawdownCaps(mode, r)

	return Decision{
		Mode:         mode,
		SizeUSD:      sizeUSD,
		StopPct:      stopPct,
		MaxPositions: maxPos,
		RiskCapSumR:  riskCap,
		DailyStopPct: daily,
		PeakStopPct:  peak,
	}
}

// StopPct derives the stop distance from ATR and snapshot quality.
// The multiplier starts at the strategy's base, widens with spread above
// 5 bps and with event heat, and tightens with liquidity above 0.8.
func StopPct(strategy string, snap types.Snapshot) float64 {
	base, ok := kBase[strategy]
	if !ok {
		base = kBase[StratMomentum]
	}

	spreadPenalty := math.Min(0.5, math.Max(0, (snap.SpreadBps-5)/50))
	liqBonus := math.Min(0.2, math.Max(0, snap.LiqScore-0.8))
	heatBonus := 0.3 * snap.EventHeat

	k := math.Max(0.6, base+spreadPenalty-liqBonus+heatBonus)
	return math.Max(0.002, k*math.Max(0.001, snap.ATRPct))
}

// perTradeRisk looks up the table entry and applies the timeframe
// adjustment, clamped to a 0.0005 floor.
func perTradeRisk(sc Context, mode Mode) float64 {
	row, ok := riskTable[sc.Strategy]
	if !ok {
		row = riskTable[StratMomentum]
	}
	risk := row[mode] + timeframeAdj[sc.Timeframe]
	return math.Max(0.0005, risk)
}

// concurrencyCaps scales position count with equity and decays the
// residual risk cap as open positions exceed the base allowance.
func concurrencyCaps(mode Mode, acct types.AccountState) (int, float64) {
	scale := 1 + math.Min(0.5, math.Log10(math.Max(1, acct.EquityUSD/2000))*0.25)
	maxPos := int(math.Floor(float64(basePositions[mode]) * scale))

	riskCap := baseRiskCap[mode]
	if excess := acct.OpenPositions - basePositions[mode]; excess > 0 {
		riskCap /= 1 + 0.25*float64(excess)
	}
	return maxPos, riskCap
}

// drawdownCaps applies a stress penalty for 7d drawdown beyond 10% and a
// small confidence bonus for strong p_win, clamped to hard floors.
func drawdownCaps(mode Mode, r types.Regime) (daily, peak float64) {
	stress := math.Max(0, r.Drawdown7d-0.10)
	bonus := 0.01 * math.Max(0, r.PWin1h-0.6)

	daily = math.Max(0.02, baseDailyStop[mode]-0.5*stress+bonus)
	peak = math.Max(0.08, basePeakStop[mode]-stress+2*bonus)
	return daily, peak
}
