// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the kernel — order intents,
// market snapshots, account state, regime signals, fills, and the router
// result shapes. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import "time"

// Side is the direction of an order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the mirror side, used for reduce-only exits and brackets.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// IntentTag classifies why an order intent exists.
type IntentTag string

const (
	IntentGeneric   IntentTag = "GENERIC"
	IntentBracketTP IntentTag = "BRACKET_TP"
	IntentBracketSL IntentTag = "BRACKET_SL"
)

// Intent is a desired order produced by an upstream strategy and evaluated
// by the guard chain before it reaches the router. Exactly one of QuoteUSD
// or Quantity should be set; QuoteUSD wins when both are.
type Intent struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	QuoteUSD      float64   `json:"quote_usd,omitempty"`
	Quantity      float64   `json:"quantity,omitempty"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Tag           IntentTag `json:"tag,omitempty"`
	Strategy      string    `json:"strategy,omitempty"`
	Timeframe     string    `json:"timeframe,omitempty"`
}

// Snapshot is the per-symbol market view consumed by the guard chain and
// the sizing policy. Produced by upstream market-data adapters.
type Snapshot struct {
	Symbol    string  `json:"symbol"`
	Mark      float64 `json:"mark"`
	ATRPct    float64 `json:"atr_pct"`
	SpreadBps float64 `json:"spread_bps"`
	DepthUSD  float64 `json:"depth_usd"`  // resting depth at ±10 bps
	Vol1mUSD  float64 `json:"vol_1m_usd"` // 1-minute traded notional
	Funding8h float64 `json:"funding_8h"` // optional, 0 when unknown
	EventHeat float64 `json:"event_heat"` // [0,1]
	Velocity  float64 `json:"velocity"`   // short-term price velocity
	LiqScore  float64 `json:"liq_score"`  // [0,1]
}

// AccountState summarizes the portfolio as seen by sizing and guards.
type AccountState struct {
	EquityUSD      float64            `json:"equity_usd"`
	OpenRiskSumPct float64            `json:"open_risk_sum_pct"` // sum of per-trade risk fractions
	OpenPositions  int                `json:"open_positions"`
	ExposureUSD    float64            `json:"exposure_usd"`
	SymbolExposure map[string]float64 `json:"symbol_exposure,omitempty"`
}

// VolState is the coarse volatility regime.
type VolState string

const (
	VolLow  VolState = "low"
	VolMed  VolState = "med"
	VolHigh VolState = "high"
)

// Regime is the model-produced signal feeding mode selection.
type Regime struct {
	PWin1h     float64  `json:"p_win_1h"` // [0,1]
	PnLSlope1h float64  `json:"pnl_slope_1h"`
	Drawdown7d float64  `json:"drawdown_7d"` // fraction of peak
	BreadthUp  float64  `json:"breadth_up"`  // [0,1]
	Vol        VolState `json:"vol"`
}

// Fill is an executed (partial or complete) order notification.
type Fill struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	AvgPrice float64   `json:"avg_price"`
	Qty      float64   `json:"qty"`
	Venue    string    `json:"venue"`
	Intent   IntentTag `json:"intent"`
	OrderID  string    `json:"order_id,omitempty"`
	Ts       time.Time `json:"ts"`
}

// OrderStatus is the router-level outcome of a placement.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderRejected OrderStatus = "REJECTED"
)

// OrderResult is returned by router placement calls.
type OrderResult struct {
	Status       OrderStatus `json:"status"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	FilledQty    float64     `json:"filled_qty"`
	OrderID      string      `json:"order_id"`
	Venue        string      `json:"venue"`
}

// Position is one open venue position as reported by ListPositions.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"` // signed: >0 long, <0 short
	AvgPrice float64 `json:"avg_price"`
}

// OpenOrder is one resting order as reported by ListOpenOrders.
type OpenOrder struct {
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Price   float64 `json:"price"`
	Qty     float64 `json:"qty"`
	OrderID string  `json:"order_id"`
}

// OrderUpdate is a venue user-stream event forwarded by the WS runner.
type OrderUpdate struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Status   string    `json:"status"` // NEW, FILLED, CANCELED, ...
	AvgPrice float64   `json:"avg_price"`
	Qty      float64   `json:"qty"`
	OrderID  string    `json:"order_id"`
	Ts       time.Time `json:"ts"`
}
