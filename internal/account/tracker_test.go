package account

import (
	"math"
	"testing"

	"tradekernel/pkg/types"
)

func fill(sym string, side types.Side, px, qty float64) types.Fill {
	return types.Fill{Symbol: sym, Side: side, AvgPrice: px, Qty: qty}
}

func TestAddToPositionAveragesEntry(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("BTCUSDT", types.BUY, 30000, 0.1))
	tr.OnFill(fill("BTCUSDT", types.BUY, 32000, 0.1))

	st := tr.State(map[string]float64{"BTCUSDT": 31000})
	if st.OpenPositions != 1 {
		t.Fatalf("positions = %d, want 1", st.OpenPositions)
	}
	if got := st.SymbolExposure["BTCUSDT"]; math.Abs(got-6200) > 1e-6 {
		t.Errorf("exposure = %v, want 6200", got)
	}
	if tr.RealizedPnL() != 0 {
		t.Errorf("adding must not realize pnl, got %v", tr.RealizedPnL())
	}
}

func TestReduceRealizesPnL(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("BTCUSDT", types.BUY, 30000, 0.2))
	tr.OnFill(fill("BTCUSDT", types.SELL, 31000, 0.1))

	if got := tr.RealizedPnL(); math.Abs(got-100) > 1e-6 {
		t.Errorf("realized = %v, want 100", got)
	}
	st := tr.State(nil)
	if st.OpenPositions != 1 {
		t.Errorf("positions = %d, want 1 (half still open)", st.OpenPositions)
	}
}

func TestFullCloseRemovesPosition(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("BTCUSDT", types.BUY, 30000, 0.1))
	tr.OnFill(fill("BTCUSDT", types.SELL, 29000, 0.1))

	if got := tr.RealizedPnL(); math.Abs(got+100) > 1e-6 {
		t.Errorf("realized = %v, want -100", got)
	}
	if st := tr.State(nil); st.OpenPositions != 0 {
		t.Errorf("positions = %d, want 0", st.OpenPositions)
	}
}

func TestFlipThroughZero(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("BTCUSDT", types.BUY, 30000, 0.1))
	tr.OnFill(fill("BTCUSDT", types.SELL, 31000, 0.3))

	// Closing 0.1 realizes +100; the residual 0.2 is a short at 31000.
	if got := tr.RealizedPnL(); math.Abs(got-100) > 1e-6 {
		t.Errorf("realized = %v, want 100", got)
	}
	st := tr.State(map[string]float64{"BTCUSDT": 31000})
	if st.OpenPositions != 1 {
		t.Fatalf("positions = %d, want 1", st.OpenPositions)
	}
	if got := st.SymbolExposure["BTCUSDT"]; math.Abs(got-6200) > 1e-6 {
		t.Errorf("short exposure = %v, want 6200", got)
	}
}

func TestShortSidePnL(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("ETHUSDT", types.SELL, 2000, 1))
	tr.OnFill(fill("ETHUSDT", types.BUY, 1900, 1))

	if got := tr.RealizedPnL(); math.Abs(got-100) > 1e-6 {
		t.Errorf("short realized = %v, want 100", got)
	}
}

func TestSymbolsNormalized(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)

	tr.OnFill(fill("btcusdt.binance", types.BUY, 30000, 0.1))
	tr.OnFill(fill("BTCUSDT", types.SELL, 30000, 0.1))

	if st := tr.State(nil); st.OpenPositions != 0 {
		t.Error("qualified and bare forms must hit the same position")
	}
}

func TestStateUsesEntryWhenNoMark(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)
	tr.OnFill(fill("BTCUSDT", types.BUY, 30000, 0.1))

	st := tr.State(nil)
	if got := st.SymbolExposure["BTCUSDT"]; math.Abs(got-3000) > 1e-6 {
		t.Errorf("exposure at entry = %v, want 3000", got)
	}
}

func TestEquityAndRiskSetters(t *testing.T) {
	t.Parallel()
	tr := NewTracker(10_000)
	tr.SetEquity(12_000)
	tr.SetOpenRiskSum(0.04)

	st := tr.State(nil)
	if st.EquityUSD != 12_000 || st.OpenRiskSumPct != 0.04 {
		t.Errorf("state = %+v", st)
	}
}
