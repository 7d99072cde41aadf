// Package telemetry holds the kernel's rolling sample windows: tick→order
// latency (bounded FIFO with percentiles) and the trailing-24h realized
// PnL delta. Each window has its own lock; there is no coupling between
// them.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"tradekernel/internal/quarantine"
)

const defaultLatencyCap = 400

// LatencyWindow keeps the most recent latency samples plus a
// most-recent-per-symbol map with pop semantics, so a single consumer can
// claim the latest sample for a symbol exactly once.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64 // ms, FIFO bounded at cap
	cap     int
	latest  map[string]float64 // keyed by raw and normalized symbol
}

// NewLatencyWindow creates a window bounded at capacity (default 400).
func NewLatencyWindow(capacity int) *LatencyWindow {
	if capacity <= 0 {
		capacity = defaultLatencyCap
	}
	return &LatencyWindow{
		cap:    capacity,
		latest: make(map[string]float64),
	}
}

// Record appends a latency sample and updates the per-symbol latest map
// under both the raw symbol and its normalized base form.
func (w *LatencyWindow) Record(symbol string, ms float64) {
	w.mu.Lock()
	w.samples = append(w.samples, ms)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
	w.latest[symbol] = ms
	if base := quarantine.Normalize(symbol); base != symbol {
		w.latest[base] = ms
	}
	w.mu.Unlock()
}

// Consume atomically pops the latest sample for a symbol (raw or
// normalized key), returning ok=false if none is pending.
func (w *LatencyWindow) Consume(symbol string) (ms float64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := []string{symbol}
	if base := quarantine.Normalize(symbol); base != symbol {
		keys = append(keys, base)
	}
	for _, k := range keys {
		if v, found := w.latest[k]; found {
			ms, ok = v, true
			break
		}
	}
	if ok {
		for _, k := range keys {
			delete(w.latest, k)
		}
	}
	return ms, ok
}

// Percentiles returns (p50, p95) over the current samples using linear
// interpolation on a sorted snapshot. Returns zeros with fewer than two
// samples.
func (w *LatencyWindow) Percentiles() (p50, p95 float64) {
	w.mu.Lock()
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	w.mu.Unlock()

	if len(sorted) < 2 {
		return 0, 0
	}
	sort.Float64s(sorted)
	p50 = stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	p95 = stat.Quantile(0.95, stat.LinInterp, sorted, nil)
	return p50, p95
}

// Size returns the number of retained samples.
func (w *LatencyWindow) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

type pnlPoint struct {
	ts    time.Time
	total float64
}

// PnLWindow tracks (timestamp, realized total) pairs over the trailing 24h
// and reports the delta against the oldest surviving point.
type PnLWindow struct {
	mu     sync.Mutex
	points []pnlPoint
	span   time.Duration
	now    func() time.Time
}

// NewPnLWindow creates a trailing window (default span 24h).
func NewPnLWindow(span time.Duration) *PnLWindow {
	if span <= 0 {
		span = 24 * time.Hour
	}
	return &PnLWindow{span: span, now: time.Now}
}

// Record appends the current realized total, prunes entries older than the
// span, and returns total minus the oldest surviving total.
func (w *PnLWindow) Record(totalUSD float64) float64 {
	now := w.now()
	cutoff := now.Add(-w.span)

	w.mu.Lock()
	defer w.mu.Unlock()

	i := 0
	for i < len(w.points) && w.points[i].ts.Before(cutoff) {
		i++
	}
	w.points = w.points[i:]
	w.points = append(w.points, pnlPoint{ts: now, total: totalUSD})

	return totalUSD - w.points[0].total
}

// Delta returns the current trailing delta without recording a point.
func (w *PnLWindow) Delta() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.points) == 0 {
		return 0
	}
	return w.points[len(w.points)-1].total - w.points[0].total
}
