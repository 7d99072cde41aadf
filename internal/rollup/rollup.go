// Package rollup aggregates telemetry counters two ways: a daily rollup
// that resets on the UTC day boundary, and a ring of fixed-size time
// buckets (default 6h × 4) used for the intraday digest breakdown.
//
// Counter keys are free-form metric names ("trades", "plans_live",
// "skip_spread", ...). The daily rollup additionally tracks (key, symbol)
// pairs so the digest can report the most-traded symbols.
package rollup

import (
	"sort"
	"sync"
	"time"
)

// SymbolCount is one (symbol, count) pair from TopSymbols.
type SymbolCount struct {
	Symbol string `json:"symbol"`
	Count  int64  `json:"count"`
}

// Daily is the day-aligned counter set. On every increment, if the UTC day
// boundary has passed, both maps reset and the boundary advances.
type Daily struct {
	mu        sync.Mutex
	counters  map[string]int64
	bySymbol  map[string]map[string]int64 // key -> symbol -> count
	dayStart  time.Time
	now       func() time.Time
}

// NewDaily creates a daily rollup anchored at the current UTC day.
func NewDaily() *Daily {
	d := &Daily{
		counters: make(map[string]int64),
		bySymbol: make(map[string]map[string]int64),
		now:      time.Now,
	}
	d.dayStart = dayStartUTC(d.now())
	return d
}

// Inc adds n to a counter, resetting first if the day rolled over.
func (d *Daily) Inc(key string, n int64) {
	d.mu.Lock()
	d.maybeResetLocked()
	d.counters[key] += n
	d.mu.Unlock()
}

// IncSymbol adds n to both the key counter and the (key, symbol) counter.
func (d *Daily) IncSymbol(key, symbol string, n int64) {
	d.mu.Lock()
	d.maybeResetLocked()
	d.counters[key] += n
	m := d.bySymbol[key]
	if m == nil {
		m = make(map[string]int64)
		d.bySymbol[key] = m
	}
	m[symbol] += n
	d.mu.Unlock()
}

// MaybeReset rolls the day boundary forward if it has passed. Increments
// do this implicitly; the digest job calls it explicitly so an idle day
// still resets.
func (d *Daily) MaybeReset() {
	d.mu.Lock()
	d.maybeResetLocked()
	d.mu.Unlock()
}

// Counters returns a copy of the current counter map.
func (d *Daily) Counters() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeResetLocked()
	out := make(map[string]int64, len(d.counters))
	for k, v := range d.counters {
		out[k] = v
	}
	return out
}

// TopSymbols returns the k highest (symbol, count) pairs for a key,
// sorted descending by count (ties broken by symbol for determinism).
func (d *Daily) TopSymbols(key string, k int) []SymbolCount {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeResetLocked()
	return topK(d.bySymbol[key], k)
}

func (d *Daily) maybeResetLocked() {
	now := d.now()
	if now.Sub(d.dayStart) < 24*time.Hour {
		return
	}
	d.counters = make(map[string]int64)
	d.bySymbol = make(map[string]map[string]int64)
	d.dayStart = dayStartUTC(now)
}

func dayStartUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Bucket is one fixed-size window of counters.
type Bucket struct {
	Start    time.Time                   `json:"start"`
	Counters map[string]int64            `json:"counters"`
	bySymbol map[string]map[string]int64 // key -> symbol -> count
}

// BucketSnapshot is one entry of Ring.Snapshot, newest first.
type BucketSnapshot struct {
	Start      time.Time        `json:"start"`
	Counters   map[string]int64 `json:"counters"`
	TopSymbols []SymbolCount    `json:"top_symbols"`
}

// Ring retains the most recent MaxBuckets fixed-size buckets. A new bucket
// opens on the first increment past the current bucket's end; old buckets
// roll off.
type Ring struct {
	mu         sync.Mutex
	bucketSize time.Duration
	maxBuckets int
	buckets    []*Bucket // oldest first
	now        func() time.Time
}

// NewRing creates a ring of maxBuckets buckets of bucketMinutes each
// (defaults 4 × 360m).
func NewRing(bucketMinutes, maxBuckets int) *Ring {
	if bucketMinutes <= 0 {
		bucketMinutes = 360
	}
	if maxBuckets <= 0 {
		maxBuckets = 4
	}
	return &Ring{
		bucketSize: time.Duration(bucketMinutes) * time.Minute,
		maxBuckets: maxBuckets,
		now:        time.Now,
	}
}

// Inc adds n to a counter in the current bucket.
func (r *Ring) Inc(key string, n int64) {
	r.mu.Lock()
	b := r.currentLocked()
	b.Counters[key] += n
	r.mu.Unlock()
}

// IncSymbol adds n to both the key counter and the (key, symbol) counter
// in the current bucket.
func (r *Ring) IncSymbol(key, symbol string, n int64) {
	r.mu.Lock()
	b := r.currentLocked()
	b.Counters[key] += n
	m := b.bySymbol[key]
	if m == nil {
		m = make(map[string]int64)
		b.bySymbol[key] = m
	}
	m[symbol] += n
	r.mu.Unlock()
}

// Snapshot returns the retained buckets newest-first, each with its
// counters and the top traded symbols.
func (r *Ring) Snapshot() []BucketSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BucketSnapshot, 0, len(r.buckets))
	for i := len(r.buckets) - 1; i >= 0; i-- {
		b := r.buckets[i]
		counters := make(map[string]int64, len(b.Counters))
		for k, v := range b.Counters {
			counters[k] = v
		}
		out = append(out, BucketSnapshot{
			Start:      b.Start,
			Counters:   counters,
			TopSymbols: topK(b.bySymbol["trades"], 5),
		})
	}
	return out
}

// currentLocked returns the bucket covering now, rotating if needed.
func (r *Ring) currentLocked() *Bucket {
	now := r.now()
	start := now.Truncate(r.bucketSize)

	if n := len(r.buckets); n > 0 && r.buckets[n-1].Start.Equal(start) {
		return r.buckets[n-1]
	}

	b := &Bucket{
		Start:    start,
		Counters: make(map[string]int64),
		bySymbol: make(map[string]map[string]int64),
	}
	r.buckets = append(r.buckets, b)
	if len(r.buckets) > r.maxBuckets {
		r.buckets = r.buckets[len(r.buckets)-r.maxBuckets:]
	}
	return b
}

func topK(m map[string]int64, k int) []SymbolCount {
	out := make([]SymbolCount, 0, len(m))
	for sym, n := range m {
		out = append(out, SymbolCount{Symbol: sym, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Symbol < out[j].Symbol
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
