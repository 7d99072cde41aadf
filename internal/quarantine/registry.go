// Package quarantine implements the persistent stop-loss quarantine: a
// symbol that exits via stop-loss MaxStops times within Window is blocked
// from new entries for Block. Every mutation is persisted atomically to
// state/quarantine.json so the block survives restarts.
package quarantine

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"tradekernel/internal/store"
)

const fileName = "quarantine.json"

// Policy sets the stop-counting window and block duration.
// Defaults: 2 stops within 1h blocks for 4h.
type Policy struct {
	MaxStops int
	Window   time.Duration
	Block    time.Duration
}

// state is the persisted shape: {"stops": {SYM: [ts,...]}, "blocked": {SYM: ts}}.
// Timestamps are unix seconds.
type state struct {
	Stops   map[string][]int64 `json:"stops"`
	Blocked map[string]int64   `json:"blocked"`
}

// Registry tracks recent stop-loss exits per symbol and the resulting
// blocks. Single logical writer (the engine loop); the mutex guards
// concurrent reads from guards and the control plane.
type Registry struct {
	policy Policy
	st     *store.Store
	logger *slog.Logger

	mu sync.Mutex
	s  state

	now func() time.Time
}

// New creates a registry, restoring persisted state if present.
func New(policy Policy, st *store.Store, logger *slog.Logger) (*Registry, error) {
	if policy.MaxStops <= 0 {
		policy.MaxStops = 2
	}
	if policy.Window <= 0 {
		policy.Window = time.Hour
	}
	if policy.Block <= 0 {
		policy.Block = 4 * time.Hour
	}

	r := &Registry{
		policy: policy,
		st:     st,
		logger: logger.With("component", "quarantine"),
		s:      state{Stops: map[string][]int64{}, Blocked: map[string]int64{}},
		now:    time.Now,
	}

	var loaded state
	ok, err := st.Load(fileName, &loaded)
	if err != nil {
		return nil, err
	}
	if ok {
		if loaded.Stops == nil {
			loaded.Stops = map[string][]int64{}
		}
		if loaded.Blocked == nil {
			loaded.Blocked = map[string]int64{}
		}
		r.s = loaded
	}
	return r, nil
}

// RecordStop registers a stop-loss exit for a symbol. If the pruned window
// now holds MaxStops or more stops, the symbol is blocked for Block.
func (r *Registry) RecordStop(symbol string) {
	sym := Normalize(symbol)
	now := r.now()

	r.mu.Lock()
	stops := prune(r.s.Stops[sym], now.Add(-r.policy.Window).Unix())
	stops = append(stops, now.Unix())
	r.s.Stops[sym] = stops

	if len(stops) >= r.policy.MaxStops {
		until := now.Add(r.policy.Block).Unix()
		r.s.Blocked[sym] = until
		r.logger.Warn("symbol quarantined",
			"symbol", sym,
			"stops_in_window", len(stops),
			"until", time.Unix(until, 0),
		)
	}
	r.persistLocked()
	r.mu.Unlock()
}

// IsQuarantined reports whether the symbol is blocked, and the remaining
// block duration. Expired blocks are removed (and the removal persisted).
func (r *Registry) IsQuarantined(symbol string) (bool, time.Duration) {
	sym := Normalize(symbol)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	until, ok := r.s.Blocked[sym]
	if !ok {
		return false, 0
	}
	if now.Unix() >= until {
		delete(r.s.Blocked, sym)
		r.persistLocked()
		return false, 0
	}
	return true, time.Duration(until-now.Unix()) * time.Second
}

// Lift removes a symbol's block and stop history (operator override).
func (r *Registry) Lift(symbol string) {
	sym := Normalize(symbol)

	r.mu.Lock()
	delete(r.s.Blocked, sym)
	delete(r.s.Stops, sym)
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("quarantine lifted", "symbol", sym)
}

// Blocked returns a snapshot of currently blocked symbols and their expiry.
func (r *Registry) Blocked() map[string]time.Time {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]time.Time, len(r.s.Blocked))
	for sym, until := range r.s.Blocked {
		if until > now.Unix() {
			out[sym] = time.Unix(until, 0)
		}
	}
	return out
}

func (r *Registry) persistLocked() {
	if err := r.st.Save(fileName, r.s); err != nil {
		r.logger.Error("failed to persist quarantine state", "error", err)
	}
}

// Normalize upper-cases a symbol and strips any venue suffix
// ("btcusdt.binance" → "BTCUSDT").
func Normalize(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexByte(sym, '.'); i >= 0 {
		sym = sym[:i]
	}
	return sym
}

// prune drops timestamps at or before the cutoff.
func prune(ts []int64, cutoff int64) []int64 {
	out := ts[:0]
	for _, t := range ts {
		if t > cutoff {
			out = append(out, t)
		}
	}
	return out
}
