// Package cooldown implements a keyed next-allowed-time map: Hit stores
// now+ttl for a key, Allow reports whether the key's cooldown has passed.
// Entries are evicted lazily on query; nothing is persisted.
package cooldown

import (
	"sync"
	"time"
)

// Map is a concurrency-safe cooldown registry.
type Map struct {
	mu         sync.RWMutex
	next       map[string]time.Time
	defaultTTL time.Duration
}

// New creates a Map with the given default TTL (used when Hit is called
// with ttl <= 0).
func New(defaultTTL time.Duration) *Map {
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Map{
		next:       make(map[string]time.Time),
		defaultTTL: defaultTTL,
	}
}

// Hit starts (or restarts) the cooldown for key at now+ttl.
func (m *Map) Hit(key string, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.mu.Lock()
	m.next[key] = now.Add(ttl)
	m.mu.Unlock()
}

// Allow reports whether key is past its cooldown. Expired entries are
// removed on the way out.
func (m *Map) Allow(key string, now time.Time) bool {
	m.mu.RLock()
	next, ok := m.next[key]
	m.mu.RUnlock()
	if !ok {
		return true
	}
	if now.Before(next) {
		return false
	}

	m.mu.Lock()
	// Re-check under the write lock; a concurrent Hit may have renewed it.
	if next, ok := m.next[key]; ok && !now.Before(next) {
		delete(m.next, key)
	}
	m.mu.Unlock()
	return true
}

// Remaining returns how long until key is allowed again (0 if allowed now).
func (m *Map) Remaining(key string, now time.Time) time.Duration {
	m.mu.RLock()
	next, ok := m.next[key]
	m.mu.RUnlock()
	if !ok || !now.Before(next) {
		return 0
	}
	return next.Sub(now)
}
