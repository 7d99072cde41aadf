// auth.go implements the control-plane dependency guard: shared-secret
// token check (env value or file, re-read on mtime change so rotation
// needs no restart), the two-man approver allow-list, and the
// idempotency-key replay store.
package ops

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Request headers checked by the guard.
const (
	HeaderToken    = "X-Ops-Token"
	HeaderApprover = "X-Ops-Approver"
	HeaderIdemKey  = "Idempotency-Key"
)

// TokenSource resolves the current shared secret. An empty secret means
// the control plane is misconfigured (503 on mutating endpoints).
type TokenSource struct {
	static string
	file   string

	mu       sync.Mutex
	cached   string
	cachedAt time.Time // mtime of the file backing cached
}

// NewTokenSource prefers the file over the static value.
func NewTokenSource(static, file string) *TokenSource {
	return &TokenSource{static: static, file: file}
}

// Secret returns the active secret, or "" when none is configured.
func (t *TokenSource) Secret() string {
	if t.file == "" {
		return t.static
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.file)
	if err != nil {
		// Fall back to the static secret if the file vanished.
		return t.static
	}
	if !info.ModTime().Equal(t.cachedAt) {
		data, err := os.ReadFile(t.file)
		if err != nil {
			return t.static
		}
		t.cached = strings.TrimSpace(string(data))
		t.cachedAt = info.ModTime()
	}
	return t.cached
}

// Check validates a presented token in constant time.
func (t *TokenSource) Check(presented string) (ok, configured bool) {
	secret := t.Secret()
	if secret == "" {
		return false, false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1, true
}

// Approvers is the two-man allow-list.
type Approvers struct {
	tokens []string
}

// NewApprovers builds the allow-list from the comma-separated config.
func NewApprovers(tokens []string) *Approvers {
	return &Approvers{tokens: tokens}
}

// Check reports whether the presented approver token is on the list.
func (a *Approvers) Check(presented string) bool {
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}

// idemEntry is one reserved-or-filled canonical response. done is closed
// once the response fields are set; after that they are immutable.
type idemEntry struct {
	bodyHash string
	status   int
	header   http.Header
	body     []byte
	at       time.Time
	filled   bool
	done     chan struct{}
}

// IdemStore retains canonical responses per Idempotency-Key and replays
// them byte-equal on repeats. Same key with a different request body is a
// conflict. A key is reserved before its handler runs, so a concurrent
// repeat waits for the first execution instead of running again.
type IdemStore struct {
	mu        sync.Mutex
	entries   map[string]*idemEntry
	retention time.Duration
	now       func() time.Time
}

// NewIdemStore creates a store (default retention 24h).
func NewIdemStore(retention time.Duration) *IdemStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdemStore{
		entries:   make(map[string]*idemEntry),
		retention: retention,
		now:       time.Now,
	}
}

// Begin reserves (key, body). owner is true for the caller that must run
// the handler and Fill the entry; a repeat with the same body blocks until
// the owner fills and then replays. conflict is true when the key exists
// with a different body.
func (s *IdemStore) Begin(key string, body []byte) (entry *idemEntry, conflict, owner bool) {
	hash := hashBody(body)

	s.mu.Lock()
	s.sweepLocked()

	e, ok := s.entries[key]
	if !ok {
		e = &idemEntry{bodyHash: hash, at: s.now(), done: make(chan struct{})}
		s.entries[key] = e
		s.mu.Unlock()
		return e, false, true
	}
	s.mu.Unlock()

	if e.bodyHash != hash {
		return nil, true, false
	}
	<-e.done
	return e, false, false
}

// Fill records the canonical response on a reserved entry and releases
// any waiters.
func (s *IdemStore) Fill(e *idemEntry, status int, header http.Header, respBody []byte) {
	s.mu.Lock()
	e.status = status
	e.header = header.Clone()
	e.body = bytes.Clone(respBody)
	e.at = s.now()
	e.filled = true
	s.mu.Unlock()
	close(e.done)
}

func (s *IdemStore) sweepLocked() {
	cutoff := s.now().Add(-s.retention)
	for k, e := range s.entries {
		if e.filled && e.at.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
