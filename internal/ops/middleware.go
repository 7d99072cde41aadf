package ops

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// errorBody is the structured error shape for every non-2xx response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Message: msg})
}

// requireToken enforces the shared-secret check. No configured secret is
// an operator error, not a caller error, hence 503.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, configured := s.tokens.Check(r.Header.Get(HeaderToken))
		if !configured {
			writeError(w, http.StatusServiceUnavailable, "token_unconfigured",
				"control-plane token is not configured")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid ops token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireApprover enforces two-man approval.
func (s *Server) requireApprover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.approve.Check(r.Header.Get(HeaderApprover)) {
			writeError(w, http.StatusForbidden, "approver_required",
				"missing or unknown approver token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseRecorder buffers a handler's response so it can be stored as
// the canonical reply for an idempotency key.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header        { return r.header }
func (r *responseRecorder) WriteHeader(status int)     { r.status = status }
func (r *responseRecorder) Write(p []byte) (int, error) { return r.body.Write(p) }

// idempotent requires an Idempotency-Key, replays the stored canonical
// response for repeats, and rejects key reuse with a different body. The
// key is reserved before the handler runs, so concurrent repeats execute
// the handler exactly once: late arrivals wait and replay.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdemKey)
		if key == "" {
			writeError(w, http.StatusBadRequest, "idempotency_key_required",
				"Idempotency-Key header is required")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_body", "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		entry, conflict, owner := s.idem.Begin(key, body)
		if conflict {
			writeError(w, http.StatusConflict, "idempotency_conflict",
				"Idempotency-Key was already used with a different request body")
			return
		}
		if !owner {
			replay(w, entry)
			return
		}

		rec := newRecorder()
		next.ServeHTTP(rec, r)

		s.idem.Fill(entry, rec.status, rec.header, rec.body.Bytes())
		replayRecorded(w, rec)
	})
}

func replay(w http.ResponseWriter, e *idemEntry) {
	for k, vs := range e.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(e.status)
	w.Write(e.body)
}

func replayRecorded(w http.ResponseWriter, rec *responseRecorder) {
	for k, vs := range rec.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(rec.status)
	w.Write(rec.body.Bytes())
}
