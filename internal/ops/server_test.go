package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"tradekernel/internal/config"
	"tradekernel/internal/metrics"
	"tradekernel/internal/store"
	"tradekernel/pkg/types"
)

type fakeController struct {
	killCalls  atomic.Int32
	killState  atomic.Bool
	killDelay  time.Duration
	mode       string
	modeErr    error
	weights    map[string]float64
	gauges     map[string]float64
	trades     []TradeIngest
	submitRes  *types.OrderResult
	submitWhy  string
	submitErr  error
	lastIntent types.Intent
	cursor     *store.TrainingCursor
}

func newFakeController() *fakeController {
	return &fakeController{
		weights: make(map[string]float64),
		gauges:  make(map[string]float64),
	}
}

func (f *fakeController) SetRiskMode(mode string) error {
	if f.modeErr != nil {
		return f.modeErr
	}
	f.mode = mode
	return nil
}

func (f *fakeController) SetKill(enabled bool) {
	if f.killDelay > 0 {
		time.Sleep(f.killDelay)
	}
	f.killCalls.Add(1)
	f.killState.Store(enabled)
}

func (f *fakeController) SetAllocatorWeight(strategy string, riskShare float64) error {
	f.weights[strategy] = riskShare
	return nil
}

func (f *fakeController) SetStrategy(strategy string, enabled *bool, riskShare *float64) error {
	if strategy == "nope" {
		return errors.New("unknown strategy")
	}
	if riskShare != nil {
		f.weights[strategy] = *riskShare
	}
	return nil
}

func (f *fakeController) SetTrainingCursor(c store.TrainingCursor) error {
	f.cursor = &c
	return nil
}

func (f *fakeController) IngestMetric(name string, value float64) { f.gauges[name] = value }
func (f *fakeController) IngestTrade(t TradeIngest)               { f.trades = append(f.trades, t) }

func (f *fakeController) SubmitMarket(ctx context.Context, intent types.Intent) (*types.OrderResult, string, error) {
	f.lastIntent = intent
	return f.submitRes, f.submitWhy, f.submitErr
}

func (f *fakeController) Status() map[string]any {
	return map[string]any{"kill": f.killState.Load()}
}

func (f *fakeController) Universe() map[string][]string {
	return map[string][]string{"core": {"BTCUSDT", "ETHUSDT"}}
}

func newTestServer(ctrl Controller, cfg config.OpsConfig) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, ctrl, metrics.New(), logger)
}

func post(t *testing.T, h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func authed(extra map[string]string) map[string]string {
	h := map[string]string{HeaderToken: "secret"}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func TestUnconfiguredTokenIs503(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{})
	h := s.Handler()

	rec := post(t, h, "/risk/mode", `{"mode":"green"}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var e errorBody
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Code != "token_unconfigured" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestInvalidTokenIs401(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret"})
	h := s.Handler()

	rec := post(t, h, "/risk/mode", `{"mode":"green"}`,
		map[string]string{HeaderToken: "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestKillRequiresApprover(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret", Approvers: []string{"alice"}})
	h := s.Handler()

	rec := post(t, h, "/kill", `{"enabled":true}`, authed(nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ctrl.killCalls.Load() != 0 {
		t.Error("kill must not fire without an approver")
	}
}

func TestKillRequiresIdempotencyKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret", Approvers: []string{"alice"}})
	h := s.Handler()

	rec := post(t, h, "/kill", `{"enabled":true}`,
		authed(map[string]string{HeaderApprover: "alice"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var e errorBody
	json.Unmarshal(rec.Body.Bytes(), &e)
	if e.Code != "idempotency_key_required" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestKillIdempotentReplay(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret", Approvers: []string{"alice"}})
	h := s.Handler()

	headers := authed(map[string]string{
		HeaderApprover: "alice",
		HeaderIdemKey:  "k1",
	})
	first := post(t, h, "/kill", `{"enabled":true}`, headers)
	second := post(t, h, "/kill", `{"enabled":true}`, headers)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = (%d, %d), want (200, 200)", first.Code, second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("replay differs: %q vs %q", first.Body.String(), second.Body.String())
	}
	if ctrl.killCalls.Load() != 1 {
		t.Errorf("kill fired %d times, want exactly once", ctrl.killCalls.Load())
	}
	if !ctrl.killState.Load() {
		t.Error("kill switch not set")
	}
}

func TestIdempotencyKeyReuseWithDifferentBody(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret", Approvers: []string{"alice"}})
	h := s.Handler()

	headers := authed(map[string]string{HeaderApprover: "alice", HeaderIdemKey: "k1"})
	post(t, h, "/kill", `{"enabled":true}`, headers)
	rec := post(t, h, "/kill", `{"enabled":false}`, headers)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if ctrl.killCalls.Load() != 1 {
		t.Errorf("conflicting request must not execute, calls = %d", ctrl.killCalls.Load())
	}
}

func TestConcurrentIdenticalRequestsExecuteOnce(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	ctrl.killDelay = 100 * time.Millisecond
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret", Approvers: []string{"alice"}})
	h := s.Handler()

	headers := authed(map[string]string{HeaderApprover: "alice", HeaderIdemKey: "k1"})
	results := make(chan *httptest.ResponseRecorder, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- post(t, h, "/kill", `{"enabled":true}`, headers)
		}()
	}

	first := <-results
	second := <-results
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status = %d/%d, want 200/200", first.Code, second.Code)
	}
	if got := ctrl.killCalls.Load(); got != 1 {
		t.Errorf("kill executed %d times, want exactly once", got)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Errorf("responses differ: %q vs %q", first.Body.String(), second.Body.String())
	}
}

func TestRiskModeLowercasesAndForwards(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})
	h := s.Handler()

	rec := post(t, h, "/risk/mode", `{"mode":"GREEN"}`, authed(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.mode != "green" {
		t.Errorf("mode = %q, want green", ctrl.mode)
	}
}

func TestRiskModeRejectionIs400(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	ctrl.modeErr = errors.New("unknown mode")
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/risk/mode", `{"mode":"purple"}`, authed(nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAllocatorWeightsValidation(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})
	h := s.Handler()
	headers := authed(map[string]string{HeaderIdemKey: "w1"})

	rec := post(t, h, "/allocator/weights", `{"strategy":"trend","risk_share":1.5}`, headers)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range share: status = %d, want 400", rec.Code)
	}

	headers[HeaderIdemKey] = "w2"
	rec = post(t, h, "/allocator/weights", `{"strategy":"trend","risk_share":0.4}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.weights["trend"] != 0.4 {
		t.Errorf("weight = %v, want 0.4", ctrl.weights["trend"])
	}
}

func TestStrategyEndpointRequiresAField(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/strategies/trend", `{}`,
		authed(map[string]string{HeaderIdemKey: "s1"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMetricIngestAcceptsMap(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/metrics", `{"equity_usd":15000,"p_win_1h":0.7}`, authed(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["accepted"] != 2 {
		t.Errorf("accepted = %d, want 2", resp["accepted"])
	}
	if ctrl.gauges["equity_usd"] != 15000 {
		t.Errorf("gauge not forwarded: %v", ctrl.gauges)
	}
}

func TestTradeIngestRequiresTs(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})
	h := s.Handler()

	rec := post(t, h, "/trades", `{"symbol":"BTCUSDT"}`, authed(nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = post(t, h, "/trades", `{"ts":1724500000,"symbol":"BTCUSDT","pnl_usd":12.5}`, authed(nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(ctrl.trades) != 1 || ctrl.trades[0].Symbol != "BTCUSDT" {
		t.Errorf("trades = %+v", ctrl.trades)
	}
}

func TestMarketOrderValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret"})
	h := s.Handler()

	cases := []struct {
		name, body string
	}{
		{"missing symbol", `{"side":"BUY","quote_usd":100}`},
		{"bad side", `{"symbol":"BTCUSDT","side":"HOLD","quote_usd":100}`},
		{"no size", `{"symbol":"BTCUSDT","side":"BUY"}`},
	}
	for i, c := range cases {
		rec := post(t, h, "/orders/market", c.body,
			authed(map[string]string{HeaderIdemKey: string(rune('a' + i))}))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", c.name, rec.Code)
		}
	}
}

func TestMarketOrderGuardRejection(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	ctrl.submitWhy = "COOLDOWN"
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/orders/market",
		`{"symbol":"BTCUSDT","side":"BUY","quote_usd":100}`,
		authed(map[string]string{HeaderIdemKey: "o1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "rejected" || resp["reason"] != "COOLDOWN" {
		t.Errorf("resp = %v", resp)
	}
}

func TestMarketOrderVenueErrorIs502(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	ctrl.submitErr = errors.New("connection refused")
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/orders/market",
		`{"symbol":"BTCUSDT","side":"BUY","quote_usd":100}`,
		authed(map[string]string{HeaderIdemKey: "o2"}))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestMarketOrderPlaced(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	ctrl.submitRes = &types.OrderResult{OrderID: "42", Status: "FILLED"}
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})

	rec := post(t, s.Handler(), "/orders/market",
		`{"symbol":"ETHUSDT","side":"SELL","quantity":0.5}`,
		authed(map[string]string{HeaderIdemKey: "o3"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status string            `json:"status"`
		Result types.OrderResult `json:"result"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != "placed" || resp.Result.OrderID != "42" {
		t.Errorf("resp = %+v", resp)
	}
	if ctrl.lastIntent.Symbol != "ETHUSDT" || ctrl.lastIntent.Quantity != 0.5 {
		t.Errorf("intent = %+v", ctrl.lastIntent)
	}
}

func TestTrainingCursorEndpoint(t *testing.T) {
	t.Parallel()
	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{Token: "secret"})
	h := s.Handler()

	rec := post(t, h, "/training/cursor", `{"lower_bound":"2026-05-01"}`,
		authed(map[string]string{HeaderIdemKey: "c1"}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing next_date: status = %d, want 400", rec.Code)
	}

	body := `{"next_date":"2026-08-25","lower_bound":"2026-05-01","symbols":["BTCUSDT"],"wrap_mode":"restart"}`
	rec = post(t, h, "/training/cursor", body,
		authed(map[string]string{HeaderIdemKey: "c2"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ctrl.cursor == nil || ctrl.cursor.NextDate != "2026-08-25" {
		t.Errorf("cursor = %+v", ctrl.cursor)
	}
}

func TestStatusAndUniversePassthrough(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret"})
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/status = %d", rec.Code)
	}
	var status map[string]any
	json.Unmarshal(rec.Body.Bytes(), &status)
	if _, ok := status["kill"]; !ok {
		t.Errorf("status = %v", status)
	}

	req = httptest.NewRequest(http.MethodGet, "/universe", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var uni map[string][]string
	json.Unmarshal(rec.Body.Bytes(), &uni)
	if len(uni["core"]) != 2 {
		t.Errorf("universe = %v", uni)
	}
}

func TestMetricsExposition(t *testing.T) {
	t.Parallel()
	s := newTestServer(newFakeController(), config.OpsConfig{Token: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("# ")) {
		t.Error("expected prometheus text exposition")
	}
}

func TestTokenFromFileAndRotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := dir + "/token"
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	ctrl := newFakeController()
	s := newTestServer(ctrl, config.OpsConfig{TokenFile: path})
	h := s.Handler()

	rec := post(t, h, "/risk/mode", `{"mode":"green"}`,
		map[string]string{HeaderToken: "first"})
	if rec.Code != http.StatusOK {
		t.Fatalf("file token rejected: %d %s", rec.Code, rec.Body.String())
	}

	// Rotate the file; mtime granularity needs an explicit bump.
	if err := os.WriteFile(path, []byte("second\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}

	rec = post(t, h, "/risk/mode", `{"mode":"yellow"}`,
		map[string]string{HeaderToken: "first"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stale token after rotation: %d", rec.Code)
	}
	rec = post(t, h, "/risk/mode", `{"mode":"yellow"}`,
		map[string]string{HeaderToken: "second"})
	if rec.Code != http.StatusOK {
		t.Errorf("rotated token rejected: %d %s", rec.Code, rec.Body.String())
	}
}
