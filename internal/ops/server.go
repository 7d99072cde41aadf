// Package ops is the control plane: a JSON HTTP API for operational
// actions (risk mode, kill switch, allocator weights, strategy toggles,
// metric/trade ingest, order submission) plus status and Prometheus
// exposition. Mutating endpoints pass the dependency guard in auth.go.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradekernel/internal/config"
	"tradekernel/internal/metrics"
	"tradekernel/internal/store"
	"tradekernel/pkg/types"
)

// TradeIngest is one externally-reported trade outcome.
type TradeIngest struct {
	Ts        float64  `json:"ts"`
	Strategy  string   `json:"strategy,omitempty"`
	Symbol    string   `json:"symbol,omitempty"`
	Side      string   `json:"side,omitempty"`
	PnLUSD    *float64 `json:"pnl_usd,omitempty"`
	LatencyMs *float64 `json:"latency_ms,omitempty"`
}

// Controller is the engine surface the control plane drives.
type Controller interface {
	// SetRiskMode forces the mode override; "auto" clears it.
	SetRiskMode(mode string) error
	// SetKill flips the global kill switch.
	SetKill(enabled bool)
	// SetAllocatorWeight updates a strategy's risk share.
	SetAllocatorWeight(strategy string, riskShare float64) error
	// SetStrategy toggles a strategy and/or updates its share.
	SetStrategy(strategy string, enabled *bool, riskShare *float64) error
	// IngestMetric records a named external gauge.
	IngestMetric(name string, value float64)
	// IngestTrade records an externally-reported trade outcome.
	IngestTrade(t TradeIngest)
	// SubmitMarket runs an intent through the guard chain and router.
	// A non-empty reason means the guard rejected it.
	SubmitMarket(ctx context.Context, intent types.Intent) (result *types.OrderResult, reason string, err error)
	// SetTrainingCursor persists the cursor the external trainer resumes from.
	SetTrainingCursor(c store.TrainingCursor) error
	// Status returns the full state snapshot for GET /status.
	Status() map[string]any
	// Universe returns the current symbol buckets.
	Universe() map[string][]string
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg     config.OpsConfig
	ctrl    Controller
	tokens  *TokenSource
	approve *Approvers
	idem    *IdemStore
	mets    *metrics.Set
	logger  *slog.Logger
	httpSrv *http.Server
}

// New creates a control-plane server.
func New(cfg config.OpsConfig, ctrl Controller, mets *metrics.Set, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		tokens:  NewTokenSource(cfg.Token, cfg.TokenFile),
		approve: NewApprovers(cfg.Approvers),
		idem:    NewIdemStore(cfg.IdemRetention),
		mets:    mets,
		logger:  logger.With("component", "ops"),
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", HeaderToken, HeaderApprover, HeaderIdemKey},
		MaxAge:         300,
	}))

	r.Get("/status", s.handleStatus)
	r.Get("/universe", s.handleUniverse)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(s.mets.Registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Post("/risk/mode", s.handleRiskMode)
		r.With(s.requireApprover, s.idempotent).Post("/kill", s.handleKill)
		r.With(s.idempotent).Post("/allocator/weights", s.handleAllocatorWeights)
		r.With(s.idempotent).Post("/strategies/{strategy}", s.handleStrategy)
		r.Post("/metrics", s.handleMetricIngest)
		r.Post("/metrics/push", s.handleMetricIngest)
		r.Post("/trades", s.handleTradeIngest)
		r.With(s.idempotent).Post("/orders/market", s.handleMarketOrder)
		r.With(s.idempotent).Post("/training/cursor", s.handleTrainingCursor)
	})

	return r
}

// Start runs the server until Shutdown. ErrServerClosed is swallowed.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.routes() }
