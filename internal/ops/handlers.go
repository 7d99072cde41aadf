package ops

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tradekernel/internal/store"
	"tradekernel/pkg/types"
)

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleUniverse(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Universe())
}

func (s *Server) handleRiskMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := s.ctrl.SetRiskMode(strings.ToLower(req.Mode)); err != nil {
		writeError(w, http.StatusBadRequest, "bad_mode", err.Error())
		return
	}
	s.logger.Info("risk mode set", "mode", req.Mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": strings.ToLower(req.Mode)})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.ctrl.SetKill(req.Enabled)
	s.logger.Warn("kill switch set", "enabled", req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleAllocatorWeights(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy  string  `json:"strategy"`
		RiskShare float64 `json:"risk_share"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "strategy is required")
		return
	}
	if req.RiskShare < 0 || req.RiskShare > 1 {
		writeError(w, http.StatusBadRequest, "bad_request", "risk_share must be in [0,1]")
		return
	}
	if err := s.ctrl.SetAllocatorWeight(req.Strategy, req.RiskShare); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": req.Strategy, "risk_share": req.RiskShare,
	})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	strategy := chi.URLParam(r, "strategy")
	var req struct {
		Enabled   *bool    `json:"enabled,omitempty"`
		RiskShare *float64 `json:"risk_share,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Enabled == nil && req.RiskShare == nil {
		writeError(w, http.StatusBadRequest, "bad_request",
			"at least one of enabled, risk_share is required")
		return
	}
	if req.RiskShare != nil && (*req.RiskShare < 0 || *req.RiskShare > 1) {
		writeError(w, http.StatusBadRequest, "bad_request", "risk_share must be in [0,1]")
		return
	}
	if err := s.ctrl.SetStrategy(strategy, req.Enabled, req.RiskShare); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": strategy})
}

// handleMetricIngest accepts a flat map of named numeric gauges.
func (s *Server) handleMetricIngest(w http.ResponseWriter, r *http.Request) {
	var req map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	for name, value := range req {
		s.ctrl.IngestMetric(name, value)
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req)})
}

func (s *Server) handleTradeIngest(w http.ResponseWriter, r *http.Request) {
	var req TradeIngest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Ts == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ts is required")
		return
	}
	s.ctrl.IngestTrade(req)
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleTrainingCursor overwrites the persisted cursor the external
// trainer task resumes from.
func (s *Server) handleTrainingCursor(w http.ResponseWriter, r *http.Request) {
	var cursor store.TrainingCursor
	if err := decode(r, &cursor); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if cursor.NextDate == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "next_date is required")
		return
	}
	if err := s.ctrl.SetTrainingCursor(cursor); err != nil {
		writeError(w, http.StatusInternalServerError, "persist_failed", err.Error())
		return
	}
	s.logger.Info("training cursor set", "next_date", cursor.NextDate)
	writeJSON(w, http.StatusOK, cursor)
}

func (s *Server) handleMarketOrder(w http.ResponseWriter, r *http.Request) {
	var intent types.Intent
	if err := decode(r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if intent.Symbol == "" || (intent.Side != types.BUY && intent.Side != types.SELL) {
		writeError(w, http.StatusBadRequest, "bad_request", "symbol and side are required")
		return
	}
	if intent.QuoteUSD <= 0 && intent.Quantity <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request",
			"one of quote_usd, quantity must be positive")
		return
	}

	result, reason, err := s.ctrl.SubmitMarket(r.Context(), intent)
	if err != nil {
		writeError(w, http.StatusBadGateway, "venue_error", err.Error())
		return
	}
	if reason != "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "rejected", "reason": reason,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "placed", "result": result,
	})
}
