package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/orchestrator"
	"github.com/aristath/tranche/internal/scheduler"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// PortfolioResponse is the ledger view served by /api/portfolio
type PortfolioResponse struct {
	Portfolio     *ledger.Portfolio        `json:"portfolio"`
	Exposure      float64                  `json:"exposure"`
	ActiveBatches []*ledger.PositionBatch  `json:"active_batches"`
	Symbols       map[string]SymbolSummary `json:"symbols"`
}

// SymbolSummary aggregates the active batches of one symbol
type SymbolSummary struct {
	Quantity     int64 `json:"quantity"`
	Batches      int   `json:"batches"`
	HighestLevel int   `json:"highest_level"`
}

// RiskResponse is served by /api/risk/assessments
type RiskResponse struct {
	Assessments []batchrisk.Assessment `json:"assessments"`
	Pending     []batchrisk.Assessment `json:"pending_confirmations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.cfg.Orchestrator != nil && s.cfg.Orchestrator.Status().State == orchestrator.StateStopped {
		status = "stopped"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.cfg.Version,
		"service":        "tranche",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Status())
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, batches := s.cfg.Ledger.Snapshot()

	resp := PortfolioResponse{
		Portfolio:     portfolio,
		ActiveBatches: make([]*ledger.PositionBatch, 0, len(batches)),
		Symbols:       make(map[string]SymbolSummary),
	}
	if portfolio.TotalAssets > 0 {
		resp.Exposure = portfolio.MarketValue() / portfolio.TotalAssets
	}
	for _, b := range batches {
		if b.Status != ledger.BatchActive {
			continue
		}
		resp.ActiveBatches = append(resp.ActiveBatches, b)
		sum := resp.Symbols[b.Symbol]
		sum.Quantity += b.Quantity
		sum.Batches++
		if b.Level > sum.HighestLevel {
			sum.HighestLevel = b.Level
		}
		resp.Symbols[b.Symbol] = sum
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.cfg.Journal.ListBatches(r.URL.Query().Get("symbol"), listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, batches)
}

func (s *Server) handleActiveBatches(w http.ResponseWriter, r *http.Request) {
	_, batches := s.cfg.Ledger.Snapshot()
	active := make([]*ledger.PositionBatch, 0, len(batches))
	for _, b := range batches {
		if b.Status == ledger.BatchActive {
			active = append(active, b)
		}
	}
	s.writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	batch, err := s.cfg.Journal.GetBatch(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if batch == nil {
		s.writeError(w, http.StatusNotFound, errors.New("batch "+id+" not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleRiskAssessments(w http.ResponseWriter, r *http.Request) {
	resp := RiskResponse{
		Assessments: s.cfg.Risk.Latest(),
		Pending:     s.cfg.Risk.PendingConfirmations(),
	}
	if resp.Assessments == nil {
		resp.Assessments = []batchrisk.Assessment{}
	}
	if resp.Pending == nil {
		resp.Pending = []batchrisk.Assessment{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.cfg.Journal.RecentExecutions(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.cfg.Journal.RecentOrders(listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Opportunities())
}

func (s *Server) handleRegimeHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Regime == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("market regime tracking disabled"))
		return
	}
	history, err := s.cfg.Regime.History(s.cfg.MarketIndex, listLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Orchestrator.Stop(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.cfg.Orchestrator.Resume()
	s.writeJSON(w, http.StatusOK, s.cfg.Orchestrator.Status())
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Jobs.Jobs())
}

// handleRunJob runs a registered job synchronously
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	start := time.Now()
	err := s.cfg.Jobs.RunNow(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.log.Error().Err(err).Str("job", name).Msg("Manual job run failed")
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"job":         name,
			"status":      "completed",
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Backups == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("backups disabled"))
		return
	}
	backups, err := s.cfg.Backups.ListBackups(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, backups)
}

func listLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
