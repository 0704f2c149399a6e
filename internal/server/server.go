// Package server provides the HTTP API for inspecting and steering the engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tranche/internal/database"
	"github.com/aristath/tranche/internal/domain"
	"github.com/aristath/tranche/internal/events"
	"github.com/aristath/tranche/internal/market_regime"
	"github.com/aristath/tranche/internal/modules/batchrisk"
	"github.com/aristath/tranche/internal/modules/ledger"
	"github.com/aristath/tranche/internal/modules/scaling"
	"github.com/aristath/tranche/internal/orchestrator"
	"github.com/aristath/tranche/internal/reliability"
	"github.com/aristath/tranche/internal/scheduler"
)

// Orchestrator is the runner surface the API reads and controls
type Orchestrator interface {
	Status() orchestrator.Status
	Opportunities() []scaling.Opportunity
	Stop() error
	Resume()
}

// JournalReader reads persisted batches, exits and orders
type JournalReader interface {
	ListBatches(symbol string, limit int) ([]*ledger.PositionBatch, error)
	GetBatch(id string) (*ledger.PositionBatch, error)
	RecentExecutions(limit int) ([]batchrisk.Execution, error)
	RecentOrders(limit int) ([]domain.TradeRecord, error)
}

// RiskReader exposes the last risk assessments
type RiskReader interface {
	Latest() []batchrisk.Assessment
	PendingConfirmations() []batchrisk.Assessment
}

// JobRunner triggers and lists scheduled jobs
type JobRunner interface {
	RunNow(name string) error
	Jobs() []scheduler.JobInfo
}

// RegimeHistory reads recorded market regime scores
type RegimeHistory interface {
	History(index string, limit int) ([]market_regime.HistoryEntry, error)
}

// BackupLister lists uploaded journal backups
type BackupLister interface {
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
}

// Config holds server dependencies. Regime and Backups are optional.
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	Version      string
	DataDir      string
	Orchestrator Orchestrator
	Ledger       *ledger.Ledger
	Journal      JournalReader
	Risk         RiskReader
	Jobs         JobRunner
	Bus          *events.Bus
	Regime       RegimeHistory
	MarketIndex  string
	Backups      BackupLister
	Databases    map[string]*database.DB
}

// Server is the HTTP server
type Server struct {
	router  *chi.Mux
	server  *http.Server
	cfg     Config
	log     zerolog.Logger
	system  *SystemHandlers
	stream  *EventsStreamHandler
	started time.Time
}

// New creates the server and registers all routes
func New(cfg Config) *Server {
	log := cfg.Log.With().Str("component", "server").Logger()
	s := &Server{
		router:  chi.NewRouter(),
		cfg:     cfg,
		log:     log,
		system:  NewSystemHandlers(cfg.DataDir, cfg.Databases, log),
		stream:  NewEventsStreamHandler(cfg.Bus, log),
		started: time.Now(),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// the websocket must not sit behind the request timeout
		r.Get("/events/ws", s.stream.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/status", s.handleStatus)
			r.Get("/portfolio", s.handlePortfolio)

			r.Route("/batches", func(r chi.Router) {
				r.Get("/", s.handleListBatches)
				r.Get("/active", s.handleActiveBatches)
				r.Get("/{id}", s.handleGetBatch)
			})

			r.Get("/risk/assessments", s.handleRiskAssessments)
			r.Get("/risk/executions", s.handleExecutions)
			r.Get("/orders", s.handleOrders)
			r.Get("/scaling/opportunities", s.handleOpportunities)
			r.Get("/market/regime", s.handleRegimeHistory)

			r.Route("/orchestrator", func(r chi.Router) {
				r.Post("/stop", s.handleStop)
				r.Post("/resume", s.handleResume)
			})

			r.Get("/jobs", s.handleJobs)
			r.Post("/jobs/{name}", s.handleRunJob)

			r.Route("/system", func(r chi.Router) {
				r.Get("/stats", s.system.HandleSystemStats)
				r.Get("/databases", s.system.HandleDatabaseStats)
				r.Get("/backups", s.handleBackups)
			})
		})
	})
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
