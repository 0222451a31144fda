// Package ui serves the monitoring API: read endpoints over the event
// log and its satellite tables, a dead-letter retry hook, a WebSocket
// tail of new events, and the Prometheus scrape endpoint. It reads the
// same Postgres database the engine writes but runs as its own process,
// so an unhealthy engine stays observable.
package ui

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/doomervibe/fleuve/internal/auth"
	"github.com/doomervibe/fleuve/internal/repo"
	"github.com/doomervibe/fleuve/internal/store"
)

const defaultTailPoll = time.Second

// StateLoader decodes one workflow type's state at a pinned version.
// *repo.Repository implements it.
type StateLoader interface {
	LoadState(ctx context.Context, workflowID string, atVersion int) (*repo.StoredState, error)
}

// Options configure the monitoring server.
type Options struct {
	// DB runs the cross-type read queries. Required.
	DB *sqlx.DB

	// Store runs row-level operations (event listing, activities, delay
	// schedules, dead-letter resets). Defaults to the Postgres store over
	// DB.
	Store store.Store

	// States maps workflow types to their state loaders. Types without a
	// loader serve everything except the decoded-state endpoint.
	States map[string]StateLoader

	// AuthSecret guards /api with HS256 bearer tokens. Empty disables
	// authentication.
	AuthSecret string

	// TailPoll is the WebSocket tail's poll cadence. Defaults to 1s.
	TailPoll time.Duration

	Logger *zap.Logger
}

// Server is the monitoring HTTP server.
type Server struct {
	db     *sqlx.DB
	st     store.Store
	states map[string]StateLoader
	authn  *auth.Manager
	poll   time.Duration
	logger *zap.Logger
}

// NewServer wires a server over an existing database connection.
func NewServer(opts Options) (*Server, error) {
	if opts.DB == nil {
		return nil, errMissingDB
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := opts.Store
	if st == nil {
		st = store.New(opts.DB, logger)
	}
	poll := opts.TailPoll
	if poll <= 0 {
		poll = defaultTailPoll
	}
	s := &Server{
		db:     opts.DB,
		st:     st,
		states: opts.States,
		poll:   poll,
		logger: logger,
	}
	if opts.AuthSecret != "" {
		s.authn = auth.NewManager(opts.AuthSecret)
	}
	return s, nil
}

// Handler returns the routed handler. /health and /metrics stay open;
// everything under /api passes the bearer middleware when a secret is
// configured.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /api/workflow-types", s.handleWorkflowTypes)
	api.HandleFunc("GET /api/workflows", s.handleWorkflows)
	api.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	api.HandleFunc("GET /api/workflows/{id}/events", s.handleWorkflowEvents)
	api.HandleFunc("GET /api/workflows/{id}/state", s.handleWorkflowState)
	api.HandleFunc("GET /api/workflows/{id}/activities", s.handleWorkflowActivities)
	api.HandleFunc("GET /api/events", s.handleEvents)
	api.HandleFunc("GET /api/events/{globalID}", s.handleEvent)
	api.HandleFunc("GET /api/activities", s.handleActivities)
	api.HandleFunc("GET /api/delays", s.handleDelays)
	api.HandleFunc("GET /api/stats", s.handleStats)
	api.HandleFunc("POST /api/workflows/{id}/retry/{eventNumber}", s.handleRetry)
	api.HandleFunc("GET /api/ws/events", s.handleEventTail)

	var guarded http.Handler = api
	if s.authn != nil {
		guarded = s.authn.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", guarded)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// WebSocket tail outlives ordinary request timeouts, so only the header
// read is bounded.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("Monitoring server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return srv.Shutdown(shutCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("Health ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded", "database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
