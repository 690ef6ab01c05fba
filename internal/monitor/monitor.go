// Package monitor exposes a read-only HTTP API over a running scheduler:
// live counters, per-worker queues, fiber pool occupancy, and recorded
// profiling sessions.
package monitor

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/gofib/internal/trace"
	"github.com/me/gofib/pkg/jobsys"
)

// Server is the monitoring REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	sched     *jobsys.Scheduler
	store     *trace.Store // optional; session endpoints 503 without it
	recorder  *trace.Recorder
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore attaches a trace store for the session endpoints.
func WithStore(st *trace.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithRecorder attaches a live recorder whose aggregates are served under
// /api/v1/events.
func WithRecorder(r *trace.Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// New creates a Server with all routes registered.
func New(sched *jobsys.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "monitor"),
		sched:     sched,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/workers", s.handleWorkers)
		r.Get("/events", s.handleEvents)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Get("/counts", s.handleSessionCounts)
			})
		})
	})
}
