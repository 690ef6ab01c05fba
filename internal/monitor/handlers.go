package monitor

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type discoveryResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:    "gofib-monitor",
		Version: "0.1.0",
		Endpoints: []string{
			"/api/v1/health",
			"/api/v1/stats",
			"/api/v1/workers",
			"/api/v1/events",
			"/api/v1/sessions",
		},
	})
}

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	storeState := "disabled"
	if s.store != nil {
		storeState = "available"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     storeState,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.sched.Stats())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.sched.Stats().Workers)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.recorder == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "no_recorder",
			"event recording is not enabled")
		return
	}
	respondOK(w, reqID, s.recorder.Summary())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "no_store",
			"trace persistence is not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, reqID, http.StatusBadRequest, "bad_limit",
				"limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions", "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondOK(w, reqID, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "no_store",
			"trace persistence is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("get session", "id", id, "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if sess == nil {
		respondError(w, reqID, http.StatusNotFound, "not_found", "session "+id+" not found")
		return
	}
	respondOK(w, reqID, sess)
}

func (s *Server) handleSessionCounts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, "no_store",
			"trace persistence is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.logger.Error("get session", "id", id, "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if sess == nil {
		respondError(w, reqID, http.StatusNotFound, "not_found", "session "+id+" not found")
		return
	}

	counts, err := s.store.EventCounts(r.Context(), id)
	if err != nil {
		s.logger.Error("event counts", "id", id, "error", err, "request_id", reqID)
		respondError(w, reqID, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondOK(w, reqID, counts)
}
