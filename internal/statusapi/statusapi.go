// Package statusapi exposes a profiling session's live metrics over an
// HTTP endpoint, for operators who want to scrape or curl the monitor
// while it runs. It does not restrict the listen address; the monitor
// serves it on whatever address it is configured with.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kaelmon/leakmon/internal/metrics"
)

// MetricsSource supplies the live snapshot served by GET /metrics. A
// running session satisfies it; tests use a fixed-value fake.
type MetricsSource interface {
	Metrics() metrics.Snapshot
}

// Server holds the dependencies needed by the status handlers.
type Server struct {
	source MetricsSource
}

// NewServer creates a Server that reports source's live metrics.
func NewServer(source MetricsSource) *Server {
	return &Server{source: source}
}

// NewRouter returns a configured chi.Router for the monitor's status
// endpoint.
//
// Route layout:
//
//	GET /healthz  – liveness probe
//	GET /metrics  – current MetricsSnapshot as JSON
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/metrics", srv.handleMetrics)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Metrics()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(snap)
}
