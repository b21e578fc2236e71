package api

import (
	"net/http"
	"time"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/version"
)

var startedAt = time.Now()

// HandleRoot returns service identification. Unauthenticated: it exposes
// nothing beyond what the deployment already advertises.
func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "media task manager",
		"version":       version.Version,
		"documentation": "/health for liveness, X-API-Token for API access",
	})
}

// HandleHealth reports overall health plus a few cheap gauges.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	registered := 0
	for _, rn := range s.Runners.List() {
		if rn.Status == domain.RunnerRegistered {
			registered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            version.Version,
		"uptime":             time.Since(startedAt).String(),
		"registered_runners": registered,
	})
}

// HandleHealthLive is the bare liveness probe.
func (s *Server) HandleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// HandleStatistics serves the aggregate task snapshot (admin).
func (s *Server) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.Stats == nil {
		errorJSON(w, "statistics not enabled", "UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.Stats.Aggregate())
}
