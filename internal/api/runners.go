package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mediarun/manager/internal/registry"
)

// runnerVersionHeader carries the runner's semver on register and heartbeat.
const runnerVersionHeader = "X-Runner-Version"

// RegisterRequest is the body of POST /runner/register.
type RegisterRequest struct {
	URL       string   `json:"url"`
	Name      string   `json:"name"`
	Token     string   `json:"token"`
	TaskTypes []string `json:"task_types"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat and
// POST /runner/unregister.
type HeartbeatRequest struct {
	URL string `json:"url"`
}

// HandleRunnerRegister adds or refreshes a runner in the registry.
// Re-registering an existing URL is how runners rotate their token.
func (s *Server) HandleRunnerRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if req.URL == "" || req.Token == "" || len(req.TaskTypes) == 0 {
		errorJSON(w, "url, token and task_types are required", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	err := s.Runners.Register(req.URL, req.Name, req.Token, r.Header.Get(runnerVersionHeader), req.TaskTypes)
	if err != nil {
		if errors.Is(err, registry.ErrVersionMismatch) {
			errorJSON(w, err.Error(), "VERSION_MISMATCH", http.StatusBadRequest)
			return
		}
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// HandleRunnerHeartbeat refreshes a runner's liveness.
func (s *Server) HandleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}

	err := s.Runners.Heartbeat(req.URL, r.Header.Get(runnerVersionHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, registry.ErrVersionMismatch):
		errorJSON(w, err.Error(), "VERSION_MISMATCH", http.StatusBadRequest)
	case errors.Is(err, registry.ErrUnknownRunner):
		// The runner must re-register; tells it so explicitly.
		errorJSON(w, "runner not registered", "NOT_FOUND", http.StatusNotFound)
	default:
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	}
}

// HandleRunnerUnregister removes a runner. Idempotent.
func (s *Server) HandleRunnerUnregister(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if err := s.Runners.Unregister(req.URL); err != nil {
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// runnerView is the list representation. It mirrors domain.Runner minus the
// token, which must never leave the process.
type runnerView struct {
	URL             string    `json:"url"`
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	Status          string    `json:"status"`
	TaskTypes       []string  `json:"task_types"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// HandleRunnerList returns all known runners, registration order.
func (s *Server) HandleRunnerList(w http.ResponseWriter, r *http.Request) {
	runners := s.Runners.List()
	out := make([]runnerView, 0, len(runners))
	for _, rn := range runners {
		out = append(out, runnerView{
			URL:             rn.URL,
			Name:            rn.Name,
			Version:         rn.Version,
			Status:          string(rn.Status),
			TaskTypes:       rn.TaskTypes,
			RegisteredAt:    rn.RegisteredAt,
			LastHeartbeatAt: rn.LastHeartbeatAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
