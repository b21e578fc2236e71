package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/taskman"
	"github.com/mediarun/manager/internal/taskstore"
	"github.com/mediarun/manager/internal/urlcheck"
)

// HandleTaskExecute accepts a new task. The submit path never fails on
// runner-side conditions: anything beyond request validation happens
// asynchronously and is observable via /task/status.
func (s *Server) HandleTaskExecute(w http.ResponseWriter, r *http.Request) {
	var req domain.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if missing := requiredFieldsMissing(req); missing != "" {
		errorJSON(w, "missing required field: "+missing, "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	if err := s.URLCheck.Validate(r.Context(), req.SourceURL); err != nil {
		errorJSON(w, "source_url: "+reason(err), "INVALID_URL", http.StatusBadRequest)
		return
	}
	if req.NotifyURL != "" {
		if err := s.URLCheck.Validate(r.Context(), req.NotifyURL); err != nil {
			errorJSON(w, "notify_url: "+reason(err), "INVALID_URL", http.StatusBadRequest)
			return
		}
	}

	task, err := s.Tasks.Submit(req, extractToken(r))
	if err != nil {
		if errors.Is(err, taskman.ErrBusy) {
			errorJSON(w, "manager overloaded, try again later", "OVERLOADED", http.StatusServiceUnavailable)
			return
		}
		internalError(w, "failed to create task", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID,
		"status":  task.Status,
	})
}

func requiredFieldsMissing(req domain.TaskRequest) string {
	switch {
	case req.EtabName == "":
		return "etab_name"
	case req.AppName == "":
		return "app_name"
	case req.TaskType == "":
		return "task_type"
	case req.SourceURL == "":
		return "source_url"
	}
	return ""
}

// reason strips the sentinel prefix from urlcheck errors for client display.
func reason(err error) string {
	if errors.Is(err, urlcheck.ErrInvalidURL) {
		return err.Error()
	}
	return "invalid url"
}

// HandleTaskStatus returns the full task record.
func (s *Server) HandleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, "task not found", "NOT_FOUND", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// HandleTaskList returns tasks matching the query filters, newest first.
// Filters: status, task_type, etab_name, app_name, from, to, limit, offset.
func (s *Server) HandleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	f := taskstore.Filter{
		Status:   domain.TaskStatus(q.Get("status")),
		TaskType: q.Get("task_type"),
		EtabName: q.Get("etab_name"),
		AppName:  q.Get("app_name"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := q.Get("from"); v != "" {
		t, ok := parseTime(v)
		if !ok {
			errorJSON(w, "from: invalid timestamp", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, ok := parseTime(v)
		if !ok {
			errorJSON(w, "to: invalid timestamp", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		f.To = t
	}

	tasks := s.Tasks.List(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// HandleTaskCompletion applies a runner's completion report.
func (s *Server) HandleTaskCompletion(w http.ResponseWriter, r *http.Request) {
	var c domain.Completion
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if c.TaskID == "" {
		errorJSON(w, "missing required field: task_id", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}

	err := s.Tasks.HandleCompletion(c)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, taskman.ErrStaleRun):
		// Accepted and ignored: the run was superseded by a restart.
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": false, "stale": true})
	case errors.Is(err, taskman.ErrInvalidStatus):
		errorJSON(w, err.Error(), "INVALID_ARGUMENT", http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		errorJSON(w, "task not found", "NOT_FOUND", http.StatusNotFound)
	default:
		internalError(w, "failed to record completion", err)
	}
}

// HandleTasksRestart resets finished tasks to pending (admin only).
func (s *Server) HandleTasksRestart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid JSON body", "INVALID_JSON", http.StatusBadRequest)
		return
	}
	if len(req.TaskIDs) == 0 {
		errorJSON(w, "task_ids must not be empty", "MISSING_FIELD", http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, s.Tasks.Restart(req.TaskIDs))
}
