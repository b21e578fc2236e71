package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/result"
)

// HandleTaskResult serves the manifest of a finished task.
func (s *Server) HandleTaskResult(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resultTask(w, r)
	if !ok {
		return
	}
	stream, err := s.Results.Manifest(r.Context(), task)
	if err != nil {
		writeResultError(w, err)
		return
	}
	s.serveStream(w, r, task, stream)
}

// HandleTaskResultFile serves one output file by its manifest-relative path.
func (s *Server) HandleTaskResultFile(w http.ResponseWriter, r *http.Request) {
	task, ok := s.resultTask(w, r)
	if !ok {
		return
	}
	stream, err := s.Results.File(r.Context(), task, chi.URLParam(r, "*"))
	if err != nil {
		writeResultError(w, err)
		return
	}
	s.serveStream(w, r, task, stream)
}

// resultTask loads the task and gates on its state: results exist only once
// the task finished with output. A failed task has no result to serve; a
// task still pending or running is "too early".
func (s *Server) resultTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	task, err := s.Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		errorJSON(w, "task not found", "NOT_FOUND", http.StatusNotFound)
		return nil, false
	}

	switch task.Status {
	case domain.TaskCompleted, domain.TaskWarning:
		return task, true
	case domain.TaskFailed, domain.TaskTimeout, domain.TaskRejected:
		errorJSON(w, "task finished without a result: "+string(task.Status), "NO_RESULT", http.StatusBadRequest)
	default:
		errorJSON(w, "task has not finished yet", "NOT_READY", http.StatusTooEarly)
	}
	return nil, false
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, task *domain.Task, stream *result.Stream) {
	defer stream.Body.Close()

	w.Header().Set("Content-Type", stream.ContentType)
	w.Header().Set("X-Task-ID", task.TaskID)
	if stream.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Size, 10))
	}
	if stream.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+stream.Filename+`"`)
	}
	if _, err := io.Copy(w, stream.Body); err != nil {
		// Headers are already sent; all we can do is log the broken transfer.
		LoggerFromContext(r.Context()).Warn("result stream interrupted",
			"task_id", task.TaskID, "error", err)
	}
}

func writeResultError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, result.ErrTraversal):
		errorJSON(w, "invalid file path", "INVALID_ARGUMENT", http.StatusBadRequest)
	case errors.Is(err, result.ErrNotFound):
		errorJSON(w, "result not found", "NOT_FOUND", http.StatusNotFound)
	default:
		errorJSON(w, "runner result unavailable", "UPSTREAM", http.StatusBadGateway)
	}
}
