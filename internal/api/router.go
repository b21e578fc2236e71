// Package api provides the HTTP surface of managerd: the client-facing task
// endpoints, the runner protocol, the admin surface, and the middleware
// stack shared by all of them.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/result"
	"github.com/mediarun/manager/internal/stats"
	"github.com/mediarun/manager/internal/taskman"
	"github.com/mediarun/manager/internal/taskstore"
)

// maxJSONBodySize caps request bodies (1MB). Task parameters are metadata,
// not media; anything larger is a client error.
const maxJSONBodySize = 1 << 20

// TaskService is the slice of the task manager the handlers need.
// Implemented by *taskman.Manager.
type TaskService interface {
	Submit(req domain.TaskRequest, clientToken string) (*domain.Task, error)
	Get(taskID string) (*domain.Task, error)
	List(f taskstore.Filter) []*domain.Task
	HandleCompletion(c domain.Completion) error
	Restart(taskIDs []string) taskman.RestartResult
}

// RunnerPool is the registry surface used by the runner endpoints.
// Implemented by *registry.Registry.
type RunnerPool interface {
	Register(rawURL, name, token, runnerVersion string, taskTypes []string) error
	Heartbeat(rawURL, runnerVersion string) error
	Unregister(rawURL string) error
	Get(rawURL string) (domain.Runner, error)
	List() []domain.Runner
}

// ResultAccess streams task output. Implemented by *result.Access.
type ResultAccess interface {
	Manifest(ctx context.Context, task *domain.Task) (*result.Stream, error)
	File(ctx context.Context, task *domain.Task, filePath string) (*result.Stream, error)
}

// URLChecker validates client-supplied URLs. Implemented by *urlcheck.Checker.
type URLChecker interface {
	Validate(ctx context.Context, raw string) error
}

// StatsProvider computes the statistics snapshot. Implemented by
// *stats.Recorder.
type StatsProvider interface {
	Aggregate() stats.Snapshot
}

// Server holds dependencies for all handlers.
type Server struct {
	Tasks    TaskService
	Runners  RunnerPool
	Results  ResultAccess
	URLCheck URLChecker
	Stats    StatsProvider // nil disables /statistics

	// Auth.
	AuthorizedTokens []string          // client + runner API tokens
	AdminUsers       map[string]string // user → bcrypt hash

	// CORS.
	CORSOrigins          []string
	CORSAllowCredentials bool
	CORSMethods          []string
	CORSHeaders          []string

	// Rate limiting. Nil disables.
	RateLimit      *RateLimitConfig
	AdminRateLimit *RateLimitConfig

	// Populated by NewRouter so main can stop limiter cleanup goroutines.
	RateLimiterStop      func()
	AdminRateLimiterStop func()
}

// NewRouter builds the chi router with the full middleware chain and all
// routes mounted.
func NewRouter(srv *Server) chi.Router {
	r := chi.NewRouter()

	corsOpts := cors.Options{
		AllowedMethods:   srv.CORSMethods,
		AllowedHeaders:   srv.CORSHeaders,
		ExposedHeaders:   []string{"X-Request-ID", "X-Task-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: srv.CORSAllowCredentials,
		MaxAge:           300,
	}
	// Credentials with a wildcard origin never reaches here, config
	// validation rejects the combination at startup.
	corsOpts.AllowedOrigins = srv.CORSOrigins

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(limitJSONBody)

	var globalLimiter func(http.Handler) http.Handler
	if srv.RateLimit != nil {
		rl, mw := RateLimit(*srv.RateLimit)
		srv.RateLimiterStop = rl.Stop
		globalLimiter = mw
	}

	// Unauthenticated surface: version info and liveness.
	r.Get("/", srv.HandleRoot)
	r.Get("/health", srv.HandleHealth)
	r.Get("/health/live", srv.HandleHealthLive)

	// Token-authenticated API.
	r.Group(func(r chi.Router) {
		if globalLimiter != nil {
			r.Use(globalLimiter)
		}
		r.Use(srv.RequireToken)

		r.Post("/task/execute", srv.HandleTaskExecute)
		r.Get("/task/status/{id}", srv.HandleTaskStatus)
		r.Get("/task/list", srv.HandleTaskList)
		r.Get("/task/result/{id}", srv.HandleTaskResult)
		r.Get("/task/result/{id}/file/*", srv.HandleTaskResultFile)

		r.Post("/task/completion", srv.HandleTaskCompletion)
		r.Post("/runner/register", srv.HandleRunnerRegister)
		r.Post("/runner/heartbeat", srv.HandleRunnerHeartbeat)
		r.Post("/runner/unregister", srv.HandleRunnerUnregister)
		r.Get("/runner/list", srv.HandleRunnerList)
	})

	// Admin surface: HTTP Basic with its own tighter rate limit.
	r.Group(func(r chi.Router) {
		adminCfg := DefaultAdminRateLimitConfig()
		if srv.AdminRateLimit != nil {
			adminCfg = *srv.AdminRateLimit
		}
		rl, mw := RateLimit(adminCfg)
		srv.AdminRateLimiterStop = rl.Stop
		r.Use(mw)
		r.Use(srv.RequireAdmin)

		r.Post("/tasks/restart-selected", srv.HandleTasksRestart)
		r.Get("/statistics", srv.HandleStatistics)
	})

	return r
}

// apiError is the JSON error envelope: {"error": {"code", "message"}}.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorJSON writes a structured JSON error response.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiError{Error: apiErrorDetail{Code: code, Message: message}}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic
// message to the client.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// limitJSONBody caps request body size. Result downloads are responses, not
// requests, so a single small cap covers everything.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// parsePagination reads limit and offset query params with bounds.
func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// parseTime parses an RFC3339 or date-only query parameter.
func parseTime(v string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true
	}
	return time.Time{}, false
}
