package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mediarun/manager/internal/api"
	"github.com/mediarun/manager/internal/dispatch"
	"github.com/mediarun/manager/internal/notify"
	"github.com/mediarun/manager/internal/registry"
	"github.com/mediarun/manager/internal/result"
	"github.com/mediarun/manager/internal/runnerclient"
	"github.com/mediarun/manager/internal/taskman"
	"github.com/mediarun/manager/internal/taskstore"
	"github.com/mediarun/manager/internal/urlcheck"
)

const (
	testToken     = "test-api-token-1234"
	adminUser     = "admin"
	adminPassword = "admin-password"
)

// env wires a full manager stack against real components: file-backed task
// store, in-memory registry, live dispatch workers and notify pipeline.
// Runner and webhook endpoints are httptest servers provided per test.
type env struct {
	router   chi.Router
	mgr      *taskman.Manager
	reg      *registry.Registry
	store    *taskstore.Store
	notifier *notify.Notifier
	cancel   context.CancelFunc
}

type envOptions struct {
	sharedRoot       string // non-empty enables shared-storage result mode
	dispatchRetry    time.Duration
	dispatchAttempts int
}

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()

	store, err := taskstore.New(t.TempDir())
	require.NoError(t, err)

	reg := registry.New(3 * time.Minute)
	client := runnerclient.New(time.Second, 5*time.Second)
	dispatcher := dispatch.New(reg, client, "http://manager.test/task/completion")

	if o.dispatchRetry == 0 {
		o.dispatchRetry = 10 * time.Millisecond
	}
	mgr := taskman.New(store, dispatcher, nil, nil, taskman.Options{
		DispatchRetryDelay:   o.dispatchRetry,
		DispatchMaxAttempts:  o.dispatchAttempts,
		ExecutionTimeout:     time.Hour,
		TimeoutSweepInterval: time.Minute,
	})
	notifier := notify.New(mgr, 5, 10*time.Millisecond, 1.5, 2)
	mgr.SetNotifier(notifier)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	srv := &api.Server{
		Tasks:    mgr,
		Runners:  reg,
		Results:  result.New(o.sharedRoot != "", o.sharedRoot, client, reg),
		URLCheck: urlcheck.New(true), // tests talk to 127.0.0.1 stubs
		AuthorizedTokens: []string{testToken},
		AdminUsers:       map[string]string{adminUser: string(hash)},
		CORSOrigins:      []string{"http://localhost:3000"},
		CORSMethods:      []string{"GET", "POST", "OPTIONS"},
		CORSHeaders:      []string{"Accept", "Authorization", "Content-Type", "X-API-Token"},
	}
	router := api.NewRouter(srv)

	ctx, cancel := context.WithCancel(context.Background())
	notifier.Start(ctx)
	mgr.Start(ctx)
	t.Cleanup(func() {
		cancel()
		mgr.Stop()
		notifier.Stop()
		if srv.AdminRateLimiterStop != nil {
			srv.AdminRateLimiterStop()
		}
	})

	return &env{router: router, mgr: mgr, reg: reg, store: store, notifier: notifier, cancel: cancel}
}

// do performs an authenticated request against the router.
func (e *env) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", testToken)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// doAdmin performs a request with admin basic auth.
func (e *env) doAdmin(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(adminUser, adminPassword)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// registerRunner registers an httptest-backed runner with a compatible version.
func (e *env) registerRunner(t *testing.T, url, name string, taskTypes []string) {
	t.Helper()
	body, _ := json.Marshal(api.RegisterRequest{
		URL: url, Name: name, Token: "tok-" + name, TaskTypes: taskTypes,
	})
	req := httptest.NewRequest(http.MethodPost, "/runner/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Token", testToken)
	req.Header.Set("X-Runner-Version", "1.2.0")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// submitTask submits a task and returns its id.
func (e *env) submitTask(t *testing.T, taskType, notifyURL string) string {
	t.Helper()
	rec := e.do(http.MethodPost, "/task/execute", map[string]any{
		"etab_name":  "etab-1",
		"app_name":   "transcoder",
		"task_type":  taskType,
		"source_url": "http://media.example.com/a.mp4",
		"notify_url": notifyURL,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

// taskStatus fetches the current status string of a task.
func (e *env) taskStatus(t *testing.T, taskID string) (string, map[string]any) {
	t.Helper()
	rec := e.do(http.MethodGet, "/task/status/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	status, _ := task["status"].(string)
	return status, task
}

// stubRunner is an httptest runner that accepts pings and runs.
type stubRunner struct {
	srv       *httptest.Server
	available bool
	taskTypes []string
	runStatus int // status returned by /task/run
	runCalls  int
	lastRun   runnerclient.RunPayload
}

func newStubRunner(t *testing.T, taskTypes []string) *stubRunner {
	t.Helper()
	s := &stubRunner{available: true, taskTypes: taskTypes, runStatus: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/runner/ping":
			json.NewEncoder(w).Encode(map[string]any{
				"available":  s.available,
				"registered": true,
				"task_types": s.taskTypes,
			})
		case "/task/run":
			s.runCalls++
			json.NewDecoder(r.Body).Decode(&s.lastRun)
			w.WriteHeader(s.runStatus)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}
