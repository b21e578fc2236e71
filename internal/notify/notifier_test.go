package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/notify"
)

// fakeTasks is an in-memory stand-in for the task manager.
type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[string]*domain.Task
	attempts  []int
	lastErrs  []string
	delivered int // attempt count at successful delivery, 0 = never
}

func newFakeTasks(tasks ...*domain.Task) *fakeTasks {
	f := &fakeTasks{tasks: make(map[string]*domain.Task)}
	for _, t := range tasks {
		f.tasks[t.TaskID] = t
	}
	return f
}

func (f *fakeTasks) Get(taskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (f *fakeTasks) RecordNotifyAttempt(taskID, runID string, attempts int, lastErr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempts)
	f.lastErrs = append(f.lastErrs, lastErr)
}

func (f *fakeTasks) RecordNotifyDelivered(taskID, runID string, attempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = attempts
}

func noSleep(t *testing.T, n *notify.Notifier) *[]time.Duration {
	t.Helper()
	var observed []time.Duration
	n.SetSleep(func(ctx context.Context, d time.Duration) error {
		observed = append(observed, d)
		return nil
	})
	return &observed
}

func finishedTask(notifyURL string) *domain.Task {
	return &domain.Task{
		TaskID:       "t-1",
		RunID:        "run-1",
		Status:       domain.TaskCompleted,
		NotifyURL:    notifyURL,
		ScriptOutput: "ok",
	}
}

func TestDeliver_SuccessFirstAttempt(t *testing.T) {
	var got notify.Payload
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	tasks := newFakeTasks(finishedTask(hook.URL))
	n := notify.New(tasks, 5, time.Minute, 1.5, 1)
	noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Equal(t, 1, tasks.delivered)
	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, "run-1", got.RunID, "run_id is the idempotency key and must travel in the payload")
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	var calls int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	tasks := newFakeTasks(finishedTask(hook.URL))
	n := notify.New(tasks, 5, time.Minute, 2.0, 1)
	observed := noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, tasks.delivered)
	assert.Equal(t, []int{1, 2}, tasks.attempts, "each failed attempt is recorded")
	// Backoff: base, then base*factor.
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, *observed)
}

func TestDeliver_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer hook.Close()

	tasks := newFakeTasks(finishedTask(hook.URL))
	n := notify.New(tasks, 3, time.Second, 1.5, 1)
	noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Equal(t, 3, calls, "at most notify_max_retries attempts")
	assert.Zero(t, tasks.delivered)
	assert.Len(t, tasks.attempts, 3)
}

func TestDeliver_DropsStaleRun(t *testing.T) {
	var calls int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer hook.Close()

	task := finishedTask(hook.URL)
	task.RunID = "run-2" // the task was restarted since enqueue
	tasks := newFakeTasks(task)
	n := notify.New(tasks, 5, time.Second, 1.5, 1)
	noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Zero(t, calls, "webhook for a superseded run must not fire")
	assert.Zero(t, tasks.delivered)
}

func TestDeliver_NoNotifyURLIsNoop(t *testing.T) {
	tasks := newFakeTasks(finishedTask(""))
	n := notify.New(tasks, 5, time.Second, 1.5, 1)
	noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Zero(t, tasks.delivered)
	assert.Empty(t, tasks.attempts)
}

func TestDeliver_SendsClientTokenAsBearer(t *testing.T) {
	var auth string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer hook.Close()

	task := finishedTask(hook.URL)
	task.ClientToken = "client-secret"
	tasks := newFakeTasks(task)
	n := notify.New(tasks, 1, time.Second, 1.5, 1)
	noSleep(t, n)

	n.DeliverNow(context.Background(), "t-1", "run-1")

	assert.Equal(t, "Bearer client-secret", auth)
}

func TestEnqueue_DeduplicatesPerRun(t *testing.T) {
	tasks := newFakeTasks(finishedTask(""))
	n := notify.New(tasks, 1, time.Second, 1.5, 1)

	require.NoError(t, n.Enqueue("t-1", "run-1"))
	require.NoError(t, n.Enqueue("t-1", "run-1"), "duplicate enqueue is accepted but collapsed")
	require.NoError(t, n.Enqueue("t-1", "run-2"), "a different run is a distinct delivery")
}

func TestDelay_ExponentialBackoff(t *testing.T) {
	n := notify.New(newFakeTasks(), 5, 60*time.Second, 1.5, 1)

	assert.Equal(t, 60*time.Second, n.Delay(1))
	assert.Equal(t, 90*time.Second, n.Delay(2))
	assert.Equal(t, 135*time.Second, n.Delay(3))
}
