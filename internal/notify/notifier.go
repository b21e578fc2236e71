// Package notify delivers completion webhooks to client notify_urls with
// at-least-once semantics and bounded retries.
//
// Deliveries are keyed by (task_id, run_id): the pair is the idempotency key
// clients deduplicate on, and it guards the pipeline against restarts: if
// the task's run changes between enqueue and delivery, the stale job is
// dropped silently because the new run will enqueue its own notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/mediarun/manager/internal/domain"
)

// ErrQueueFull is returned when the delivery queue is saturated.
var ErrQueueFull = errors.New("notify queue full")

// requestTimeout bounds a single webhook POST.
const requestTimeout = 30 * time.Second

// defaultQueueSize bounds memory; completions beyond it fail Enqueue rather
// than grow without bound.
const defaultQueueSize = 1024

// Tasks is the slice of the task manager the pipeline needs: a consistent
// read, and persisted bookkeeping updates performed under the task's lock.
type Tasks interface {
	Get(taskID string) (*domain.Task, error)
	RecordNotifyAttempt(taskID, runID string, attempts int, lastErr string)
	RecordNotifyDelivered(taskID, runID string, attempts int)
}

// Payload is the webhook body. RunID is the idempotency key.
type Payload struct {
	TaskID       string            `json:"task_id"`
	RunID        string            `json:"run_id,omitempty"`
	Status       domain.TaskStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ScriptOutput string            `json:"script_output,omitempty"`
}

type job struct {
	taskID string
	runID  string
}

// Notifier is the background webhook delivery pipeline.
type Notifier struct {
	tasks      Tasks
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	backoff    float64
	workers    int

	queue chan job

	mu       sync.Mutex
	inflight map[job]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// sleep is swappable so tests can observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a pipeline with the given retry policy and worker count.
func New(tasks Tasks, maxRetries int, baseDelay time.Duration, backoff float64, workers int) *Notifier {
	if workers <= 0 {
		workers = 4
	}
	return &Notifier{
		tasks:      tasks,
		client:     &http.Client{Timeout: requestTimeout},
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		backoff:    backoff,
		workers:    workers,
		queue:      make(chan job, defaultQueueSize),
		inflight:   make(map[job]struct{}),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Enqueue schedules delivery for the given task and run. Idempotent per
// (task_id, run_id): a pair already queued or being delivered is not queued
// again.
func (n *Notifier) Enqueue(taskID, runID string) error {
	j := job{taskID: taskID, runID: runID}

	n.mu.Lock()
	if _, ok := n.inflight[j]; ok {
		n.mu.Unlock()
		return nil
	}
	n.inflight[j] = struct{}{}
	n.mu.Unlock()

	select {
	case n.queue <- j:
		return nil
	default:
		n.mu.Lock()
		delete(n.inflight, j)
		n.mu.Unlock()
		return ErrQueueFull
	}
}

// Start launches the delivery workers.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-n.queue:
					n.deliver(ctx, j)
					n.mu.Lock()
					delete(n.inflight, j)
					n.mu.Unlock()
				}
			}
		}()
	}
}

// Stop cancels the workers and waits for in-flight deliveries to settle.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// deliver runs the full retry schedule for one (task_id, run_id) pair.
func (n *Notifier) deliver(ctx context.Context, j job) {
	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		task, err := n.tasks.Get(j.taskID)
		if err != nil {
			slog.Warn("notify: task vanished, dropping delivery", "task_id", j.taskID)
			return
		}
		// Stale-run guard: the task was restarted; its new run enqueues its
		// own notification.
		if task.RunID != j.runID {
			slog.Info("notify: run superseded, dropping delivery",
				"task_id", j.taskID, "enqueued_run_id", j.runID)
			return
		}
		// No destination means nothing to deliver.
		if task.NotifyURL == "" {
			return
		}

		err = n.post(ctx, task)
		if err == nil {
			n.tasks.RecordNotifyDelivered(j.taskID, j.runID, attempt)
			slog.Info("notify delivered",
				"task_id", j.taskID, "run_id", j.runID, "attempt", attempt)
			return
		}

		n.tasks.RecordNotifyAttempt(j.taskID, j.runID, attempt, err.Error())
		slog.Warn("notify attempt failed",
			"task_id", j.taskID, "attempt", attempt, "max", n.maxRetries, "error", err)

		if attempt < n.maxRetries {
			if sleepErr := n.sleep(ctx, n.delay(attempt)); sleepErr != nil {
				return // shutting down
			}
		}
	}
	slog.Warn("notify retries exhausted",
		"task_id", j.taskID, "run_id", j.runID, "attempts", n.maxRetries)
}

// delay computes the pause after a failed attempt: base × factor^(n-1).
func (n *Notifier) delay(attempt int) time.Duration {
	return time.Duration(float64(n.baseDelay) * math.Pow(n.backoff, float64(attempt-1)))
}

func (n *Notifier) post(ctx context.Context, task *domain.Task) error {
	body, err := json.Marshal(Payload{
		TaskID:       task.TaskID,
		RunID:        task.RunID,
		Status:       task.Status,
		ErrorMessage: task.ErrorMessage,
		ScriptOutput: task.ScriptOutput,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.NotifyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if task.ClientToken != "" {
		req.Header.Set("Authorization", "Bearer "+task.ClientToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
