// Package taskman owns the task lifecycle: submission, dispatch, completion,
// timeout and restart. It is the only writer of task state.
//
// Every mutation of a task happens under that task's lock, and the backing
// store is updated before the lock is released (write-through). Dispatch
// holds the target task's lock across the outbound /task/run call; no other
// mutation of that task is legal until the call settles.
package taskman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediarun/manager/internal/dispatch"
	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/taskstore"
)

var (
	// ErrBusy is returned by Submit when the dispatch queue is saturated.
	// Rejecting new work is preferred over unbounded memory growth.
	ErrBusy = errors.New("dispatch queue full")

	// ErrStaleRun marks a completion whose run_id no longer matches the
	// task's current run. Surfaced as 202 accepted-and-ignored.
	ErrStaleRun = errors.New("completion for superseded run")

	// ErrInvalidStatus marks a completion carrying a status outside
	// {completed, warning, failed}.
	ErrInvalidStatus = errors.New("invalid completion status")
)

// defaultQueueSize bounds the dispatch queue.
const defaultQueueSize = 1024

// Dispatcher hands a task to a runner. Implemented by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *domain.Task, runID string) dispatch.Outcome
}

// NotifyQueue enqueues completion webhooks. Implemented by *notify.Notifier.
type NotifyQueue interface {
	Enqueue(taskID, runID string) error
}

// StatsRecorder observes terminal transitions. Implemented by *stats.Recorder.
type StatsRecorder interface {
	RecordTerminal(task *domain.Task)
}

// Options tune the manager's dispatch and sweep behavior.
type Options struct {
	DispatchWorkers      int
	DispatchRetryDelay   time.Duration
	DispatchMaxAttempts  int // 0 = unbounded
	ExecutionTimeout     time.Duration
	TimeoutSweepInterval time.Duration
}

type dispatchJob struct {
	taskID  string
	attempt int
}

// Manager is the task state machine.
type Manager struct {
	store      *taskstore.Store
	dispatcher Dispatcher
	notifier   NotifyQueue
	stats      StatsRecorder // optional

	locks lockTable
	opts  Options
	queue chan dispatchJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// timers tracks pending retry timers so Stop can cancel them.
	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	now   func() time.Time
	newID func() string
}

// New creates a manager. stats may be nil.
func New(store *taskstore.Store, dispatcher Dispatcher, notifier NotifyQueue, stats StatsRecorder, opts Options) *Manager {
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = 4
	}
	m := &Manager{
		store:      store,
		dispatcher: dispatcher,
		notifier:   notifier,
		stats:      stats,
		opts:       opts,
		queue:      make(chan dispatchJob, defaultQueueSize),
		timers:     make(map[*time.Timer]struct{}),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	// A usable context exists even before Start, so retry timers scheduled
	// by direct dispatch calls never dereference nil.
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// SetNotifier installs the webhook pipeline. The notifier needs the manager
// for task reads and bookkeeping, and the manager needs the notifier to
// enqueue deliveries; the cycle is broken by injecting the notifier after
// both are constructed, before Start.
func (m *Manager) SetNotifier(n NotifyQueue) {
	m.notifier = n
}

// Start launches the dispatch workers and the timeout sweeper.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	for i := 0; i < m.opts.DispatchWorkers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-m.ctx.Done():
					return
				case j := <-m.queue:
					m.runDispatch(m.ctx, j)
				}
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.TimeoutSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.sweepTimeouts()
			}
		}
	}()
}

// Stop drains the workers and cancels pending retry timers.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.timersMu.Lock()
	for t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})
	m.timersMu.Unlock()
	m.wg.Wait()
}

// Submit creates a task in pending state, persists it, and schedules
// dispatch. It returns immediately; submission never blocks on runner I/O.
// When the dispatch queue is full the task is persisted as rejected and
// ErrBusy is returned so the client sees a 503.
func (m *Manager) Submit(req domain.TaskRequest, clientToken string) (*domain.Task, error) {
	task := &domain.Task{
		TaskID:      m.newID(),
		EtabName:    req.EtabName,
		AppName:     req.AppName,
		AppVersion:  req.AppVersion,
		TaskType:    req.TaskType,
		SourceURL:   req.SourceURL,
		Affiliation: req.Affiliation,
		Parameters:  req.Parameters,
		NotifyURL:   req.NotifyURL,
		Status:      domain.TaskPending,
		CreatedAt:   m.now(),
		ClientToken: clientToken,
	}

	unlock := m.locks.lock(task.TaskID)
	err := m.store.Put(task)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if !m.enqueue(dispatchJob{taskID: task.TaskID, attempt: 1}) {
		unlock := m.locks.lock(task.TaskID)
		task.Status = domain.TaskRejected
		task.ErrorMessage = "manager overloaded: dispatch queue full"
		if err := m.store.Put(task); err != nil {
			slog.Error("failed to persist overload rejection", "task_id", task.TaskID, "error", err)
		}
		unlock()
		return nil, ErrBusy
	}

	slog.Info("task submitted",
		"task_id", task.TaskID, "task_type", task.TaskType,
		"etab_name", task.EtabName, "app_name", task.AppName)
	return task.Clone(), nil
}

func (m *Manager) enqueue(j dispatchJob) bool {
	select {
	case m.queue <- j:
		return true
	default:
		return false
	}
}

// Get returns a copy of the task.
func (m *Manager) Get(taskID string) (*domain.Task, error) {
	return m.store.Get(taskID)
}

// List returns tasks matching the filter.
func (m *Manager) List(f taskstore.Filter) []*domain.Task {
	return m.store.List(f)
}

// RedispatchPending re-enqueues every pending task. Called once at startup
// when redispatch_on_start is enabled, so tasks submitted just before a
// restart are not stranded.
func (m *Manager) RedispatchPending() int {
	pending := m.store.List(taskstore.Filter{Status: domain.TaskPending})
	n := 0
	for _, t := range pending {
		if m.enqueue(dispatchJob{taskID: t.TaskID, attempt: t.DispatchAttempts + 1}) {
			n++
		}
	}
	if n > 0 {
		slog.Info("re-dispatching pending tasks after restart", "count", n)
	}
	return n
}

// runDispatch performs one dispatch attempt for a task. The task lock is
// held across the outbound calls by design.
func (m *Manager) runDispatch(ctx context.Context, j dispatchJob) {
	unlock := m.locks.lock(j.taskID)
	defer unlock()

	task, err := m.store.Get(j.taskID)
	if err != nil {
		slog.Warn("dispatch: task vanished", "task_id", j.taskID)
		return
	}
	if task.Status != domain.TaskPending {
		// Restarted, completed by an admin, or already dispatched.
		return
	}

	// Fresh correlation id for this attempt; it only becomes the task's
	// run_id if a runner accepts the work.
	runID := m.newID()
	task.DispatchAttempts = j.attempt

	outcome := m.dispatcher.Dispatch(ctx, task, runID)
	switch outcome.Kind {
	case dispatch.Dispatched:
		started := m.now()
		task.Status = domain.TaskRunning
		task.RunID = runID
		task.RunnerURL = outcome.RunnerURL
		task.RunnerName = outcome.RunnerName
		task.StartedAt = &started
		task.CompletedAt = nil
		if err := m.store.Put(task); err != nil {
			slog.Error("failed to persist running transition", "task_id", task.TaskID, "error", err)
		}

	case dispatch.NoRunnerAvailable:
		if m.opts.DispatchMaxAttempts > 0 && j.attempt >= m.opts.DispatchMaxAttempts {
			m.rejectLocked(task, fmt.Sprintf(
				"no eligible runner for task type %q after %d attempts", task.TaskType, j.attempt))
			return
		}
		if err := m.store.Put(task); err != nil {
			slog.Error("failed to persist dispatch attempt", "task_id", task.TaskID, "error", err)
		}
		slog.Info("no eligible runner, scheduling retry",
			"task_id", task.TaskID, "attempt", j.attempt, "retry_in", m.opts.DispatchRetryDelay)
		m.scheduleRetry(dispatchJob{taskID: j.taskID, attempt: j.attempt + 1})

	case dispatch.RunnerRejected:
		m.rejectLocked(task, outcome.Reason)
	}
}

// rejectLocked finalizes a task as rejected. Caller holds the task lock.
func (m *Manager) rejectLocked(task *domain.Task, reason string) {
	completed := m.now()
	task.Status = domain.TaskRejected
	task.ErrorMessage = reason
	task.CompletedAt = &completed
	if err := m.store.Put(task); err != nil {
		slog.Error("failed to persist rejection", "task_id", task.TaskID, "error", err)
	}
	slog.Warn("task rejected", "task_id", task.TaskID, "reason", reason)
	if m.stats != nil {
		m.stats.RecordTerminal(task)
	}
}

// scheduleRetry re-enqueues a job after the configured delay.
func (m *Manager) scheduleRetry(j dispatchJob) {
	var t *time.Timer
	t = time.AfterFunc(m.opts.DispatchRetryDelay, func() {
		m.timersMu.Lock()
		delete(m.timers, t)
		m.timersMu.Unlock()
		if m.ctx.Err() != nil {
			return
		}
		if !m.enqueue(j) {
			slog.Warn("dispatch queue full, dropping retry", "task_id", j.taskID, "attempt", j.attempt)
		}
	})
	m.timersMu.Lock()
	m.timers[t] = struct{}{}
	m.timersMu.Unlock()
}

// sweepTimeouts transitions running tasks whose execution exceeded the
// configured timeout. It snapshots first, then takes per-task locks (never
// the reverse) and re-checks state under the lock so a completion that won
// the race is never overwritten.
func (m *Manager) sweepTimeouts() {
	running := m.store.List(taskstore.Filter{Status: domain.TaskRunning})
	cutoff := m.now().Add(-m.opts.ExecutionTimeout)

	for _, snapshot := range running {
		if snapshot.StartedAt == nil || !snapshot.StartedAt.Before(cutoff) {
			continue
		}

		unlock := m.locks.lock(snapshot.TaskID)
		task, err := m.store.Get(snapshot.TaskID)
		if err != nil || task.Status != domain.TaskRunning ||
			task.StartedAt == nil || !task.StartedAt.Before(cutoff) {
			unlock()
			continue
		}

		completed := m.now()
		task.Status = domain.TaskTimeout
		task.ErrorMessage = fmt.Sprintf("task timed out after %s", m.opts.ExecutionTimeout)
		task.CompletedAt = &completed
		if err := m.store.Put(task); err != nil {
			slog.Error("failed to persist timeout", "task_id", task.TaskID, "error", err)
		}
		runID := task.RunID
		unlock()

		slog.Warn("task timed out", "task_id", snapshot.TaskID, "run_id", runID)
		if m.stats != nil {
			m.stats.RecordTerminal(task)
		}
		if err := m.notifier.Enqueue(snapshot.TaskID, runID); err != nil {
			slog.Warn("failed to enqueue timeout notification", "task_id", snapshot.TaskID, "error", err)
		}
	}
}

// CleanupOldTasks removes terminal tasks created more than maxAge ago.
// Called by the retention janitor.
func (m *Manager) CleanupOldTasks(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)
	removed := 0
	for _, t := range m.store.List(taskstore.Filter{To: cutoff}) {
		if !t.Status.Terminal() {
			continue
		}
		unlock := m.locks.lock(t.TaskID)
		current, err := m.store.Get(t.TaskID)
		if err == nil && current.Status.Terminal() && current.CreatedAt.Before(cutoff) {
			if err := m.store.Delete(t.TaskID); err != nil {
				slog.Error("failed to delete old task", "task_id", t.TaskID, "error", err)
			} else {
				removed++
			}
		}
		unlock()
	}
	if removed > 0 {
		slog.Info("retention cleanup removed old tasks", "count", removed)
	}
	return removed
}
