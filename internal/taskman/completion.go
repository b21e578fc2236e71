package taskman

import (
	"fmt"
	"log/slog"

	"github.com/mediarun/manager/internal/domain"
)

// HandleCompletion applies a runner-reported completion to the task.
//
// Acceptance rules:
//   - unknown task_id → domain.ErrNotFound (404)
//   - status outside {completed, warning, failed} → ErrInvalidStatus (400)
//   - run_id present but not the task's current run → ErrStaleRun (202)
//   - task already terminal with the same run_id → idempotent re-ack,
//     no state change (200)
//   - task running with matching run_id → transition, then webhook
//
// A missing run_id is treated as matching the current run: older runners
// never sent one, and their completions must still land.
func (m *Manager) HandleCompletion(c domain.Completion) error {
	if !domain.ValidCompletionStatus(c.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}

	unlock := m.locks.lock(c.TaskID)
	task, err := m.store.Get(c.TaskID)
	if err != nil {
		unlock()
		return err
	}

	if c.RunID == "" {
		slog.Warn("completion without run_id, assuming current run",
			"task_id", c.TaskID, "runner_url", task.RunnerURL)
	} else if c.RunID != task.RunID {
		unlock()
		slog.Info("ignoring completion for superseded run",
			"task_id", c.TaskID, "reported_status", c.Status)
		return ErrStaleRun
	}

	// Duplicate delivery of a completion we already applied.
	if task.Status.Terminal() {
		unlock()
		slog.Info("duplicate completion acknowledged",
			"task_id", c.TaskID, "status", task.Status)
		return nil
	}

	if task.Status != domain.TaskRunning {
		// Matching run_id but the task never reached running: the dispatch
		// call and the completion raced. Apply it anyway, the runner did
		// the work.
		slog.Warn("completion for task not in running state",
			"task_id", c.TaskID, "status", task.Status)
	}

	completed := m.now()
	task.Status = c.Status
	task.ErrorMessage = c.ErrorMessage
	task.ScriptOutput = c.ScriptOutput
	task.CompletedAt = &completed
	if err := m.store.Put(task); err != nil {
		unlock()
		return fmt.Errorf("persist completion: %w", err)
	}
	runID := task.RunID
	unlock()

	slog.Info("task completed",
		"task_id", c.TaskID, "status", c.Status, "runner_url", task.RunnerURL)
	if m.stats != nil {
		m.stats.RecordTerminal(task)
	}
	if err := m.notifier.Enqueue(c.TaskID, runID); err != nil {
		slog.Warn("failed to enqueue completion notification",
			"task_id", c.TaskID, "error", err)
	}
	return nil
}

// RecordNotifyAttempt persists webhook delivery bookkeeping after a failed
// attempt. The run_id guard drops bookkeeping for superseded runs.
func (m *Manager) RecordNotifyAttempt(taskID, runID string, attempts int, lastErr string) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	task, err := m.store.Get(taskID)
	if err != nil || task.RunID != runID {
		return
	}
	task.NotifyAttempts = attempts
	task.NotifyLastError = lastErr
	if err := m.store.Put(task); err != nil {
		slog.Error("failed to persist notify attempt", "task_id", taskID, "error", err)
	}
}

// RecordNotifyDelivered persists successful webhook delivery.
func (m *Manager) RecordNotifyDelivered(taskID, runID string, attempts int) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	task, err := m.store.Get(taskID)
	if err != nil || task.RunID != runID {
		return
	}
	delivered := m.now()
	task.NotifyAttempts = attempts
	task.NotifyLastError = ""
	task.NotifyDeliveredAt = &delivered
	if err := m.store.Put(task); err != nil {
		slog.Error("failed to persist notify delivery", "task_id", taskID, "error", err)
	}
}
