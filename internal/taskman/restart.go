package taskman

import (
	"log/slog"

	"github.com/mediarun/manager/internal/domain"
)

// RestartOutcome records why an individual task in a restart batch was or
// was not restarted.
type RestartOutcome struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// RestartResult summarizes a batch restart. Skipped tasks were in a
// non-terminal state; failed ones were unknown or could not be persisted.
type RestartResult struct {
	Requested int              `json:"requested"`
	Restarted []RestartOutcome `json:"restarted"`
	Skipped   []RestartOutcome `json:"skipped"`
	Failed    []RestartOutcome `json:"failed"`
}

// Restart resets the given terminal tasks to pending and schedules them for
// dispatch. Each restarted task gets a fresh run_id immediately, so any
// completion or webhook still in flight from the previous run is recognized
// as stale from this point on. The submission envelope is preserved; all
// execution and notify state is cleared.
func (m *Manager) Restart(taskIDs []string) RestartResult {
	res := RestartResult{Requested: len(taskIDs)}

	for _, id := range taskIDs {
		outcome := m.restartOne(id)
		switch outcome.kind {
		case restartOK:
			res.Restarted = append(res.Restarted, RestartOutcome{TaskID: id})
		case restartSkipped:
			res.Skipped = append(res.Skipped, RestartOutcome{TaskID: id, Reason: outcome.reason})
		case restartFailed:
			res.Failed = append(res.Failed, RestartOutcome{TaskID: id, Reason: outcome.reason})
		}
	}

	slog.Info("restart batch processed",
		"requested", res.Requested,
		"restarted", len(res.Restarted),
		"skipped", len(res.Skipped),
		"failed", len(res.Failed))
	return res
}

type restartKind int

const (
	restartOK restartKind = iota
	restartSkipped
	restartFailed
)

type restartOutcome struct {
	kind   restartKind
	reason string
}

func (m *Manager) restartOne(taskID string) restartOutcome {
	unlock := m.locks.lock(taskID)
	defer unlock()

	task, err := m.store.Get(taskID)
	if err != nil {
		return restartOutcome{kind: restartFailed, reason: "task not found"}
	}
	if !task.Status.Terminal() {
		return restartOutcome{
			kind:   restartSkipped,
			reason: "task is " + string(task.Status) + ", only finished tasks can be restarted",
		}
	}

	task.Status = domain.TaskPending
	task.RunID = m.newID()
	task.RunnerURL = ""
	task.RunnerName = ""
	task.StartedAt = nil
	task.CompletedAt = nil
	task.ErrorMessage = ""
	task.ScriptOutput = ""
	task.DispatchAttempts = 0
	task.NotifyAttempts = 0
	task.NotifyLastError = ""
	task.NotifyDeliveredAt = nil

	if err := m.store.Put(task); err != nil {
		slog.Error("failed to persist restart", "task_id", taskID, "error", err)
		return restartOutcome{kind: restartFailed, reason: "persist failed"}
	}

	if !m.enqueue(dispatchJob{taskID: taskID, attempt: 1}) {
		// Stays pending; RedispatchPending or the next restart picks it up.
		slog.Warn("dispatch queue full, restarted task left pending", "task_id", taskID)
	}
	slog.Info("task restarted", "task_id", taskID)
	return restartOutcome{kind: restartOK}
}
