// Package domain defines the core types shared across managerd.
// These types represent the coordination model, not HTTP specifics.
//
// Domain types carry json tags because they are both the persistence shape
// (day-bucket files) and the API response shape. When an endpoint needs a
// different shape (e.g. the runner list view), the api package defines a
// response struct instead.
//
// Sensitive fields are tagged `json:"-"` so they never leave the process:
//   - Runner.Token (per-runner bearer credential)
//   - Task.ClientToken (submitter's token, echoed on notify callbacks)
package domain

import (
	"errors"
	"time"
)

// ErrNotFound indicates a lookup for an unknown task or runner.
var ErrNotFound = errors.New("not found")

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskWarning   TaskStatus = "warning"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskRejected  TaskStatus = "rejected"
)

// Terminal reports whether the status is final. Terminal tasks only leave
// their state through an explicit restart.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskWarning, TaskFailed, TaskTimeout, TaskRejected:
		return true
	}
	return false
}

// ValidCompletionStatus checks a status reported by a runner on /task/completion.
func ValidCompletionStatus(s TaskStatus) bool {
	switch s {
	case TaskCompleted, TaskWarning, TaskFailed:
		return true
	}
	return false
}

// TaskRequest is the submission envelope received on POST /task/execute.
// Parameters are opaque: the manager passes them through to the runner
// without introspection.
type TaskRequest struct {
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`
}

// Task is a unit of work whose lifecycle the manager owns.
type Task struct {
	TaskID string `json:"task_id"`

	// Submission envelope, preserved verbatim across restarts.
	EtabName    string         `json:"etab_name"`
	AppName     string         `json:"app_name"`
	AppVersion  string         `json:"app_version,omitempty"`
	TaskType    string         `json:"task_type"`
	SourceURL   string         `json:"source_url"`
	Affiliation string         `json:"affiliation,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	NotifyURL   string         `json:"notify_url,omitempty"`

	// Assignment.
	RunnerURL  string `json:"runner_url,omitempty"`
	RunnerName string `json:"runner_name,omitempty"`

	// Execution.
	Status       TaskStatus `json:"status"`
	RunID        string     `json:"run_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScriptOutput string     `json:"script_output,omitempty"`

	// Dispatch bookkeeping.
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	// Notify delivery bookkeeping.
	NotifyAttempts    int        `json:"notify_attempts,omitempty"`
	NotifyLastError   string     `json:"notify_last_error,omitempty"`
	NotifyDeliveredAt *time.Time `json:"notify_delivered_at,omitempty"`

	// ClientToken is the token the submitter authenticated with. It is sent
	// back as a bearer on notify callbacks and never serialized.
	ClientToken string `json:"-"`
}

// Clone returns a deep-enough copy of the task for handing to callers
// outside the store's locks. Parameters are copied shallowly: the manager
// never mutates them.
func (t *Task) Clone() *Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.NotifyDeliveredAt != nil {
		v := *t.NotifyDeliveredAt
		cp.NotifyDeliveredAt = &v
	}
	return &cp
}

// RunnerStatus represents registry membership state.
type RunnerStatus string

const (
	RunnerRegistered  RunnerStatus = "registered"
	RunnerUnreachable RunnerStatus = "unreachable"
	RunnerRemoved     RunnerStatus = "removed"
)

// Runner is a remote HTTP worker known to the registry.
// `available` and the live task_types set are transient: they are
// re-fetched via /runner/ping at selection time, not stored here.
type Runner struct {
	URL             string       `json:"url"`
	Name            string       `json:"name"`
	Token           string       `json:"-"`
	Version         string       `json:"version"`
	TaskTypes       []string     `json:"task_types"`
	RegisteredAt    time.Time    `json:"registered_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	Status          RunnerStatus `json:"status"`
}

// Completion is the payload a runner POSTs to /task/completion.
// RunID is optional for legacy runners; when present it must match the
// task's current run for the completion to take effect.
type Completion struct {
	TaskID       string     `json:"task_id"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScriptOutput string     `json:"script_output,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
}

// PingResponse is what a runner returns on GET /runner/ping.
type PingResponse struct {
	Available  bool     `json:"available"`
	Registered bool     `json:"registered"`
	TaskTypes  []string `json:"task_types"`
}
