// Package stats aggregates task counts for the statistics endpoint and
// appends one CSV row per finished task for offline reporting.
package stats

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/taskstore"
)

// csvHeader is written once when the stats file is created.
var csvHeader = []string{
	"finished_at", "task_id", "etab_name", "app_name", "task_type",
	"status", "runner_name", "duration_seconds", "dispatch_attempts",
}

// TaskSource is the read-only slice of the task store the aggregator needs.
type TaskSource interface {
	List(f taskstore.Filter) []*domain.Task
	Count(f taskstore.Filter) int
}

// Recorder appends terminal transitions to task_stats.csv and computes
// aggregate snapshots on demand. csvPath may be empty to disable the file.
type Recorder struct {
	tasks   TaskSource
	csvPath string
	now     func() time.Time

	mu sync.Mutex // serializes CSV appends
}

// New creates a recorder. Pass csvPath="" to skip CSV output.
func New(tasks TaskSource, csvPath string) *Recorder {
	return &Recorder{tasks: tasks, csvPath: csvPath, now: time.Now}
}

// RecordTerminal appends one row for a task that just reached a terminal
// state. Failures are logged, never propagated: statistics must not block
// the state machine.
func (r *Recorder) RecordTerminal(task *domain.Task) {
	if r.csvPath == "" {
		return
	}

	duration := ""
	if task.StartedAt != nil && task.CompletedAt != nil {
		duration = strconv.FormatFloat(task.CompletedAt.Sub(*task.StartedAt).Seconds(), 'f', 1, 64)
	}
	finished := r.now()
	if task.CompletedAt != nil {
		finished = *task.CompletedAt
	}
	row := []string{
		finished.UTC().Format(time.RFC3339),
		task.TaskID,
		task.EtabName,
		task.AppName,
		task.TaskType,
		string(task.Status),
		task.RunnerName,
		duration,
		strconv.Itoa(task.DispatchAttempts),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.append(row); err != nil {
		slog.Warn("failed to append task stats row", "task_id", task.TaskID, "error", err)
	}
}

func (r *Recorder) append(row []string) error {
	_, statErr := os.Stat(r.csvPath)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(r.csvPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open stats file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write stats header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write stats row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// Snapshot is the aggregate view served by the statistics endpoint.
type Snapshot struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByTaskType  map[string]int `json:"by_task_type"`
	ByDay       map[string]int `json:"by_day"`
	Oldest      *time.Time     `json:"oldest_task_at,omitempty"`
	Newest      *time.Time     `json:"newest_task_at,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Aggregate computes a snapshot across every stored task.
func (r *Recorder) Aggregate() Snapshot {
	all := r.tasks.List(taskstore.Filter{})
	snap := Snapshot{
		Total:       len(all),
		ByStatus:    make(map[string]int),
		ByTaskType:  make(map[string]int),
		ByDay:       make(map[string]int),
		GeneratedAt: r.now().UTC(),
	}

	for _, t := range all {
		snap.ByStatus[string(t.Status)]++
		snap.ByTaskType[t.TaskType]++
		snap.ByDay[t.CreatedAt.UTC().Format("2006-01-02")]++
		if snap.Oldest == nil || t.CreatedAt.Before(*snap.Oldest) {
			c := t.CreatedAt
			snap.Oldest = &c
		}
		if snap.Newest == nil || t.CreatedAt.After(*snap.Newest) {
			c := t.CreatedAt
			snap.Newest = &c
		}
	}
	return snap
}

// Days returns the bucket keys of a snapshot in ascending order. Used by
// tests and by callers that want deterministic iteration.
func (s Snapshot) Days() []string {
	days := make([]string, 0, len(s.ByDay))
	for d := range s.ByDay {
		days = append(days, d)
	}
	sort.Strings(days)
	return days
}
