// Package janitor runs the retention schedule: finished tasks older than the
// configured age are removed from the store on a cron cadence.
package janitor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Cleaner removes finished tasks older than maxAge and reports how many.
// Implemented by *taskman.Manager.
type Cleaner interface {
	CleanupOldTasks(maxAge time.Duration) int
}

// Janitor schedules retention cleanup.
type Janitor struct {
	cron     *cron.Cron
	cleaner  Cleaner
	maxAge   time.Duration
	schedule string
}

// New creates a janitor with a standard 5-field cron schedule.
func New(cleaner Cleaner, schedule string, maxAge time.Duration) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		cleaner:  cleaner,
		maxAge:   maxAge,
		schedule: schedule,
	}
}

// Start validates the schedule and begins running it.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, j.run)
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	slog.Info("retention janitor started", "schedule", j.schedule, "max_age", j.maxAge)
	return nil
}

// Stop halts the schedule and waits for an in-progress run to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) run() {
	start := time.Now()
	removed := j.cleaner.CleanupOldTasks(j.maxAge)
	if removed > 0 {
		slog.Info("retention cleanup finished",
			"removed", removed, "elapsed", time.Since(start))
	}
}
