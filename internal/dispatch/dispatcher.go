// Package dispatch selects an eligible runner for a task and invokes
// POST /task/run on it.
//
// Selection is ping-before-run: each candidate self-reports availability via
// GET /runner/ping, so a busy runner is skipped instead of being asked to
// reject the task. Candidates are walked in the registry's deterministic
// order (registration time, then URL) for fairness and reproducibility.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/runnerclient"
)

// OutcomeKind classifies the result of a dispatch attempt.
type OutcomeKind int

const (
	// Dispatched: a runner accepted the task.
	Dispatched OutcomeKind = iota
	// NoRunnerAvailable: no candidate passed the live eligibility check.
	// The task may be retried later.
	NoRunnerAvailable
	// RunnerRejected: at least one eligible runner was asked to run the task
	// and every such runner answered non-2xx. The task is not retried.
	RunnerRejected
)

// Outcome is the result of one Dispatch call.
type Outcome struct {
	Kind       OutcomeKind
	RunnerURL  string
	RunnerName string
	Reason     string // populated for RunnerRejected
}

// Candidates yields runners that statically advertise a task type.
// Implemented by *registry.Registry.
type Candidates interface {
	FindEligible(taskType string) []domain.Runner
}

// Caller performs the outbound ping and run calls.
// Implemented by *runnerclient.Client.
type Caller interface {
	Ping(ctx context.Context, runner domain.Runner) (*domain.PingResponse, error)
	Run(ctx context.Context, runner domain.Runner, payload runnerclient.RunPayload) error
}

// Dispatcher walks eligible runners and hands the task to the first one
// that accepts it.
type Dispatcher struct {
	candidates  Candidates
	caller      Caller
	callbackURL string // absolute URL of the manager's /task/completion endpoint
}

// New creates a dispatcher. callbackURL is sent to runners so they know
// where to report completion.
func New(candidates Candidates, caller Caller, callbackURL string) *Dispatcher {
	return &Dispatcher{candidates: candidates, caller: caller, callbackURL: callbackURL}
}

// Dispatch tries each statically eligible runner in order: ping, check the
// live self-report, then POST /task/run. runID is the correlation id minted
// for this attempt; it travels in the payload and must come back on the
// completion callback.
//
// The caller is expected to hold the task's lock for the duration; no
// other mutation of this task is legal until the run call settles.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task, runID string) Outcome {
	candidates := d.candidates.FindEligible(task.TaskType)
	if len(candidates) == 0 {
		return Outcome{Kind: NoRunnerAvailable}
	}

	payload := runnerclient.RunPayload{
		TaskID:             task.TaskID,
		RunID:              runID,
		EtabName:           task.EtabName,
		AppName:            task.AppName,
		AppVersion:         task.AppVersion,
		TaskType:           task.TaskType,
		SourceURL:          task.SourceURL,
		Affiliation:        task.Affiliation,
		Parameters:         task.Parameters,
		NotifyURL:          task.NotifyURL,
		CompletionCallback: d.callbackURL,
	}

	var lastReject string
	for _, runner := range candidates {
		ping, err := d.caller.Ping(ctx, runner)
		if err != nil {
			slog.Debug("runner ping failed, skipping",
				"task_id", task.TaskID, "runner_url", runner.URL, "error", err)
			continue
		}
		if !eligible(ping, task.TaskType) {
			continue
		}

		err = d.caller.Run(ctx, runner, payload)
		if err == nil {
			slog.Info("task dispatched",
				"task_id", task.TaskID, "run_id", runID,
				"runner_url", runner.URL, "runner_name", runner.Name)
			return Outcome{Kind: Dispatched, RunnerURL: runner.URL, RunnerName: runner.Name}
		}

		var rejected *runnerclient.RejectedError
		if errors.As(err, &rejected) {
			lastReject = rejected.Error()
			slog.Warn("runner rejected task, trying next candidate",
				"task_id", task.TaskID, "runner_url", runner.URL, "status", rejected.StatusCode)
		} else {
			slog.Warn("dispatch call failed, trying next candidate",
				"task_id", task.TaskID, "runner_url", runner.URL, "error", err)
		}
	}

	if lastReject != "" {
		return Outcome{Kind: RunnerRejected, Reason: lastReject}
	}
	return Outcome{Kind: NoRunnerAvailable}
}

// eligible applies the live self-report gate: the runner must say it is
// available, registered with this manager, and still advertising the task type.
func eligible(ping *domain.PingResponse, taskType string) bool {
	if !ping.Available || !ping.Registered {
		return false
	}
	for _, t := range ping.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
