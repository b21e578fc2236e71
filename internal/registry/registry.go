// Package registry tracks the dynamic pool of runners: membership,
// heartbeats, liveness and the version compatibility gate.
//
// Runners are keyed by canonical URL. The registry is purely in-memory;
// runners re-register themselves after a manager restart, so nothing is
// persisted.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mediarun/manager/internal/domain"
	"github.com/mediarun/manager/internal/version"
)

// ErrVersionMismatch is returned when a runner's MAJOR.MINOR differs from
// the manager's.
var ErrVersionMismatch = errors.New("runner version incompatible with manager")

// ErrUnknownRunner is returned on heartbeat from an unregistered URL.
var ErrUnknownRunner = errors.New("unknown runner")

// entry wraps a runner with its own mutex so heartbeats on different
// runners never contend.
type entry struct {
	mu     sync.Mutex
	runner domain.Runner
}

// Registry is the shared runner set. The outer RWMutex only guards map
// membership; per-runner updates take the entry lock.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*entry

	deadAfter time.Duration
	now       func() time.Time
}

// New creates a registry. deadAfter is the heartbeat age beyond which the
// sweeper marks a runner unreachable.
func New(deadAfter time.Duration) *Registry {
	return &Registry{
		runners:   make(map[string]*entry),
		deadAfter: deadAfter,
		now:       time.Now,
	}
}

// CanonicalURL normalizes a runner URL to scheme://host[:port] with
// lowercased scheme and host and no trailing slash or path.
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid runner url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("runner url must use http or https")
	}
	if u.Host == "" {
		return "", fmt.Errorf("runner url is missing host")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// Register adds or refreshes a runner. Re-registering an existing URL
// replaces the stored token, name, version and task types in place.
// This is how runners rotate credentials.
func (r *Registry) Register(rawURL, name, token, runnerVersion string, taskTypes []string) error {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	if !version.Compatible(runnerVersion) {
		slog.Warn("rejecting runner registration: version gate",
			"runner_url", canonical, "runner_version", runnerVersion, "manager_version", version.Version)
		return fmt.Errorf("%w: runner %s, manager %s", ErrVersionMismatch, runnerVersion, version.Version)
	}

	now := r.now()

	r.mu.Lock()
	e, ok := r.runners[canonical]
	if !ok {
		e = &entry{}
		r.runners[canonical] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	registeredAt := e.runner.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = now
	}
	e.runner = domain.Runner{
		URL:             canonical,
		Name:            name,
		Token:           token,
		Version:         runnerVersion,
		TaskTypes:       append([]string(nil), taskTypes...),
		RegisteredAt:    registeredAt,
		LastHeartbeatAt: now,
		Status:          domain.RunnerRegistered,
	}

	slog.Info("runner registered",
		"runner_url", canonical, "runner_name", name,
		"runner_version", runnerVersion, "task_types", taskTypes)
	return nil
}

// Heartbeat refreshes a runner's liveness. An unreachable runner that
// heartbeats again becomes registered.
func (r *Registry) Heartbeat(rawURL, runnerVersion string) error {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	if !version.Compatible(runnerVersion) {
		slog.Warn("rejecting runner heartbeat: version gate",
			"runner_url", canonical, "runner_version", runnerVersion, "manager_version", version.Version)
		return fmt.Errorf("%w: runner %s, manager %s", ErrVersionMismatch, runnerVersion, version.Version)
	}

	r.mu.RLock()
	e, ok := r.runners[canonical]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownRunner
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner.Status == domain.RunnerRemoved {
		return ErrUnknownRunner
	}
	e.runner.LastHeartbeatAt = r.now()
	e.runner.Version = runnerVersion
	if e.runner.Status == domain.RunnerUnreachable {
		slog.Info("runner recovered", "runner_url", canonical)
	}
	e.runner.Status = domain.RunnerRegistered
	return nil
}

// Unregister removes a runner. Idempotent.
func (r *Registry) Unregister(rawURL string) error {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[canonical]; ok {
		delete(r.runners, canonical)
		slog.Info("runner unregistered", "runner_url", canonical)
	}
	return nil
}

// Get returns a snapshot of one runner.
func (r *Registry) Get(rawURL string) (domain.Runner, error) {
	canonical, err := CanonicalURL(rawURL)
	if err != nil {
		return domain.Runner{}, err
	}
	r.mu.RLock()
	e, ok := r.runners[canonical]
	r.mu.RUnlock()
	if !ok {
		return domain.Runner{}, ErrUnknownRunner
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runner, nil
}

// List returns a snapshot of all runners, ordered by registration time then URL.
func (r *Registry) List() []domain.Runner {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runners))
	for _, e := range r.runners {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Runner, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.runner)
		e.mu.Unlock()
	}
	sortRunners(out)
	return out
}

// FindEligible returns registered runners advertising taskType, in a stable
// deterministic order: registered_at ascending, ties broken by URL. The live
// availability check happens later via /runner/ping; this is only the
// static membership filter.
func (r *Registry) FindEligible(taskType string) []domain.Runner {
	var out []domain.Runner
	for _, runner := range r.List() {
		if runner.Status != domain.RunnerRegistered {
			continue
		}
		for _, t := range runner.TaskTypes {
			if t == taskType {
				out = append(out, runner)
				break
			}
		}
	}
	return out
}

func sortRunners(rs []domain.Runner) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].RegisteredAt.Equal(rs[j].RegisteredAt) {
			return rs[i].URL < rs[j].URL
		}
		return rs[i].RegisteredAt.Before(rs[j].RegisteredAt)
	})
}

// Sweep marks unreachable every registered runner whose last heartbeat is
// older than deadAfter. Returns the URLs it transitioned, for logging.
func (r *Registry) Sweep() []string {
	cutoff := r.now().Add(-r.deadAfter)

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.runners))
	for _, e := range r.runners {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var marked []string
	for _, e := range entries {
		e.mu.Lock()
		if e.runner.Status == domain.RunnerRegistered && e.runner.LastHeartbeatAt.Before(cutoff) {
			e.runner.Status = domain.RunnerUnreachable
			marked = append(marked, e.runner.URL)
		}
		e.mu.Unlock()
	}
	for _, u := range marked {
		slog.Warn("runner marked unreachable: heartbeat expired", "runner_url", u)
	}
	return marked
}
