package taskstore

import (
	"sort"
	"time"

	"github.com/mediarun/manager/internal/domain"
)

// Filter narrows a List call. Zero values mean "any".
type Filter struct {
	Status   domain.TaskStatus
	TaskType string
	EtabName string
	AppName  string
	From     time.Time // inclusive lower bound on created_at
	To       time.Time // exclusive upper bound on created_at
	Limit    int       // 0 = no limit
	Offset   int
}

func (f Filter) matches(t *domain.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TaskType != "" && t.TaskType != f.TaskType {
		return false
	}
	if f.EtabName != "" && t.EtabName != f.EtabName {
		return false
	}
	if f.AppName != "" && t.AppName != f.AppName {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// List returns matching tasks ordered by created_at descending (newest
// first), with offset/limit applied after sorting.
func (s *Store) List(f Filter) []*domain.Task {
	s.mu.RLock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Count returns the number of tasks matching the filter.
func (s *Store) Count(f Filter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if f.matches(t) {
			n++
		}
	}
	return n
}
