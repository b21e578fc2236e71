package taskman

import (
	"context"
	"time"
)

// Test hooks: drive the worker and sweeper paths synchronously.

func (m *Manager) RunDispatchNow(ctx context.Context, taskID string, attempt int) {
	m.runDispatch(ctx, dispatchJob{taskID: taskID, attempt: attempt})
}

func (m *Manager) SweepTimeoutsNow() { m.sweepTimeouts() }

func (m *Manager) SetNow(f func() time.Time) { m.now = f }

func (m *Manager) SetNewID(f func() string) { m.newID = f }

func (m *Manager) QueueLen() int { return len(m.queue) }
