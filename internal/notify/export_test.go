package notify

import (
	"context"
	"time"
)

// Test hooks.

func (n *Notifier) SetSleep(f func(ctx context.Context, d time.Duration) error) { n.sleep = f }

func (n *Notifier) DeliverNow(ctx context.Context, taskID, runID string) {
	n.deliver(ctx, job{taskID: taskID, runID: runID})
}

func (n *Notifier) Delay(attempt int) time.Duration { return n.delay(attempt) }
