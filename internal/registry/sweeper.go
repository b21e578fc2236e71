package registry

import (
	"context"
	"time"
)

// Sweeper periodically marks runners unreachable when their heartbeat
// expires. One sweeper runs per manager process.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a sweeper with the given check interval.
func NewSweeper(r *Registry, interval time.Duration) *Sweeper {
	return &Sweeper{registry: r, interval: interval}
}

// Start begins the background sweep goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.registry.Sweep()
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
