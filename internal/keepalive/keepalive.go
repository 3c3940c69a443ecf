// Package keepalive runs a function on a fixed interval until cancelled.
package keepalive

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultInterval is used when Start is given a non-positive interval.
const DefaultInterval = time.Second

// Task is a handle on a running keep-alive loop.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Start calls fn every interval on clock until ctx is done, Cancel is called,
// or fn returns an error. The first call happens one interval after Start.
func Start(ctx context.Context, clock clockwork.Clock, interval time.Duration, fn func(ctx context.Context) error) *Task {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	ticker := clock.NewTicker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if err := fn(ctx); err != nil {
					t.mu.Lock()
					t.err = err
					t.mu.Unlock()
					return
				}
			}
		}
	}()

	return t
}

// Cancel stops the loop and waits for an in-flight call to return. It is
// safe to call more than once and from multiple goroutines.
func (t *Task) Cancel() {
	t.cancel()
	<-t.done
}

// Done is closed once the loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the error that stopped the loop, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
