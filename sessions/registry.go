package sessions

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"sync"

	"github.com/ggoodman/mcp-session-router/transport"
)

// Registry maps live session identifiers to their transports.
type Registry[T transport.Transport] struct {
	log *slog.Logger

	mu      sync.RWMutex
	live    map[string]T
	retired map[string]struct{}

	events dispatcher
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	log *slog.Logger
}

// WithLogger sets the logger used to report fault observer failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New returns an empty registry.
func New[T transport.Transport](opts ...Option) *Registry[T] {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[T]{
		log:     o.log,
		live:    make(map[string]T),
		retired: make(map[string]struct{}),
		events:  dispatcher{log: o.log},
	}
}

// Add registers t under id and emits a connected event before returning.
// A live or previously removed id is rejected; both indicate a broken id
// generator and callers must not retry with the same id.
func (r *Registry[T]) Add(ctx context.Context, id string, t T) error {
	if id == "" {
		return ErrEmptySessionID
	}

	r.mu.Lock()
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("add %q: %w", id, ErrSessionExists)
	}
	if _, ok := r.retired[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("add %q: %w", id, ErrSessionRetired)
	}
	r.live[id] = t
	r.mu.Unlock()

	r.events.emit(ctx, EventConnected, id)
	return nil
}

// Remove deletes id and emits a terminated event. Removing an absent id is
// a no-op and emits nothing.
func (r *Registry[T]) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	_, ok := r.live[id]
	if ok {
		delete(r.live, id)
		r.retired[id] = struct{}{}
	}
	r.mu.Unlock()

	if ok {
		r.events.emit(ctx, EventTerminated, id)
	}
}

// Get returns the transport registered under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.live[id]
	return t, ok
}

// Count returns the number of live sessions.
func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// All iterates over a snapshot of the live sessions. The registry may be
// mutated during iteration, including by the loop body.
func (r *Registry[T]) All() iter.Seq2[string, T] {
	r.mu.RLock()
	snap := maps.Clone(r.live)
	r.mu.RUnlock()

	return func(yield func(string, T) bool) {
		for id, t := range snap {
			if !yield(id, t) {
				return
			}
		}
	}
}

// OnConnected subscribes fn to connected events and returns its unsubscribe func.
func (r *Registry[T]) OnConnected(fn Observer) func() {
	return subscribe(&r.events.mu, &r.events.connected, fn)
}

// OnTerminated subscribes fn to terminated events and returns its unsubscribe func.
func (r *Registry[T]) OnTerminated(fn Observer) func() {
	return subscribe(&r.events.mu, &r.events.terminated, fn)
}

// ReportFault delivers err to the fault observers. Observers that hand work
// off and finish it later use this to surface the failure.
func (r *Registry[T]) ReportFault(ctx context.Context, err error) {
	r.events.fault(ctx, err)
}

// OnFault subscribes fn to observer failures and returns its unsubscribe func.
func (r *Registry[T]) OnFault(fn FaultObserver) func() {
	return subscribe(&r.events.mu, &r.events.faults, fn)
}
