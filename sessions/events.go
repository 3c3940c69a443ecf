package sessions

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Observer handles a connected or terminated event.
type Observer func(ctx context.Context, id string) error

// FaultObserver handles an isolated observer failure.
type FaultObserver func(ctx context.Context, err error)

type subscription[F any] struct {
	fn F
}

// dispatcher fans lifecycle events out to subscribers. Each delivery runs
// inside recover so a failing subscriber is reported instead of unwinding
// into the registry operation that emitted the event.
type dispatcher struct {
	log *slog.Logger

	mu         sync.Mutex
	connected  []*subscription[Observer]
	terminated []*subscription[Observer]
	faults     []*subscription[FaultObserver]
}

func subscribe[F any](mu *sync.Mutex, list *[]*subscription[F], fn F) func() {
	sub := &subscription[F]{fn: fn}
	mu.Lock()
	*list = append(*list, sub)
	mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			*list = slices.DeleteFunc(*list, func(s *subscription[F]) bool { return s == sub })
		})
	}
}

func snapshot[F any](mu *sync.Mutex, list *[]*subscription[F]) []*subscription[F] {
	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(*list)
}

func (d *dispatcher) emit(ctx context.Context, ev Event, id string) {
	var subs []*subscription[Observer]
	switch ev {
	case EventConnected:
		subs = snapshot(&d.mu, &d.connected)
	case EventTerminated:
		subs = snapshot(&d.mu, &d.terminated)
	}

	for _, s := range subs {
		if err := callObserver(ctx, s.fn, id); err != nil {
			d.fault(ctx, &ObserverError{Event: ev, SessionID: id, Err: err})
		}
	}
}

func (d *dispatcher) fault(ctx context.Context, err error) {
	subs := snapshot(&d.mu, &d.faults)
	if len(subs) == 0 {
		d.log.WarnContext(ctx, "session.observer.fault", slog.String("err", err.Error()))
		return
	}
	for _, s := range subs {
		if ferr := callFaultObserver(ctx, s.fn, err); ferr != nil {
			// Fault observers do not get a second chance.
			d.log.ErrorContext(ctx, "session.fault_observer.fail",
				slog.String("fault", err.Error()),
				slog.String("err", ferr.Error()),
			)
		}
	}
}

func callObserver(ctx context.Context, fn Observer, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx, id)
}

func callFaultObserver(ctx context.Context, fn FaultObserver, fault error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn(ctx, fault)
	return nil
}
