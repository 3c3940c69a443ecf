// Package sessions tracks the live sessions owned by an HTTP router.
//
// A Registry maps session identifiers to the transports serving them. It
// holds non-owning references: the router that created a transport stays
// responsible for driving and closing it, and removes the entry when the
// transport becomes unusable. Identifiers are single use. Once removed, an
// identifier is retired for the lifetime of the registry.
//
// # Lifecycle events
//
// Every successful Add emits exactly one connected event and every Remove of
// a present entry emits exactly one terminated event. Observers subscribe
// with OnConnected and OnTerminated and run synchronously, outside the
// registry lock, after the mutation is visible:
//
//	reg := sessions.New[*sse.Transport]()
//	stop := reg.OnConnected(func(ctx context.Context, id string) error {
//		log.InfoContext(ctx, "session.connected", slog.String("id", id))
//		return nil
//	})
//	defer stop()
//
// An observer that returns an error or panics never affects the Add or
// Remove that triggered it, nor the observers after it. The failure is
// wrapped in an *ObserverError and delivered to every OnFault observer.
//
// # Sharing
//
// A Registry may be shared between routers of the same transport type, and
// the sessionmetrics and redismirror subpackages attach to it purely as
// observers.
package sessions
