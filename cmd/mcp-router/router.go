package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/mcp-session-router/auth"
	"github.com/ggoodman/mcp-session-router/examples/echo"
	"github.com/ggoodman/mcp-session-router/examples/greet"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/sessions/redismirror"
	"github.com/ggoodman/mcp-session-router/sessions/sessionmetrics"
	"github.com/ggoodman/mcp-session-router/sse"
	"github.com/ggoodman/mcp-session-router/ssehttp"
	"github.com/ggoodman/mcp-session-router/streamable"
	"github.com/ggoodman/mcp-session-router/streaminghttp"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// deps are the collaborators built outside the router so tests can swap
// them.
type deps struct {
	log           *slog.Logger
	factory       transport.ServerFactory
	authenticator auth.Authenticator
	mirror        *redismirror.Mirror
	metrics       *prometheus.Registry
}

// app is the assembled HTTP surface plus what shutdown needs to reach.
type app struct {
	router   chi.Router
	closeAll func(ctx context.Context) int
	detach   []func()
	once     sync.Once
}

// Close detaches every observer, flushing queued mirror writes. It is safe
// to call more than once.
func (a *app) Close() {
	a.once.Do(func() {
		for _, fn := range a.detach {
			fn()
		}
	})
}

func defaultFactory(log *slog.Logger) transport.ServerFactory {
	return greet.Factory(log, echo.Tool())
}

func buildApp(cfg Config, d deps) (*app, error) {
	if d.metrics == nil {
		d.metrics = prometheus.NewRegistry()
		d.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{streamable.SessionIDHeader},
		AllowCredentials: false,
	}).Handler)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.metrics, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	a := &app{router: r, closeAll: func(context.Context) int { return 0 }}
	metrics := sessionmetrics.New(sessionmetrics.WithConstLabels(prometheus.Labels{"mode": cfg.Mode}))
	if err := d.metrics.Register(metrics); err != nil {
		return nil, fmt.Errorf("register session metrics: %w", err)
	}

	switch cfg.Mode {
	case modeSSE:
		reg := sessions.New[*sse.Transport](sessions.WithLogger(d.log))
		observe(a, reg, metrics, d.mirror, d.log)
		h := ssehttp.New(d.factory,
			ssehttp.WithSessions(reg),
			ssehttp.WithSSEEndpoint(cfg.SSEEndpoint),
			ssehttp.WithMessagesEndpoint(cfg.MessagesEndpoint),
			ssehttp.WithKeepAlive(cfg.KeepAlive),
			ssehttp.WithLogger(d.log),
		)
		h.Register(r)
		a.closeAll = closeAllFunc(reg)

	case modeStateless, modeStateful:
		mode := streaminghttp.Stateless()
		if cfg.Mode == modeStateful {
			reg := sessions.New[*streamable.Transport](sessions.WithLogger(d.log))
			observe(a, reg, metrics, d.mirror, d.log)
			mode = streaminghttp.Stateful(reg)
			a.closeAll = closeAllFunc(reg)
		}

		opts := []streaminghttp.Option{
			streaminghttp.WithEndpoint(cfg.Endpoint),
			streaminghttp.WithLogger(d.log),
		}
		if cfg.JSONResponse {
			opts = append(opts, streaminghttp.WithJSONResponse())
		}
		if d.authenticator != nil {
			opts = append(opts, streaminghttp.WithAuthenticator(d.authenticator))
			if cfg.PublicURL != "" && cfg.OIDCIssuer != "" {
				opts = append(opts, streaminghttp.WithProtectedResource(cfg.PublicURL, []string{cfg.OIDCIssuer}))
			}
		}
		h, err := streaminghttp.New(mode, d.factory, opts...)
		if err != nil {
			return nil, fmt.Errorf("build streamable handler: %w", err)
		}
		h.Register(r)

	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	return a, nil
}

// observe wires metrics, the optional mirror and fault logging to reg.
func observe[T transport.Transport](a *app, reg *sessions.Registry[T], m *sessionmetrics.Metrics, mirror *redismirror.Mirror, log *slog.Logger) {
	a.detach = append(a.detach, sessionmetrics.Observe(m, reg))
	if mirror != nil {
		a.detach = append(a.detach, redismirror.Attach(mirror, reg))
	}
	a.detach = append(a.detach, reg.OnFault(func(ctx context.Context, err error) {
		log.WarnContext(ctx, "session.observer.fault", slog.String("err", err.Error()))
	}))
}

// closeAllFunc closes every live transport, which ends its stream and
// removes it from reg through the close callback.
func closeAllFunc[T transport.Transport](reg *sessions.Registry[T]) func(ctx context.Context) int {
	return func(ctx context.Context) int {
		n := 0
		for _, t := range reg.All() {
			if ctx.Err() != nil {
				break
			}
			_ = t.Close()
			n++
		}
		return n
	}
}
