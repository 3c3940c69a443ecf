// Package ssehttp routes the legacy HTTP+SSE MCP transport: a GET stream
// endpoint that opens a session and a POST endpoint that accepts messages
// for it, addressed by the sessionId query parameter.
package ssehttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-router/auth"
	"github.com/ggoodman/mcp-session-router/httproute"
	"github.com/ggoodman/mcp-session-router/internal/keepalive"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/sse"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultSSEEndpoint      = "/sse"
	DefaultMessagesEndpoint = "/messages"
)

// Option configures a Handler.
type Option func(*Handler)

// WithSSEEndpoint sets the stream path. Defaults to /sse.
func WithSSEEndpoint(path string) Option {
	return func(h *Handler) { h.ssePath = path }
}

// WithMessagesEndpoint sets the message path advertised to clients.
// Defaults to /messages.
func WithMessagesEndpoint(path string) Option {
	return func(h *Handler) { h.messagesPath = path }
}

// WithSessions shares an existing registry, for instance with metrics or a
// Redis mirror attached.
func WithSessions(reg *sessions.Registry[*sse.Transport]) Option {
	return func(h *Handler) { h.sessions = reg }
}

// WithKeepAlive pings every open stream at interval. A non-positive
// interval selects keepalive.DefaultInterval.
func WithKeepAlive(interval time.Duration) Option {
	return func(h *Handler) {
		if interval <= 0 {
			interval = keepalive.DefaultInterval
		}
		h.keepAlive = interval
	}
}

// WithClock sets the clock driving keep-alive pings.
func WithClock(c clockwork.Clock) Option {
	return func(h *Handler) { h.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// Handler serves the stream and message endpoints.
type Handler struct {
	factory      transport.ServerFactory
	sessions     *sessions.Registry[*sse.Transport]
	ssePath      string
	messagesPath string
	keepAlive    time.Duration
	clock        clockwork.Clock
	log          *slog.Logger

	mux httproute.ServeMux
}

// New returns a Handler that builds one engine per stream with factory.
func New(factory transport.ServerFactory, opts ...Option) *Handler {
	h := &Handler{
		factory:      factory,
		ssePath:      DefaultSSEEndpoint,
		messagesPath: DefaultMessagesEndpoint,
		clock:        clockwork.NewRealClock(),
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	if h.sessions == nil {
		h.sessions = sessions.New[*sse.Transport](sessions.WithLogger(h.log))
	}

	h.mux = httproute.NewServeMux()
	h.Register(h.mux)
	return h
}

// Sessions returns the registry tracking open streams.
func (h *Handler) Sessions() *sessions.Registry[*sse.Transport] { return h.sessions }

// Register binds both endpoints on r.
func (h *Handler) Register(r httproute.Registrar) {
	r.Method(http.MethodGet, h.ssePath, http.HandlerFunc(h.handleStream))
	r.Method(http.MethodPost, h.messagesPath, http.HandlerFunc(h.handleMessage))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func withRequestData(r *http.Request) context.Context {
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

// stream owns everything tied to one open GET: the transport, its engine
// and the keep-alive task. close tears all of it down exactly once.
type stream struct {
	h   *Handler
	id  string
	t   *sse.Transport
	srv transport.Server

	mu     sync.Mutex
	ka     *keepalive.Task
	closed atomic.Bool
}

func (s *stream) startKeepAlive(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	s.ka = keepalive.Start(ctx, s.h.clock, s.h.keepAlive, func(context.Context) error {
		return s.t.Ping()
	})
}

func (s *stream) close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	ka := s.ka
	s.mu.Unlock()
	if ka != nil {
		ka.Cancel()
	}

	s.h.sessions.Remove(ctx, s.id)
	if err := s.srv.Close(); err != nil {
		s.h.log.WarnContext(ctx, "sse.server.close.fail", slog.String("err", err.Error()))
	}
	if err := s.t.Close(); err != nil {
		s.h.log.WarnContext(ctx, "sse.transport.close.fail", slog.String("err", err.Error()))
	}
	s.h.log.InfoContext(ctx, "sse.stream.closed")
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := withRequestData(r)

	t := sse.NewTransport(h.messagesPath, w)
	id := t.SessionID()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "sse"})
	h.log.InfoContext(ctx, "sse.stream.start")

	srv, err := h.factory(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "server.factory.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.sessions.Add(ctx, id, t); err != nil {
		h.log.ErrorContext(ctx, "session.add.fail", slog.String("err", err.Error()))
		_ = srv.Close()
		_ = t.Close()
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s := &stream{h: h, id: id, t: t, srv: srv}
	cleanupCtx := context.WithoutCancel(ctx)
	t.OnClose(func() { s.close(cleanupCtx) })
	defer s.close(cleanupCtx)

	if err := srv.Connect(ctx, t); err != nil {
		h.log.ErrorContext(ctx, "server.connect.fail", slog.String("err", err.Error()))
		return
	}
	if h.keepAlive > 0 {
		s.startKeepAlive(ctx)
	}

	select {
	case <-t.Done():
	case <-ctx.Done():
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("duration", time.Since(start)))
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := withRequestData(r)

	values := r.URL.Query()["sessionId"]
	if len(values) != 1 || values[0] == "" {
		h.log.InfoContext(ctx, "sse.message.session.invalid", slog.Int("count", len(values)))
		writeJSONError(w, http.StatusBadRequest, "Invalid session")
		return
	}
	id := values[0]
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "sse"})

	t, ok := h.sessions.Get(id)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		writeJSONError(w, http.StatusBadRequest, "Invalid session")
		return
	}

	if info := auth.FromRequest(r); info != nil {
		ctx = auth.WithInfo(ctx, info)
	}
	if err := t.HandlePostMessage(w, r.WithContext(ctx), nil); err != nil {
		h.log.InfoContext(ctx, "sse.message.rejected", slog.String("err", err.Error()))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
