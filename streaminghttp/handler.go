package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-session-router/auth"
	"github.com/ggoodman/mcp-session-router/httproute"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/streamable"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

// DefaultEndpoint is the path served when WithEndpoint is not given.
const DefaultEndpoint = "/mcp"

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

const (
	msgNoValidSession  = "Bad Request: No valid session ID provided"
	msgInvalidSession  = "Bad Request: Invalid session ID header"
	msgMethodNotAllowed = "Method not allowed."
)

// Mode selects stateless or stateful dispatch. Build one with Stateless or
// Stateful.
type Mode struct {
	stateful bool
	sessions *sessions.Registry[*streamable.Transport]
}

// Stateless serves every POST with a fresh engine and transport. No session
// id ever crosses the wire.
func Stateless() Mode { return Mode{} }

// Stateful tracks sessions in reg. A nil reg gets a private registry.
func Stateful(reg *sessions.Registry[*streamable.Transport]) Mode {
	return Mode{stateful: true, sessions: reg}
}

// Option configures a Handler.
type Option func(*Handler)

// WithEndpoint sets the path served. Defaults to /mcp.
func WithEndpoint(path string) Option {
	return func(h *Handler) { h.endpoint = path }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithAuthenticator verifies the bearer token on every request. Without it
// the Authorization header is forwarded to the engine unverified.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithSessionIDGenerator overrides uuid.NewString for stateful session ids.
func WithSessionIDGenerator(gen func() string) Option {
	return func(h *Handler) { h.genID = gen }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithProtectedResource serves OAuth protected resource metadata for
// resource (the public URL of the endpoint) and references it from
// authentication challenges.
func WithProtectedResource(resource string, authorizationServers []string, scopes ...string) Option {
	return func(h *Handler) {
		h.prm = &protectedResource{resource: resource, servers: authorizationServers, scopes: scopes}
	}
}

// WithJSONResponse makes transports answer POSTs with a JSON body instead
// of an event stream.
func WithJSONResponse() Option {
	return func(h *Handler) { h.jsonResponse = true }
}

// Handler routes the streamable HTTP transport on a single endpoint.
type Handler struct {
	mode         Mode
	factory      transport.ServerFactory
	endpoint     string
	genID        func() string
	jsonResponse bool
	auth         auth.Authenticator
	realm        string
	prm          *protectedResource
	log          *slog.Logger

	mux httproute.ServeMux
}

// New builds a Handler. Dispatch is fixed by mode for the handler's
// lifetime.
func New(mode Mode, factory transport.ServerFactory, opts ...Option) (*Handler, error) {
	if factory == nil {
		return nil, errors.New("server factory is required")
	}

	h := &Handler{
		mode:     mode,
		factory:  factory,
		endpoint: DefaultEndpoint,
		genID:    uuid.NewString,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.endpoint, "/") {
		return nil, fmt.Errorf("endpoint must be an absolute path, got %q", h.endpoint)
	}
	if h.genID == nil {
		return nil, errors.New("session id generator must not be nil")
	}
	h.log = logctx.Wrap(h.log)
	if h.mode.stateful && h.mode.sessions == nil {
		h.mode.sessions = sessions.New[*streamable.Transport](sessions.WithLogger(h.log))
	}
	if h.prm != nil {
		if err := h.prm.init(); err != nil {
			return nil, err
		}
	}

	h.mux = httproute.NewServeMux()
	h.Register(h.mux)
	return h, nil
}

// Sessions returns the registry in stateful mode and nil otherwise.
func (h *Handler) Sessions() *sessions.Registry[*streamable.Transport] {
	return h.mode.sessions
}

// Register binds the endpoint, and the metadata document when configured,
// on r.
func (h *Handler) Register(r httproute.Registrar) {
	if h.mode.stateful {
		r.Method(http.MethodPost, h.endpoint, withRequestData(h.handleStatefulPost))
		r.Method(http.MethodGet, h.endpoint, withRequestData(h.handleStatefulForward))
		r.Method(http.MethodDelete, h.endpoint, withRequestData(h.handleStatefulForward))
	} else {
		r.Method(http.MethodPost, h.endpoint, withRequestData(h.handleStatelessPost))
		r.Method(http.MethodGet, h.endpoint, withRequestData(h.handleStatelessNotAllowed))
		r.Method(http.MethodDelete, h.endpoint, withRequestData(h.handleStatelessNotAllowed))
	}
	if h.prm != nil {
		r.Method(http.MethodGet, h.prm.path, withRequestData(h.prm.serve))
		r.Method(http.MethodOptions, h.prm.path, withRequestData(h.prm.preflight))
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// withRequestData attaches per-request log data so that routes bound on an
// external router log the same way as ServeHTTP.
func withRequestData(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func (h *Handler) handleStatelessNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.log.InfoContext(r.Context(), "http.method.not_allowed")
	w.Header().Set("Allow", http.MethodPost)
	jsonrpc.WriteHTTPError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, msgMethodNotAllowed)
}

func (h *Handler) handleStatelessPost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx = r.Context()

	srv, err := h.factory(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "server.factory.fail", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		return
	}
	t := streamable.New(h.transportOptions()...)
	sess := newSession(h, t, srv)
	defer sess.close(context.WithoutCancel(ctx))

	if err := srv.Connect(ctx, t); err != nil {
		h.log.ErrorContext(ctx, "server.connect.fail", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		return
	}

	t.HandleRequest(w, r, nil)
	h.log.InfoContext(ctx, "http.post.end", slog.Duration("duration", time.Since(start)))
}

func (h *Handler) handleStatefulPost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx = r.Context()

	if _, present := r.Header[http.CanonicalHeaderKey(streamable.SessionIDHeader)]; present {
		h.forward(w, r)
		h.log.InfoContext(ctx, "http.post.end", slog.Duration("duration", time.Since(start)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, streamable.MaxMessageSize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			jsonrpc.WriteHTTPError(w, http.StatusRequestEntityTooLarge, jsonrpc.ErrorCodeInvalidRequest, "Request Entity Too Large")
			return
		}
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		return
	}
	msgs, _, err := jsonrpc.ParseMessages(body)
	if err != nil || !mcp.ContainsInitializeRequest(msgs) {
		h.log.InfoContext(ctx, "session.header.missing")
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgNoValidSession)
		return
	}

	sess, err := h.startSession(ctx)
	if err != nil {
		h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		return
	}

	sess.t.HandleRequest(w, r, body)

	if !sess.registered.Load() {
		// Initialization was rejected by the transport or the registry.
		sess.close(context.WithoutCancel(ctx))
	}
	h.log.InfoContext(ctx, "http.post.end", slog.Duration("duration", time.Since(start)))
}

func (h *Handler) handleStatefulForward(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http."+strings.ToLower(r.Method)+".start")

	r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.forward(w, r)
	h.log.InfoContext(ctx, "http."+strings.ToLower(r.Method)+".end", slog.Duration("duration", time.Since(start)))
}

// forward resolves the session named by the request header and hands the
// request to its transport.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	values := r.Header.Values(streamable.SessionIDHeader)
	switch {
	case len(values) == 0:
		h.log.InfoContext(ctx, "session.header.missing")
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgNoValidSession)
		return
	case len(values) > 1 || values[0] == "":
		h.log.InfoContext(ctx, "session.header.invalid", slog.Int("count", len(values)))
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgInvalidSession)
		return
	}
	id := values[0]
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "streamable"})

	t, ok := h.mode.sessions.Get(id)
	if !ok {
		h.log.InfoContext(ctx, "session.load.miss")
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, msgNoValidSession)
		return
	}

	t.HandleRequest(w, r.WithContext(ctx), nil)

	if r.Method == http.MethodDelete {
		h.mode.sessions.Remove(context.WithoutCancel(ctx), id)
		_ = t.Close()
		h.log.InfoContext(ctx, "session.delete.ok")
	}
}

func (h *Handler) transportOptions(extra ...streamable.Option) []streamable.Option {
	opts := []streamable.Option{streamable.WithLogger(h.log)}
	if h.jsonResponse {
		opts = append(opts, streamable.WithJSONResponse())
	}
	return append(opts, extra...)
}

// startSession builds the transport and engine for an initializing POST.
// The session joins the registry only once the transport mints its id.
func (h *Handler) startSession(ctx context.Context) (*session, error) {
	srv, err := h.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("build server: %w", err)
	}

	var sess *session
	t := streamable.New(h.transportOptions(
		streamable.WithSessionIDGenerator(h.genID),
		streamable.WithSessionInitialized(func(ctx context.Context, id string) error {
			return sess.register(ctx, id)
		}),
	)...)
	sess = newSession(h, t, srv)

	if err := srv.Connect(ctx, t); err != nil {
		sess.close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("connect server: %w", err)
	}
	return sess, nil
}

// session binds a transport to its engine and tears both down exactly once,
// on whichever of transport close, DELETE or failed initialization comes
// first.
type session struct {
	h   *Handler
	t   *streamable.Transport
	srv transport.Server

	id         atomic.Pointer[string]
	registered atomic.Bool
	closed     atomic.Bool
}

func newSession(h *Handler, t *streamable.Transport, srv transport.Server) *session {
	s := &session{h: h, t: t, srv: srv}
	t.OnClose(func() { s.close(context.Background()) })
	return s
}

// register joins the registry. registered is raised before Add so that a
// close racing with the connected observers still removes the entry, and a
// close that lands before the entry exists is caught after Add returns.
func (s *session) register(ctx context.Context, id string) error {
	s.id.Store(&id)
	s.registered.Store(true)
	if err := s.h.mode.sessions.Add(ctx, id, s.t); err != nil {
		s.registered.Store(false)
		s.h.log.ErrorContext(ctx, "session.add.fail", slog.String("session_id", id), slog.String("err", err.Error()))
		return err
	}
	if s.closed.Load() {
		s.removeOwn(context.WithoutCancel(ctx), id)
	}
	return nil
}

// removeOwn removes id only while it still maps to this session's transport,
// so a rejected duplicate never evicts the live holder of the id.
func (s *session) removeOwn(ctx context.Context, id string) {
	if cur, ok := s.h.mode.sessions.Get(id); ok && cur == s.t {
		s.h.mode.sessions.Remove(ctx, id)
	}
}

func (s *session) close(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.registered.Load() {
		if id := s.id.Load(); id != nil {
			ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: *id, Transport: "streamable"})
			s.removeOwn(ctx, *id)
		}
	}
	if err := s.srv.Close(); err != nil {
		s.h.log.WarnContext(ctx, "server.close.fail", slog.String("err", err.Error()))
	}
	if err := s.t.Close(); err != nil {
		s.h.log.WarnContext(ctx, "transport.close.fail", slog.String("err", err.Error()))
	}
}

// authenticate verifies the bearer token when an Authenticator is set and
// attaches the resulting auth.Info to the request. It reports false after
// writing a rejection.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	ctx := r.Context()
	header := r.Header.Get(authorizationHeader)

	if h.auth == nil {
		if info := auth.FromRequest(r); info != nil {
			return r.WithContext(auth.WithInfo(ctx, info)), true
		}
		return r, true
	}

	if header == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.challenge(nil))
		jsonrpc.WriteHTTPError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeServerError, "Unauthorized")
		return nil, false
	}

	tok := auth.BearerToken(header)
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{
			{"error", "invalid_request"},
			{"error_description", "malformed bearer authorization header"},
		}))
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: malformed Authorization header")
		return nil, false
	}

	user, err := h.auth.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrInsufficientScope):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{
			{"error", "insufficient_scope"},
			{"error_description", err.Error()},
		}))
		jsonrpc.WriteHTTPError(w, http.StatusForbidden, jsonrpc.ErrorCodeServerError, "Forbidden")
		return nil, false
	case errors.Is(err, auth.ErrUnauthorized):
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, h.challenge([][2]string{
			{"error", "invalid_token"},
			{"error_description", err.Error()},
		}))
		jsonrpc.WriteHTTPError(w, http.StatusUnauthorized, jsonrpc.ErrorCodeServerError, "Unauthorized")
		return nil, false
	default:
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal server error")
		return nil, false
	}

	h.log.DebugContext(ctx, "auth.ok", slog.String("user_id", user.UserID()))
	return r.WithContext(auth.WithInfo(ctx, &auth.Info{Token: header, User: user})), true
}

// challenge builds a Bearer WWW-Authenticate value. Params keep their order.
func (h *Handler) challenge(params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	pieces := make([]string, 0, 2+len(params))
	if h.realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(h.realm)))
	}
	if h.prm != nil {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc.Replace(h.prm.url)))
	}
	for _, p := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, p[0], esc.Replace(p[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
