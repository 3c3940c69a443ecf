// Package streamable implements the MCP streamable HTTP transport for a
// single endpoint that accepts POST, GET and DELETE.
//
// A Transport runs in one of two modes. Given a session id generator it is
// stateful: the initialize request mints an id, returned in the
// Mcp-Session-Id response header, and every later request must echo it.
// Without a generator it is stateless and performs no session validation.
//
// POSTs that carry only notifications or responses are acknowledged with
// 202. POSTs that carry requests are answered on an event stream (or a JSON
// body with WithJSONResponse) that ends once every request in the POST has
// been answered. A GET opens the session's single standalone stream, used
// for server-initiated messages unrelated to a client request.
package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-router/internal/eventstream"
	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/transport"
)

const (
	// SessionIDHeader carries the session id in stateful mode.
	SessionIDHeader = "Mcp-Session-Id"
	// ProtocolVersionHeader optionally carries the negotiated protocol version.
	ProtocolVersionHeader = "Mcp-Protocol-Version"

	// MaxMessageSize bounds POST bodies read by HandleRequest.
	MaxMessageSize = 4 << 20
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// ErrorCodeSessionNotFound is returned with 404 for an unknown session id.
const ErrorCodeSessionNotFound jsonrpc.ErrorCode = -32001

var _ transport.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithSessionIDGenerator makes the transport stateful. gen is called once,
// when the initialize request arrives.
func WithSessionIDGenerator(gen func() string) Option {
	return func(t *Transport) { t.genID = gen }
}

// WithSessionInitialized registers fn to run after a session id has been
// minted and before the initialize request is dispatched. An error aborts
// the initialize request with a 500.
func WithSessionInitialized(fn func(ctx context.Context, id string) error) Option {
	return func(t *Transport) { t.onInit = fn }
}

// WithJSONResponse answers request-bearing POSTs with a JSON body instead of
// an event stream.
func WithJSONResponse() Option {
	return func(t *Transport) { t.jsonResponse = true }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// Transport is a streamable HTTP transport bound to at most one session.
type Transport struct {
	log          *slog.Logger
	genID        func() string
	onInit       func(ctx context.Context, id string) error
	jsonResponse bool

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}

	mu          sync.Mutex
	sessionID   string
	initialized bool
	handler     transport.MessageHandler
	onClose     []func()
	standalone  *stream
	// requests maps jsonrpc.RequestID.Key of in-flight requests to the
	// stream that must carry their responses.
	requests map[string]*stream
}

// stream is one response channel back to the client: either the event
// stream of a POST or GET, or a buffered JSON body.
type stream struct {
	sse *eventstream.Writer

	// guarded by Transport.mu
	pending   map[string]struct{}
	responses []json.RawMessage
	finished  chan struct{}
}

// New returns a transport. Without WithSessionIDGenerator it is stateless.
func New(opts ...Option) *Transport {
	t := &Transport{
		done:     make(chan struct{}),
		requests: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logctx.Wrap(t.log)
	return t
}

// SessionID returns the minted session id, or "" before initialization and
// in stateless mode.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *Transport) stateful() bool { return t.genID != nil }

func (t *Transport) Start(context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if t.started.Swap(true) {
		return transport.ErrAlreadyStarted
	}
	return nil
}

func (t *Transport) SetMessageHandler(h transport.MessageHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close ends all open streams and runs the close callbacks once. Callbacks
// may call Close again.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	callbacks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// HandleRequest serves one HTTP request. body is the already-read POST
// payload; when nil it is read from r.
func (t *Transport) HandleRequest(w http.ResponseWriter, r *http.Request, body []byte) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r, body)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		jsonrpc.WriteHTTPError(w, http.StatusMethodNotAllowed, jsonrpc.ErrorCodeServerError, "Method not allowed.")
	}
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request, body []byte) {
	ctx := r.Context()

	if !accepts(r, jsonMediaType) || !accepts(r, eventStreamMediaType) {
		jsonrpc.WriteHTTPError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError,
			"Not Acceptable: Client must accept both application/json and text/event-stream")
		t.log.InfoContext(ctx, "http.post.not_acceptable", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		jsonrpc.WriteHTTPError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeServerError,
			"Unsupported Media Type: Content-Type must be application/json")
		t.log.InfoContext(ctx, "http.post.unsupported_media_type")
		return
	}

	if body == nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
		if err != nil {
			jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
			return
		}
	}

	msgs, isBatch, err := jsonrpc.ParseMessages(body)
	if errors.Is(err, jsonrpc.ErrEmptyBatch) {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: empty batch")
		return
	}
	if err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error())
		t.log.InfoContext(ctx, "http.post.parse.fail", slog.String("err", err.Error()))
		return
	}

	if mcp.ContainsInitializeRequest(msgs) {
		if !t.initialize(w, r, len(msgs)) {
			return
		}
	} else if !t.validateSession(w, r) {
		return
	}

	if !slices.ContainsFunc(msgs, func(m jsonrpc.AnyMessage) bool { return m.IsRequest() }) {
		w.WriteHeader(http.StatusAccepted)
		t.dispatch(ctx, msgs)
		return
	}

	s := &stream{pending: make(map[string]struct{}), finished: make(chan struct{})}
	if !t.jsonResponse {
		s.sse, err = eventstream.NewWriter(ctx, w)
		if err != nil {
			jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Streaming unsupported")
			return
		}
		eventstream.SetHeaders(w.Header())
		t.setSessionHeader(w)
		if err := s.sse.Open(http.StatusOK); err != nil {
			return
		}
	}

	t.mu.Lock()
	for i := range msgs {
		if msgs[i].IsRequest() {
			key := msgs[i].ID.Key()
			s.pending[key] = struct{}{}
			t.requests[key] = s
		}
	}
	t.mu.Unlock()
	defer t.releaseStream(s)

	t.dispatch(ctx, msgs)

	select {
	case <-s.finished:
	case <-ctx.Done():
		t.log.DebugContext(ctx, "http.post.client_gone")
		return
	case <-t.done:
		return
	}

	if t.jsonResponse {
		t.writeJSONResponses(w, s, isBatch)
	}
}

// initialize mints the session for an initialize POST. It reports whether
// the request may proceed.
func (t *Transport) initialize(w http.ResponseWriter, r *http.Request, n int) bool {
	ctx := r.Context()

	t.mu.Lock()
	if t.initialized && t.stateful() {
		t.mu.Unlock()
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Server already initialized")
		return false
	}
	if n > 1 {
		t.mu.Unlock()
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: Only one initialization request is allowed")
		return false
	}
	if t.stateful() {
		t.sessionID = t.genID()
	}
	t.initialized = true
	id := t.sessionID
	t.mu.Unlock()

	if id != "" && t.onInit != nil {
		if err := t.onInit(ctx, id); err != nil {
			t.log.ErrorContext(ctx, "session.init.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Internal error: failed to initialize session")
			return false
		}
	}
	return true
}

// validateSession checks the session header on non-initialize requests.
func (t *Transport) validateSession(w http.ResponseWriter, r *http.Request) bool {
	if !t.stateful() {
		return true
	}

	t.mu.Lock()
	initialized, id := t.initialized, t.sessionID
	t.mu.Unlock()

	if !initialized {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Server not initialized")
		return false
	}
	values := r.Header.Values(SessionIDHeader)
	switch {
	case len(values) == 0:
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Mcp-Session-Id header is required")
		return false
	case len(values) > 1:
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Mcp-Session-Id header must be a single value")
		return false
	case values[0] != id:
		jsonrpc.WriteHTTPError(w, http.StatusNotFound, ErrorCodeSessionNotFound, "Session not found")
		return false
	}

	if v := r.Header.Get(ProtocolVersionHeader); v != "" && !slices.Contains(mcp.SupportedProtocolVersions, v) {
		jsonrpc.WriteHTTPError(w, http.StatusBadRequest, jsonrpc.ErrorCodeServerError, "Bad Request: Unsupported protocol version "+v)
		return false
	}
	return true
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !accepts(r, eventStreamMediaType) {
		jsonrpc.WriteHTTPError(w, http.StatusNotAcceptable, jsonrpc.ErrorCodeServerError, "Not Acceptable: Client must accept text/event-stream")
		return
	}
	if !t.validateSession(w, r) {
		return
	}

	sw, err := eventstream.NewWriter(ctx, w)
	if err != nil {
		jsonrpc.WriteHTTPError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "Streaming unsupported")
		return
	}
	s := &stream{sse: sw}

	t.mu.Lock()
	if t.standalone != nil {
		t.mu.Unlock()
		jsonrpc.WriteHTTPError(w, http.StatusConflict, jsonrpc.ErrorCodeServerError, "Conflict: Only one SSE stream is allowed per session")
		return
	}
	t.standalone = s
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.standalone == s {
			t.standalone = nil
		}
		t.mu.Unlock()
		sw.Close()
	}()

	eventstream.SetHeaders(w.Header())
	t.setSessionHeader(w)
	if err := sw.Open(http.StatusOK); err != nil {
		return
	}
	t.log.InfoContext(ctx, "http.get.stream.open")

	select {
	case <-ctx.Done():
	case <-t.done:
	}
	t.log.InfoContext(ctx, "http.get.stream.close")
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !t.validateSession(w, r) {
		return
	}
	_ = t.Close()
	t.setSessionHeader(w)
	w.WriteHeader(http.StatusOK)
}

// Send routes msg to the stream that owns it. Responses go to the POST that
// carried their request. Other messages go to the stream of
// relatedRequestID, else to the standalone GET stream, else are dropped.
func (t *Transport) Send(ctx context.Context, msg jsonrpc.Message, relatedRequestID string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}

	var m jsonrpc.AnyMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return fmt.Errorf("invalid outbound message: %w", err)
	}

	if m.Method == "" {
		return t.sendResponse(ctx, msg, m.ID.Key())
	}

	t.mu.Lock()
	s := t.requests[relatedRequestID]
	if s == nil || s.sse == nil {
		s = t.standalone
	}
	t.mu.Unlock()

	if s == nil {
		t.log.DebugContext(ctx, "send.drop.no_stream", slog.String("method", m.Method))
		return nil
	}
	return s.sse.Event("message", "", msg)
}

func (t *Transport) sendResponse(ctx context.Context, msg jsonrpc.Message, key string) error {
	t.mu.Lock()
	s := t.requests[key]
	t.mu.Unlock()
	if s == nil {
		return fmt.Errorf("response for %q: %w", key, transport.ErrNoStream)
	}

	if s.sse != nil {
		if err := s.sse.Event("message", "", msg); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := s.pending[key]; !ok {
		return nil
	}
	if s.sse == nil {
		s.responses = append(s.responses, json.RawMessage(msg))
	}
	delete(s.pending, key)
	delete(t.requests, key)
	if len(s.pending) == 0 {
		close(s.finished)
	}
	return nil
}

func (t *Transport) releaseStream(s *stream) {
	t.mu.Lock()
	for key := range s.pending {
		if t.requests[key] == s {
			delete(t.requests, key)
		}
	}
	t.mu.Unlock()
	if s.sse != nil {
		s.sse.Close()
	}
}

func (t *Transport) writeJSONResponses(w http.ResponseWriter, s *stream, isBatch bool) {
	t.mu.Lock()
	responses := slices.Clone(s.responses)
	t.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	t.setSessionHeader(w)
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if !isBatch && len(responses) == 1 {
		_ = enc.Encode(responses[0])
		return
	}
	_ = enc.Encode(responses)
}

func (t *Transport) dispatch(ctx context.Context, msgs []jsonrpc.AnyMessage) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		t.log.WarnContext(ctx, "dispatch.no_handler")
		return
	}
	for i := range msgs {
		h(ctx, &msgs[i])
	}
}

func (t *Transport) setSessionHeader(w http.ResponseWriter) {
	if id := t.SessionID(); id != "" {
		w.Header().Set(SessionIDHeader, id)
	}
}

// accepts reports whether the Accept header admits mt. A missing header
// admits nothing.
func accepts(r *http.Request, mt contenttype.MediaType) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, []contenttype.MediaType{mt})
	return err == nil
}
