package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-session-router/internal/logctx"
	"github.com/ggoodman/mcp-session-router/jsonrpc"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/transport"
)

var (
	// ErrAlreadyConnected is returned by Connect on a server that already has a transport.
	ErrAlreadyConnected = errors.New("server already connected")
	// ErrServerClosed is returned by Connect after Close.
	ErrServerClosed = errors.New("server closed")
)

var _ transport.Server = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(instr string) Option {
	return func(s *Server) { s.instructions = instr }
}

// WithTools exposes st through tools/list and tools/call.
func WithTools(st *StaticTools) Option {
	return func(s *Server) { s.tools = st }
}

// WithToolsPageSize sets the tools/list page size.
func WithToolsPageSize(n int) Option {
	return func(s *Server) { s.pageSize = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is a small MCP engine serving one transport. Build one per session
// (or per stateless request) with a transport.ServerFactory.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *StaticTools
	pageSize     int
	log          *slog.Logger

	closed atomic.Bool
	// ctx lives from Connect until Close and bounds every request handler.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	t               transport.Transport
	protocolVersion string
	inflight        map[string]context.CancelFunc
}

// New returns an unconnected server.
func New(opts ...Option) *Server {
	s := &Server{
		info:     mcp.ImplementationInfo{Name: "mcp-session-router", Version: "dev"},
		pageSize: DefaultPageSize,
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Factory returns a transport.ServerFactory that builds a fresh Server with
// opts for every call.
func Factory(opts ...Option) transport.ServerFactory {
	return func(context.Context) (transport.Server, error) {
		return New(opts...), nil
	}
}

// Connect attaches t and starts it. Request handling outlives ctx's
// cancellation but keeps its values, and stops when the server closes.
func (s *Server) Connect(ctx context.Context, t transport.Transport) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	s.mu.Lock()
	if s.t != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.t = t
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	t.SetMessageHandler(s.handleMessage)
	t.OnClose(func() { _ = s.Close() })

	if err := t.Start(ctx); err != nil {
		_ = s.Close()
		return fmt.Errorf("start transport: %w", err)
	}

	if s.tools != nil {
		changes, stop := s.tools.Subscribe()
		go s.watchTools(changes, stop)
	}

	s.log.DebugContext(ctx, "server.connect", slog.String("session_id", t.SessionID()))
	return nil
}

// Close cancels in-flight requests and closes the transport. It is
// idempotent and may be reached from the transport's own close callback.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	t, cancel := s.t, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

func (s *Server) watchTools(changes <-chan struct{}, stop func()) {
	defer stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			n, err := jsonrpc.NewNotification("notifications/tools/list_changed", nil)
			if err != nil {
				continue
			}
			s.send(s.ctx, n, "")
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	switch {
	case msg.Method == "":
		s.log.DebugContext(ctx, "rpc.response.ignored")
	case msg.IsRequest():
		s.startRequest(ctx, msg.AsRequest())
	default:
		s.handleNotification(ctx, msg.AsRequest())
	}
}

func (s *Server) handleNotification(ctx context.Context, n *jsonrpc.Request) {
	switch mcp.Method(n.Method) {
	case mcp.InitializedNotificationMethod:
		s.log.InfoContext(ctx, "session.initialized")
	case mcp.CancelledNotificationMethod:
		var p struct {
			RequestID *jsonrpc.RequestID `json:"requestId"`
		}
		if err := json.Unmarshal(n.Params, &p); err != nil || p.RequestID.IsNil() {
			return
		}
		s.mu.Lock()
		cancel := s.inflight[p.RequestID.Key()]
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	default:
		s.log.DebugContext(ctx, "rpc.notification.ignored")
	}
}

func (s *Server) startRequest(msgCtx context.Context, req *jsonrpc.Request) {
	s.mu.Lock()
	serverCtx := s.ctx
	s.mu.Unlock()
	if serverCtx == nil || serverCtx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(msgCtx))
	stop := context.AfterFunc(serverCtx, cancel)

	key := req.ID.Key()
	s.mu.Lock()
	s.inflight[key] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			stop()
			cancel()
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()

		res := s.dispatch(ctx, req)
		// Cancelled requests get no response.
		if ctx.Err() != nil {
			return
		}
		s.send(ctx, res, key)
	}()
}

func (s *Server) send(ctx context.Context, v any, related string) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.ErrorContext(ctx, "rpc.marshal.fail", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	t := s.t
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(ctx, b, related); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, transport.ErrClosed) {
			level = slog.LevelDebug
		}
		s.log.Log(ctx, level, "rpc.send.fail", slog.String("err", err.Error()))
	}
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var (
		result any
		rpcErr *jsonrpc.Error
	)

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result, rpcErr = s.initialize(req.Params)
	case mcp.PingMethod:
		result = mcp.EmptyResult{}
	case mcp.ToolsListMethod:
		result, rpcErr = s.listTools(req.Params)
	case mcp.ToolsCallMethod:
		result, rpcErr = s.callTool(ctx, req.Params)
	default:
		rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found: " + req.Method}
	}

	if rpcErr != nil {
		s.log.InfoContext(ctx, "rpc.request.error", slog.Int("code", int(rpcErr.Code)), slog.String("err", rpcErr.Message))
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "rpc.result.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	return res
}

func (s *Server) initialize(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.InitializeRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams(err)
	}

	version := mcp.NegotiateProtocolVersion(req.ProtocolVersion)
	s.mu.Lock()
	s.protocolVersion = version
	s.mu.Unlock()

	res := mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
	if s.tools != nil {
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{ListChanged: true}
	}
	return res, nil
}

// ProtocolVersion returns the version negotiated by initialize, if any.
func (s *Server) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Server) listTools(params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.ListToolsRequest
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, invalidParams(err)
		}
	}

	var all []mcp.Tool
	if s.tools != nil {
		all = s.tools.Snapshot()
	}
	page := paginate(all, req.Cursor, s.pageSize)
	return mcp.ListToolsResult{
		Tools:           page.Items,
		PaginatedResult: mcp.PaginatedResult{NextCursor: page.NextCursor},
	}, nil
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var req mcp.CallToolRequestReceived
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, invalidParams(err)
	}
	if req.Name == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params: missing tool name"}
	}
	if s.tools == nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Unknown tool: " + req.Name}
	}

	res, err := s.tools.Call(ctx, &req)
	switch {
	case errors.Is(err, ErrToolNotFound):
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Unknown tool: " + req.Name}
	case err != nil:
		s.log.ErrorContext(ctx, "tool.call.fail", slog.String("tool", req.Name), slog.String("err", err.Error()))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
	case res == nil:
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	return res, nil
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params: " + err.Error()}
}
