package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-session-router/auth"
	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/ggoodman/mcp-session-router/mcpserver"
	"github.com/ggoodman/mcp-session-router/streamable"
	"github.com/ggoodman/mcp-session-router/transport"
)

const (
	initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`
	pingBody       = `{"jsonrpc":"2.0","id":2,"method":"ping","params":{}}`
)

type logBridge struct {
	t     *testing.T
	attrs []slog.Attr
}

func (h *logBridge) Enabled(context.Context, slog.Level) bool { return true }

func (h *logBridge) Handle(_ context.Context, r slog.Record) error {
	args := []any{r.Level.String(), r.Message}
	r.Attrs(func(a slog.Attr) bool {
		args = append(args, a.String())
		return true
	})
	for _, a := range h.attrs {
		args = append(args, a.String())
	}
	h.t.Log(args...)
	return nil
}

func (h *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: h.t, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *logBridge) WithGroup(string) slog.Handler { return h }

func newTestLogger(t *testing.T) *slog.Logger {
	return slog.New(&logBridge{t: t})
}

// attrCapture records the top-level attribute keys of every log record.
type attrCapture struct {
	mu   sync.Mutex
	keys []string
}

func (c *attrCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *attrCapture) Handle(_ context.Context, r slog.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.Attrs(func(a slog.Attr) bool {
		c.keys = append(c.keys, a.Key)
		return true
	})
	return nil
}

func (c *attrCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *attrCapture) WithGroup(string) slog.Handler      { return c }

func (c *attrCapture) sawGroup(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.keys, name)
}

type whoamiArgs struct{}

// testFactory builds engines exposing a whoami tool that reports the
// auth.Info seen by the engine.
func testFactory() transport.ServerFactory {
	whoami := mcpserver.NewTool("whoami", func(ctx context.Context, _ whoamiArgs) (*mcp.CallToolResult, error) {
		info, ok := auth.FromContext(ctx)
		if !ok {
			return mcpserver.TextResult("anonymous"), nil
		}
		if info.User != nil {
			return mcpserver.TextResult("user:" + info.User.UserID()), nil
		}
		return mcpserver.TextResult("token:" + info.Token), nil
	})
	return mcpserver.Factory(
		mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "router-test", Version: "1.0.0"}),
		mcpserver.WithTools(mcpserver.NewStaticTools(whoami)),
	)
}

func newHandler(t *testing.T, mode Mode, opts ...Option) *Handler {
	t.Helper()
	opts = append([]Option{WithLogger(newTestLogger(t))}, opts...)
	h, err := New(mode, testFactory(), opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h
}

func newRequest(method, body string, header http.Header) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "/mcp", rd)
	req.Header.Set("Accept", "application/json, text/event-stream")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req
}

func sessionHeader(id string) http.Header {
	return http.Header{streamable.SessionIDHeader: []string{id}}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// initialize runs the initialize handshake and returns the minted id.
func initialize(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := serve(h, newRequest(http.MethodPost, initializeBody, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	id := rec.Header().Get(streamable.SessionIDHeader)
	if id == "" {
		t.Fatal("initialize: missing session header")
	}
	return id
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// firstMessage returns the first "message" event in an SSE body.
func firstMessage(t *testing.T, body []byte) rpcResponse {
	t.Helper()
	br := bufio.NewReader(bytes.NewReader(body))
	var data []string
	for {
		line, err := br.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "data: ") {
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
		if line == "" && len(data) > 0 {
			break
		}
		if err != nil {
			t.Fatalf("no message event in %q", body)
		}
	}
	var res rpcResponse
	if err := json.Unmarshal([]byte(strings.Join(data, "\n")), &res); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return res
}

func errorBody(t *testing.T, body []byte) (int, string) {
	t.Helper()
	var env struct {
		JSONRPC string `json:"jsonrpc"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		ID any `json:"id"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error body %q: %v", body, err)
	}
	if env.JSONRPC != "2.0" || env.ID != nil {
		t.Fatalf("malformed error envelope %s", body)
	}
	return env.Error.Code, env.Error.Message
}

func callTool(name string, id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":{}}}`, id, name)
}

func toolText(t *testing.T, res rpcResponse) string {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("tool call failed: %d %s", res.Error.Code, res.Error.Message)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode tool result: %v", err)
	}
	if len(out.Content) != 1 {
		t.Fatalf("unexpected content %+v", out.Content)
	}
	return out.Content[0].Text
}
