package main

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-session-router/auth/authtest"
	"github.com/ggoodman/mcp-session-router/sessions/redismirror"
	"github.com/ggoodman/mcp-session-router/streamable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

func testConfig(mode string) Config {
	return Config{
		Addr:             "127.0.0.1:0",
		Mode:             mode,
		Endpoint:         "/mcp",
		SSEEndpoint:      "/sse",
		MessagesEndpoint: "/messages",
		KeepAlive:        time.Second,
		ShutdownTimeout:  time.Second,
		LogLevel:         "debug",
	}
}

func testDeps(t *testing.T) deps {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return deps{log: log, factory: defaultFactory(log), metrics: prometheus.NewRegistry()}
}

func newTestServer(t *testing.T, cfg Config, d deps) (*app, *httptest.Server) {
	t.Helper()
	a, err := buildApp(cfg, d)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(a.Close)
	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)
	return a, srv
}

func postInitialize(t *testing.T, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, url, strings.NewReader(initializeBody))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func scrape(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestApp_StatefulMode(t *testing.T) {
	a, srv := newTestServer(t, testConfig(modeStateful), testDeps(t))

	resp := postInitialize(t, srv.URL+"/mcp")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get(streamable.SessionIDHeader) == "" {
		t.Fatal("missing session header")
	}

	if body := scrape(t, srv.URL); !strings.Contains(body, `mcp_sessions_live{mode="stateful"} 1`) {
		t.Fatalf("live gauge not exported:\n%s", body)
	}

	if n := a.closeAll(t.Context()); n != 1 {
		t.Fatalf("closed %d sessions, want 1", n)
	}
	if body := scrape(t, srv.URL); !strings.Contains(body, `mcp_sessions_live{mode="stateful"} 0`) {
		t.Fatalf("live gauge not decremented:\n%s", body)
	}
}

func TestApp_StatelessMode(t *testing.T) {
	_, srv := newTestServer(t, testConfig(modeStateless), testDeps(t))

	resp, err := http.Get(srv.URL + "/mcp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}

	if resp := postInitialize(t, srv.URL+"/mcp"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestApp_SSEMode(t *testing.T) {
	a, srv := newTestServer(t, testConfig(modeSSE), testDeps(t))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	br := bufio.NewReader(resp.Body)
	line, _ := br.ReadString('\n')
	if strings.TrimSpace(line) != "event: endpoint" {
		t.Fatalf("unexpected first line %q", line)
	}

	if n := a.closeAll(t.Context()); n != 1 {
		t.Fatalf("closed %d sessions, want 1", n)
	}
}

func TestApp_CORSExposesSessionHeader(t *testing.T) {
	_, srv := newTestServer(t, testConfig(modeStateful), testDeps(t))

	req, _ := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/mcp", strings.NewReader(initializeBody))
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(got, streamable.SessionIDHeader) {
		t.Fatalf("expose headers %q", got)
	}
}

func TestApp_Authenticated(t *testing.T) {
	d := testDeps(t)
	d.authenticator = authtest.Tokens{"good": "user-1"}
	_, srv := newTestServer(t, testConfig(modeStateless), d)

	if resp := postInitialize(t, srv.URL+"/mcp"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestApp_RedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	d := testDeps(t)
	d.mirror = redismirror.NewWithClient(client, "test:", "node-a")
	_, srv := newTestServer(t, testConfig(modeStateful), d)

	resp := postInitialize(t, srv.URL+"/mcp")
	id := resp.Header.Get(streamable.SessionIDHeader)

	deadline := time.Now().Add(5 * time.Second)
	for {
		owner, err := d.mirror.Owner(t.Context(), id)
		if err == nil && owner == "node-a" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("owner = %q, %v", owner, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "unknown mode", mutate: func(c *Config) { c.Mode = "grpc" }, wantErr: true},
		{name: "issuer without audience", mutate: func(c *Config) { c.OIDCIssuer = "https://issuer" }, wantErr: true},
		{name: "issuer in sse mode", mutate: func(c *Config) { c.Mode = modeSSE; c.OIDCIssuer = "https://issuer"; c.Audience = "x" }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(modeStateful)
			tt.mutate(&cfg)
			if err := cfg.validate(); (err != nil) != tt.wantErr {
				t.Fatalf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRootCommand_FlagsOverrideConfig(t *testing.T) {
	cfg := testConfig(modeStateful)
	cmd := newRootCommand(&cfg)
	if err := cmd.ParseFlags([]string{"--mode", "sse", "--keepalive", "5s", "--addr", ":9999"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Mode != modeSSE || cfg.KeepAlive != 5*time.Second || cfg.Addr != ":9999" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.Endpoint != "/mcp" {
		t.Fatalf("unset flag changed endpoint to %q", cfg.Endpoint)
	}
}

func TestNewLogger_JSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, slog.LevelInfo, false)
	log.Info("hello")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}
}
