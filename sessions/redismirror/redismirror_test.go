package redismirror

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-session-router/jsonrpc"
	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/redis/go-redis/v9"
)

type stubTransport struct{ id string }

func (s *stubTransport) SessionID() string                                  { return s.id }
func (s *stubTransport) Start(context.Context) error                        { return nil }
func (s *stubTransport) Send(context.Context, jsonrpc.Message, string) error { return nil }
func (s *stubTransport) SetMessageHandler(transport.MessageHandler)         {}
func (s *stubTransport) OnClose(func())                                     {}
func (s *stubTransport) Close() error                                       { return nil }

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// blackhole accepts connections and never answers, like a stalled Redis.
func blackhole(t *testing.T) *redis.Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	client := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	t.Cleanup(func() {
		client.Close()
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func liveSet(ctx context.Context, m *Mirror) []string {
	live, _ := m.Live(ctx)
	slices.Sort(live)
	return live
}

func TestMirror_TracksLifecycle(t *testing.T) {
	ctx := t.Context()
	_, client := newTestRedis(t)
	m := NewWithClient(client, "test:", "node-a")
	reg := sessions.New[*stubTransport]()
	t.Cleanup(Attach(m, reg))

	if err := reg.Add(ctx, "s1", &stubTransport{id: "s1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := reg.Add(ctx, "s2", &stubTransport{id: "s2"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, "both sessions mirrored", func() bool {
		return slices.Equal(liveSet(ctx, m), []string{"s1", "s2"})
	})
	if owner, err := m.Owner(ctx, "s1"); err != nil || owner != "node-a" {
		t.Fatalf("owner = %q, %v", owner, err)
	}

	reg.Remove(ctx, "s1")

	waitFor(t, "s1 removal mirrored", func() bool {
		return slices.Equal(liveSet(ctx, m), []string{"s2"})
	})
	if _, err := m.Owner(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMirror_Detach(t *testing.T) {
	ctx := t.Context()
	_, client := newTestRedis(t)
	m := NewWithClient(client, "test:", "node-a")
	reg := sessions.New[*stubTransport]()
	detach := Attach(m, reg)
	detach()

	if err := reg.Add(ctx, "s1", &stubTransport{id: "s1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if live, _ := m.Live(ctx); len(live) != 0 {
		t.Fatalf("detached mirror still wrote %v", live)
	}
}

func TestMirror_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	mr, client := newTestRedis(t)
	m := NewWithClient(client, "test:", "node-a")
	reg := sessions.New[*stubTransport]()
	t.Cleanup(Attach(m, reg))

	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, func(ev Event) { events <- ev }) }()

	deadline := time.Now().Add(5 * time.Second)
	for mr.PubSubNumSub("test:events")["test:events"] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watcher never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := reg.Add(ctx, "s1", &stubTransport{id: "s1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	reg.Remove(ctx, "s1")

	for _, want := range []sessions.Event{sessions.EventConnected, sessions.EventTerminated} {
		select {
		case ev := <-events:
			if ev.Event != want || ev.SessionID != "s1" || ev.Instance != "node-a" {
				t.Fatalf("unexpected event %+v, want %s", ev, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("watch returned %v", err)
	}
}

func TestMirror_PurgeOnlyOwnSessions(t *testing.T) {
	ctx := t.Context()
	_, client := newTestRedis(t)
	a := NewWithClient(client, "test:", "node-a")
	b := NewWithClient(client, "test:", "node-b")
	regA := sessions.New[*stubTransport]()
	regB := sessions.New[*stubTransport]()
	t.Cleanup(Attach(a, regA))
	t.Cleanup(Attach(b, regB))

	for _, id := range []string{"a1", "a2"} {
		if err := regA.Add(ctx, id, &stubTransport{id: id}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := regB.Add(ctx, "b1", &stubTransport{id: "b1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, "all sessions mirrored", func() bool { return len(liveSet(ctx, a)) == 3 })

	n, err := a.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d sessions, want 2", n)
	}
	live, _ := a.Live(ctx)
	if !slices.Equal(live, []string{"b1"}) {
		t.Fatalf("unexpected live set %v", live)
	}
}

func TestMirror_RedisFailureIsAFault(t *testing.T) {
	ctx := t.Context()
	mr, client := newTestRedis(t)
	m := NewWithClient(client, "test:", "node-a")
	reg := sessions.New[*stubTransport]()
	t.Cleanup(Attach(m, reg))

	faults := make(chan error, 1)
	reg.OnFault(func(_ context.Context, err error) { faults <- err })

	mr.Close()

	if err := reg.Add(ctx, "s1", &stubTransport{id: "s1"}); err != nil {
		t.Fatalf("add must not fail on mirror errors: %v", err)
	}
	if _, ok := reg.Get("s1"); !ok {
		t.Fatal("session missing from registry")
	}

	select {
	case err := <-faults:
		var oerr *sessions.ObserverError
		if !errors.As(err, &oerr) || oerr.SessionID != "s1" || oerr.Event != sessions.EventConnected {
			t.Fatalf("unexpected fault %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no fault reported")
	}
}

func TestMirror_StalledRedisDoesNotBlockRegistry(t *testing.T) {
	ctx := t.Context()
	m := NewWithClient(blackhole(t), "test:", "node-a", WithWriteTimeout(time.Second))
	reg := sessions.New[*stubTransport]()
	t.Cleanup(Attach(m, reg))

	faults := make(chan error, 4)
	reg.OnFault(func(_ context.Context, err error) { faults <- err })

	start := time.Now()
	if err := reg.Add(ctx, "s1", &stubTransport{id: "s1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	reg.Remove(ctx, "s1")
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("registry calls waited %s on redis", elapsed)
	}

	select {
	case err := <-faults:
		var oerr *sessions.ObserverError
		if !errors.As(err, &oerr) || oerr.SessionID != "s1" {
			t.Fatalf("unexpected fault %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no fault reported for the stalled write")
	}
}

func TestMirror_QueueFullIsAFault(t *testing.T) {
	ctx := t.Context()
	m := NewWithClient(blackhole(t), "test:", "node-a",
		WithQueueSize(1),
		WithWriteTimeout(200*time.Millisecond),
	)
	reg := sessions.New[*stubTransport]()
	t.Cleanup(Attach(m, reg))

	faults := make(chan error, 8)
	reg.OnFault(func(_ context.Context, err error) { faults <- err })

	// One write in flight plus one queued; the third event has nowhere to go.
	for _, id := range []string{"s1", "s2", "s3"} {
		if err := reg.Add(ctx, id, &stubTransport{id: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-faults:
			if errors.Is(err, ErrQueueFull) {
				return
			}
		case <-deadline:
			t.Fatal("no queue full fault reported")
		}
	}
}

func TestNew_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(t.Context(), Config{RedisAddr: addr}); err == nil {
		t.Fatal("expected a ping error")
	}
}

func TestNew_OwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	m, err := New(t.Context(), Config{RedisAddr: mr.Addr(), KeyPrefix: "x:"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m.Instance() == "" {
		t.Fatal("expected a generated instance name")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
