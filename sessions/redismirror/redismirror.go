// Package redismirror publishes the contents of a sessions.Registry to Redis
// so that other processes can see which sessions are live and which process
// holds each one.
//
// Layout, under the configured key prefix:
//
//	<prefix>live        SET   ids of every live session
//	<prefix>owner       HASH  session id -> instance name
//	<prefix>events      PUB/SUB channel of JSON Event values
//
// The mirror is an observer only. Observers enqueue and return; a single
// writer per attached registry applies events to Redis in order. A Redis
// failure, or a full queue, surfaces as a registry fault and never blocks
// or fails Add or Remove.
package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ggoodman/mcp-session-router/sessions"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned by Owner for a session no instance has mirrored.
	ErrNotFound = errors.New("session not mirrored")
	// ErrQueueFull is reported as a fault when events arrive faster than
	// Redis absorbs them. The event is dropped.
	ErrQueueFull = errors.New("mirror queue full")
)

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 2 * time.Second
)

// Config for a Redis-backed mirror. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// Instance names this process in the owner hash. ENV: SESSIONS_INSTANCE
	Instance string `env:"SESSIONS_INSTANCE"`
}

// Event is published on every lifecycle change.
type Event struct {
	Event     sessions.Event `json:"event"`
	SessionID string         `json:"session_id"`
	Instance  string         `json:"instance"`
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) { m.log = l }
}

// WithQueueSize bounds the number of events waiting to be written per
// attached registry. Defaults to 1024.
func WithQueueSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each Redis write. Defaults to 2s.
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Mirror) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// Mirror writes registry lifecycle events to Redis.
type Mirror struct {
	client   redis.UniversalClient
	owned    bool
	prefix   string
	instance string
	log      *slog.Logger

	queueSize    int
	writeTimeout time.Duration
}

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config, opts ...Option) (*Mirror, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	m := NewWithClient(cl, cfg.KeyPrefix, cfg.Instance, opts...)
	m.owned = true
	return m, nil
}

// NewFromEnv builds a Mirror using envdecode to populate Config.
func NewFromEnv(ctx context.Context, opts ...Option) (*Mirror, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis mirror config: %w", err)
	}
	return New(ctx, cfg, opts...)
}

// NewWithClient wraps an existing client. The caller keeps ownership of
// client. An empty instance defaults to the hostname plus a random suffix.
func NewWithClient(client redis.UniversalClient, prefix, instance string, opts ...Option) *Mirror {
	if prefix == "" {
		prefix = "mcp:sessions:"
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = host + "-" + uuid.NewString()[:8]
	}
	m := &Mirror{
		client:       client,
		prefix:       prefix,
		instance:     instance,
		log:          slog.Default(),
		queueSize:    defaultQueueSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Instance returns the name written to the owner hash.
func (m *Mirror) Instance() string { return m.instance }

// Close closes the client when New created it.
func (m *Mirror) Close() error {
	if !m.owned {
		return nil
	}
	return m.client.Close()
}

func (m *Mirror) liveKey() string       { return m.prefix + "live" }
func (m *Mirror) ownerKey() string      { return m.prefix + "owner" }
func (m *Mirror) eventsChannel() string { return m.prefix + "events" }

type pending struct {
	ctx context.Context
	ev  sessions.Event
	id  string
}

// Attach mirrors reg until the returned function is called. Detaching
// stops new events, writes whatever is already queued and then returns.
func Attach[T transport.Transport](m *Mirror, reg *sessions.Registry[T]) func() {
	queue := make(chan pending, m.queueSize)
	stop := make(chan struct{})
	done := make(chan struct{})

	enqueue := func(ev sessions.Event) sessions.Observer {
		return func(ctx context.Context, id string) error {
			select {
			case <-stop:
				return nil
			default:
			}
			select {
			case queue <- pending{ctx: context.WithoutCancel(ctx), ev: ev, id: id}:
				return nil
			default:
				return fmt.Errorf("mirror %s session: %w", ev, ErrQueueFull)
			}
		}
	}
	offConnected := reg.OnConnected(enqueue(sessions.EventConnected))
	offTerminated := reg.OnTerminated(enqueue(sessions.EventTerminated))

	apply := func(p pending) {
		if err := m.apply(p.ctx, p.ev, p.id); err != nil {
			reg.ReportFault(p.ctx, &sessions.ObserverError{Event: p.ev, SessionID: p.id, Err: err})
		}
	}
	go func() {
		defer close(done)
		for {
			select {
			case p := <-queue:
				apply(p)
			case <-stop:
				for {
					select {
					case p := <-queue:
						apply(p)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			offConnected()
			offTerminated()
			close(stop)
			<-done
		})
	}
}

func (m *Mirror) apply(ctx context.Context, ev sessions.Event, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if ev == sessions.EventConnected {
		return m.connected(ctx, id)
	}
	return m.terminated(ctx, id)
}

func (m *Mirror) connected(ctx context.Context, id string) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, m.liveKey(), id)
		p.HSet(ctx, m.ownerKey(), id, m.instance)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror connected session: %w", err)
	}
	return m.publish(ctx, sessions.EventConnected, id)
}

func (m *Mirror) terminated(ctx context.Context, id string) error {
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, m.liveKey(), id)
		p.HDel(ctx, m.ownerKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror terminated session: %w", err)
	}
	return m.publish(ctx, sessions.EventTerminated, id)
}

func (m *Mirror) publish(ctx context.Context, ev sessions.Event, id string) error {
	b, err := json.Marshal(Event{Event: ev, SessionID: id, Instance: m.instance})
	if err != nil {
		return err
	}
	if err := m.client.Publish(ctx, m.eventsChannel(), b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev, err)
	}
	return nil
}

// Live returns the ids of every mirrored session across all instances.
func (m *Mirror) Live(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.liveKey()).Result()
}

// Owner returns the instance holding id.
func (m *Mirror) Owner(ctx context.Context, id string) (string, error) {
	owner, err := m.client.HGet(ctx, m.ownerKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return owner, err
}

// Purge drops every session this instance mirrored. Run it at shutdown, or
// at startup with the previous instance name after a crash.
func (m *Mirror) Purge(ctx context.Context) (int, error) {
	owners, err := m.client.HGetAll(ctx, m.ownerKey()).Result()
	if err != nil {
		return 0, err
	}
	var ids []string
	for id, owner := range owners {
		if owner == m.instance {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, m.liveKey(), members...)
		p.HDel(ctx, m.ownerKey(), ids...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	m.log.InfoContext(ctx, "redismirror.purge", slog.String("instance", m.instance), slog.Int("count", len(ids)))
	return len(ids), nil
}

// Watch calls fn for every lifecycle event published by any instance until
// ctx is done.
func (m *Mirror) Watch(ctx context.Context, fn func(Event)) error {
	ps := m.client.Subscribe(ctx, m.eventsChannel())
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				m.log.WarnContext(ctx, "redismirror.event.decode.fail", slog.String("err", err.Error()))
				continue
			}
			fn(ev)
		}
	}
}
