// Package transport defines the contracts shared by the HTTP routers, the
// wire transports that speak to MCP clients and the RPC engine connected to
// them.
//
// A Transport owns one client connection. It is started exactly once by the
// Server it is connected to, delivers every inbound JSON-RPC message to the
// handler installed with SetMessageHandler and invokes its close callbacks
// exactly once when it closes, whoever initiated the close.
package transport

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-session-router/jsonrpc"
)

var (
	// ErrClosed is returned by Send and Start once the transport has closed.
	ErrClosed = errors.New("transport closed")
	// ErrAlreadyStarted is returned by Start when called twice.
	ErrAlreadyStarted = errors.New("transport already started")
	// ErrNotStarted is returned when a message arrives before Start.
	ErrNotStarted = errors.New("transport not started")
	// ErrNoStream is returned by Send when no open stream can carry the message.
	ErrNoStream = errors.New("no stream available for message")
)

// MessageHandler receives each inbound message. ctx is scoped to the HTTP
// request that delivered the message; handlers that outlive it must detach.
type MessageHandler func(ctx context.Context, msg *jsonrpc.AnyMessage)

// Transport is a bidirectional message channel bound to one client session.
type Transport interface {
	// SessionID returns the session identifier, or "" for stateless transports.
	SessionID() string
	// Start prepares the transport for traffic. Server.Connect calls it.
	Start(ctx context.Context) error
	// Send delivers an outbound message. relatedRequestID, when non-empty, is
	// the jsonrpc.RequestID.Key of the inbound request the message belongs to.
	Send(ctx context.Context, msg jsonrpc.Message, relatedRequestID string) error
	// SetMessageHandler installs the inbound message sink.
	SetMessageHandler(h MessageHandler)
	// OnClose registers a callback run once when the transport closes.
	OnClose(fn func())
	// Close shuts the transport down. It is idempotent.
	Close() error
}

// Server is an RPC engine that can be attached to a Transport.
type Server interface {
	// Connect attaches the engine to t and starts t.
	Connect(ctx context.Context, t Transport) error
	// Close detaches the engine and closes its transport.
	Close() error
}

// ServerFactory builds a fresh engine, one per session or per stateless request.
type ServerFactory func(ctx context.Context) (Server, error)
