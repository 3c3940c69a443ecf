// Package sse implements the legacy HTTP+SSE transport. The client holds a
// GET event stream open and submits messages with POSTs to a separate
// endpoint that it learns from the stream's first "endpoint" event.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-session-router/internal/eventstream"
	"github.com/ggoodman/mcp-session-router/jsonrpc"
	"github.com/ggoodman/mcp-session-router/transport"
	"github.com/google/uuid"
)

// MaxMessageSize bounds the body accepted by HandlePostMessage.
const MaxMessageSize = 4 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

// ErrRejected is returned by HandlePostMessage after it has written an error
// response to the client.
var ErrRejected = errors.New("message rejected")

var _ transport.Transport = (*Transport)(nil)

// Transport serves one SSE stream. It is created per GET request and lives
// as long as that response.
type Transport struct {
	id       string
	endpoint string
	rw       http.ResponseWriter

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}

	mu      sync.Mutex
	stream  *eventstream.Writer
	handler transport.MessageHandler
	onClose []func()
}

// NewTransport returns a transport that will stream to w and advertise
// endpoint as the POST target. The session id is assigned here.
func NewTransport(endpoint string, w http.ResponseWriter) *Transport {
	return &Transport{
		id:       uuid.NewString(),
		endpoint: endpoint,
		rw:       w,
		done:     make(chan struct{}),
	}
}

func (t *Transport) SessionID() string { return t.id }

// Start opens the event stream and sends the endpoint event. ctx bounds the
// stream and is normally the GET request's context.
func (t *Transport) Start(ctx context.Context) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if t.started.Swap(true) {
		return transport.ErrAlreadyStarted
	}

	stream, err := eventstream.NewWriter(ctx, t.rw)
	if err != nil {
		return err
	}
	eventstream.SetHeaders(t.rw.Header())
	if err := stream.Open(http.StatusOK); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	t.mu.Lock()
	t.stream = stream
	t.mu.Unlock()

	if err := stream.Event("endpoint", "", []byte(t.endpointURL())); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}
	return nil
}

func (t *Transport) endpointURL() string {
	sep := "?"
	if strings.Contains(t.endpoint, "?") {
		sep = "&"
	}
	return t.endpoint + sep + "sessionId=" + url.QueryEscape(t.id)
}

// Send writes msg as a "message" event. relatedRequestID is ignored: the
// legacy transport has a single stream.
func (t *Transport) Send(_ context.Context, msg jsonrpc.Message, _ string) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	stream := t.currentStream()
	if stream == nil {
		return transport.ErrNotStarted
	}
	return stream.Event("message", "", msg)
}

// Ping writes a comment frame to keep intermediaries from idling the stream.
func (t *Transport) Ping() error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	stream := t.currentStream()
	if stream == nil {
		return transport.ErrNotStarted
	}
	return stream.Comment("ping")
}

func (t *Transport) currentStream() *eventstream.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stream
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

// HandlePostMessage validates a POSTed message and hands it to the message
// handler. body may be nil, in which case it is read from r. On failure the
// error response has already been written and the returned error wraps
// ErrRejected. On success nothing is written; the caller acknowledges.
func (t *Transport) HandlePostMessage(w http.ResponseWriter, r *http.Request, body []byte) error {
	if t.closed.Load() || t.currentStream() == nil {
		http.Error(w, "SSE connection not established", http.StatusInternalServerError)
		return fmt.Errorf("%w: %w", ErrRejected, transport.ErrNotStarted)
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		http.Error(w, "Unsupported content-type: "+r.Header.Get("Content-Type"), http.StatusUnsupportedMediaType)
		return fmt.Errorf("%w: content type %q", ErrRejected, r.Header.Get("Content-Type"))
	}

	if body == nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, MaxMessageSize))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
			} else {
				http.Error(w, "Failed to read body", http.StatusBadRequest)
			}
			return fmt.Errorf("%w: read body: %w", ErrRejected, err)
		}
	} else if len(body) > MaxMessageSize {
		http.Error(w, "Message too large", http.StatusRequestEntityTooLarge)
		return fmt.Errorf("%w: body of %d bytes", ErrRejected, len(body))
	}

	msgs, _, err := jsonrpc.ParseMessages(body)
	if err != nil {
		http.Error(w, "Invalid message: "+err.Error(), http.StatusBadRequest)
		return fmt.Errorf("%w: parse: %w", ErrRejected, err)
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	for i := range msgs {
		h(r.Context(), &msgs[i])
	}
	return nil
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close ends the stream and runs the close callbacks once. Callbacks may call
// Close again.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	if t.stream != nil {
		t.stream.Close()
	}
	callbacks := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return nil
}
