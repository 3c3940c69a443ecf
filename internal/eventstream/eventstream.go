// Package eventstream writes text/event-stream frames to an HTTP response.
package eventstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("event stream closed")

// Writer serializes frames onto a flushing ResponseWriter. Each frame is
// written and flushed under one lock so concurrent senders never interleave.
// Writes fail once ctx is done or Close was called.
type Writer struct {
	ctx context.Context
	w   http.ResponseWriter
	f   http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewWriter wraps w. It does not write headers.
func NewWriter(ctx context.Context, w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &Writer{ctx: ctx, w: w, f: f}, nil
}

// SetHeaders applies the standard event-stream response headers.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// Open writes status and flushes so the client sees the stream immediately.
func (w *Writer) Open(status int) error {
	return w.locked(func() error {
		w.w.WriteHeader(status)
		return nil
	})
}

// Event writes one frame. Multi-line data is split across data fields.
func (w *Writer) Event(event, id string, data []byte) error {
	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	if id != "" {
		buf.WriteString("id: ")
		buf.WriteString(id)
		buf.WriteByte('\n')
	}
	for line := range bytes.Lines(data) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimRight(line, "\r\n"))
		buf.WriteByte('\n')
	}
	if len(data) == 0 {
		buf.WriteString("data: \n")
	}
	buf.WriteByte('\n')
	return w.write(buf.Bytes())
}

// Comment writes a comment frame, used for keep-alive pings.
func (w *Writer) Comment(text string) error {
	return w.write([]byte(": " + text + "\n\n"))
}

// Close makes later writes fail with ErrClosed. It does not touch the
// underlying response.
func (w *Writer) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

func (w *Writer) write(p []byte) error {
	return w.locked(func() error {
		_, err := w.w.Write(p)
		return err
	})
}

func (w *Writer) locked(fn func() error) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	w.f.Flush()
	return nil
}
