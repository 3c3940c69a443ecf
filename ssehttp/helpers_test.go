package ssehttp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"
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

type frame struct {
	comment string
	event   string
	data    string
}

// readFrame reads one blank-line terminated SSE frame.
func readFrame(br *bufio.Reader) (frame, error) {
	var (
		f    frame
		data []string
		seen bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return frame{}, io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !seen {
				continue
			}
			f.data = strings.Join(data, "\n")
			return f, nil
		case strings.HasPrefix(line, ":"):
			f.comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
			seen = true
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
			seen = true
		}
	}
}

// readEvent skips comment frames.
func readEvent(t *testing.T, br *bufio.Reader) frame {
	t.Helper()
	for {
		f, err := readFrame(br)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.comment != "" && f.event == "" {
			continue
		}
		return f
	}
}

// openStream issues a GET against url and returns the response once headers
// have arrived. Cancel ctx to disconnect.
func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
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
