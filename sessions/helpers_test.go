package sessions

import (
	"context"
	"log/slog"
	"testing"
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
