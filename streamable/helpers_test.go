package streamable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-session-router/jsonrpc"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"1.0.0"}}}`

type sseEvent struct {
	event string
	data  []byte
}

// readOneSSE reads the next event from br, skipping comment frames.
func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
		seen    bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !seen {
				continue
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
			seen = true
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

// echoEngine answers every request with {"method": <method>} through the
// transport, the way an RPC engine would.
func echoEngine(t *testing.T, tr *Transport) {
	t.Helper()
	tr.SetMessageHandler(func(ctx context.Context, msg *jsonrpc.AnyMessage) {
		if !msg.IsRequest() {
			return
		}
		res, err := jsonrpc.NewResultResponse(msg.ID, map[string]string{"method": msg.Method})
		if err != nil {
			t.Errorf("build response: %v", err)
			return
		}
		b, _ := json.Marshal(res)
		go func() {
			if err := tr.Send(context.WithoutCancel(ctx), b, ""); err != nil {
				t.Errorf("send: %v", err)
			}
		}()
	})
}

func newPost(body, sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	return req
}

func errorMessage(t *testing.T, body []byte) (jsonrpc.ErrorCode, string) {
	t.Helper()
	env := mustUnmarshalJSON[struct {
		Error jsonrpc.Error `json:"error"`
		ID    any          `json:"id"`
	}](t, body)
	return env.Error.Code, env.Error.Message
}
