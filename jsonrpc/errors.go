package jsonrpc

import (
	"encoding/json"
	"net/http"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeServerError is the implementation-defined code used for
	// transport-level rejections (missing session, method not allowed, ...).
	ErrorCodeServerError ErrorCode = -32000
)

// errorEnvelope is an error response that always carries an explicit
// "id": null, which Response omits.
type errorEnvelope struct {
	JSONRPCVersion string     `json:"jsonrpc"`
	Error          *Error     `json:"error"`
	ID             *RequestID `json:"id"`
}

// WriteHTTPError writes a JSON-RPC shaped error body with the given HTTP
// status. It is used for rejections that happen before any message could be
// correlated with a request, hence the null id.
func WriteHTTPError(w http.ResponseWriter, status int, code ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: msg},
	})
}
