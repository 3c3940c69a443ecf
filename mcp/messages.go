package mcp

import (
	"encoding/json"

	"github.com/ggoodman/mcp-session-router/jsonrpc"
)

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata carries optional metadata for responses.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsRequest requests the set of available tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the server-received representation for a tool call.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	BaseMetadata
}

// EmptyResult is the result of requests without a payload (e.g. ping).
type EmptyResult struct {
	BaseMetadata
}

// IsInitializeRequest reports whether msg is a well-formed initialize
// request: a JSON-RPC request with an id, the initialize method and params
// that carry a protocol version and client info.
func IsInitializeRequest(msg *jsonrpc.AnyMessage) bool {
	if msg == nil || !msg.IsRequest() || msg.Method != string(InitializeMethod) {
		return false
	}
	var req InitializeRequest
	if err := json.Unmarshal(msg.Params, &req); err != nil {
		return false
	}
	return req.ProtocolVersion != "" && req.ClientInfo.Name != ""
}

// ContainsInitializeRequest reports whether a decoded body holds at least one
// initialize request.
func ContainsInitializeRequest(msgs []jsonrpc.AnyMessage) bool {
	for i := range msgs {
		if IsInitializeRequest(&msgs[i]) {
			return true
		}
	}
	return false
}
