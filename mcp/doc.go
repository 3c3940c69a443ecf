// Package mcp contains the Model Context Protocol data types and constants
// shared by the transports and the reference server in this module. It is
// intentionally free of transport logic: HTTP routers and transports import
// these types but implement their own framing and session handling.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Initialization
//
// IsInitializeRequest is what the stateful streamable router uses to decide
// whether a POST without a session header may create a new session.
// NegotiateProtocolVersion picks the revision echoed in InitializeResult.
package mcp
