// Package jsonrpc models JSON-RPC 2.0 messages as they cross the HTTP
// transports: requests, notifications and responses share the AnyMessage
// envelope, which validates structure on decode. ParseMessages accepts both
// single messages and batch arrays.
//
// WriteHTTPError produces the error body used for transport-level rejections:
//
//	{"jsonrpc":"2.0","error":{"code":-32000,"message":"..."},"id":null}
package jsonrpc
