// Package mcpserver is a compact MCP engine that plugs into the transports
// of this module through transport.Server.
//
// A Server answers initialize, ping, tools/list and tools/call, and honours
// notifications/cancelled. Each request runs on its own goroutine bound to
// the server's lifetime, so a slow tool never stalls the transport and
// Close cancels everything still running.
//
// Tools are declared with typed arguments; the input schema is reflected
// from the argument struct:
//
//	type GreetArgs struct {
//		Name string `json:"name" jsonschema:"description=Who to greet"`
//	}
//	tools := mcpserver.NewStaticTools(
//		mcpserver.NewTool("greet", func(ctx context.Context, a GreetArgs) (*mcp.CallToolResult, error) {
//			return mcpserver.TextResult("Hello, " + a.Name), nil
//		}, mcpserver.WithToolDescription("Say hello")),
//	)
//	factory := mcpserver.Factory(
//		mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "greeter", Version: "1.0.0"}),
//		mcpserver.WithTools(tools),
//	)
//
// Routers call the factory once per session. Mutating the shared
// StaticTools notifies every connected server, which forwards
// notifications/tools/list_changed to its client.
package mcpserver
