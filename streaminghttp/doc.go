// Package streaminghttp routes the MCP streamable HTTP transport on a single
// endpoint (default /mcp) in one of two modes chosen at construction.
//
// # Stateless
//
// Every POST gets a fresh engine from the ServerFactory and a fresh
// streamable.Transport that never mints a session id. Both are closed once
// the request completes or the client goes away. GET and DELETE answer 405.
//
// # Stateful
//
// A POST without an Mcp-Session-Id header must carry an initialize request.
// It creates a transport and engine pair; the transport mints the session
// id and the session joins the registry at that moment. Later requests name
// the session in the header and are forwarded to its transport. A missing,
// repeated or unknown header answers 400. DELETE forwards the request and
// then removes the session explicitly; the transport's close callback also
// removes it, so ungraceful disconnects are covered too.
//
//	reg := sessions.New[*streamable.Transport]()
//	h, err := streaminghttp.New(streaminghttp.Stateful(reg), mcpserver.Factory(
//	    mcpserver.WithTools(tools),
//	))
//	if err != nil {
//	    return err
//	}
//	r := chi.NewRouter()
//	h.Register(r)
//
// # Authentication
//
// Without WithAuthenticator the Authorization header is attached unverified
// as auth.Info on the context seen by the engine. With one, each request is
// verified first and failures answer 400, 401 or 403 with a Bearer
// challenge. WithProtectedResource additionally serves RFC 9728 metadata and
// points challenges at it.
package streaminghttp
