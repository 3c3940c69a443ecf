// Package auth carries bearer metadata from HTTP requests to the code that
// handles MCP messages, and optionally verifies it.
//
// Routers attach the raw Authorization header to the request context as an
// Info before forwarding a request to a session's transport. Tool handlers
// read it back with FromContext:
//
//	if info, ok := auth.FromContext(ctx); ok && info.User != nil {
//		log.Printf("call by %s", info.User.UserID())
//	}
//
// When a router is configured with an Authenticator the token is verified
// first and Info.User is populated; a failed verification is answered with
// 401 (or 403 for ErrInsufficientScope) and never reaches the transport.
//
// Two JWT authenticators are provided. NewFromDiscovery learns the JWKS
// location from the issuer's OpenID configuration and enforces RFC 9068
// access token rules. NewStatic takes the JWKS URL directly.
package auth
