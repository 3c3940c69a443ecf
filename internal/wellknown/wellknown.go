// Package wellknown holds the OAuth discovery documents served next to a
// protected MCP endpoint.
package wellknown

import (
	"fmt"
	"net/url"
	"strings"
)

// ProtectedResourcePrefix is the RFC 9728 well-known path prefix.
const ProtectedResourcePrefix = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 metadata document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// ProtectedResourceURL returns where the metadata for resource is served:
// the prefix inserted between the host and the resource path.
func ProtectedResourceURL(resource string) (*url.URL, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("invalid resource URL %q: %w", resource, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("resource URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	return &url.URL{
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   ProtectedResourcePrefix + strings.TrimSuffix(u.Path, "/"),
	}, nil
}
