package streaminghttp

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ggoodman/mcp-session-router/internal/wellknown"
)

type protectedResource struct {
	resource string
	servers  []string
	scopes   []string

	doc  wellknown.ProtectedResourceMetadata
	url  string
	path string
}

func (p *protectedResource) init() error {
	u, err := wellknown.ProtectedResourceURL(p.resource)
	if err != nil {
		return err
	}
	if len(p.servers) == 0 {
		return fmt.Errorf("protected resource %q needs at least one authorization server", p.resource)
	}
	p.url = u.String()
	p.path = u.Path
	p.doc = wellknown.ProtectedResourceMetadata{
		Resource:               p.resource,
		AuthorizationServers:   p.servers,
		ScopesSupported:        p.scopes,
		BearerMethodsSupported: []string{"header"},
	}
	return nil
}

func (p *protectedResource) preflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (p *protectedResource) serve(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.doc); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}
