// Package httproute decouples the routers in this module from the HTTP
// router that hosts them.
package httproute

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Registrar binds a handler to a method and path. chi.Router satisfies it.
type Registrar interface {
	Method(method, pattern string, h http.Handler)
}

var _ Registrar = (chi.Router)(nil)

// ServeMux adapts an http.ServeMux to Registrar using method patterns.
type ServeMux struct {
	*http.ServeMux
}

// NewServeMux returns a Registrar backed by a fresh http.ServeMux.
func NewServeMux() ServeMux {
	return ServeMux{ServeMux: http.NewServeMux()}
}

func (m ServeMux) Method(method, pattern string, h http.Handler) {
	m.Handle(method+" "+pattern, h)
}
