package agent

import (
	"net/http"
	"strings"
)

// route describes a single endpoint with an optional method guard.
type route struct {
	pattern string
	method  string
	handler http.HandlerFunc
}

// mountRoutes attaches the provided routes to the mux, wrapping handlers
// with method enforcement when a method is specified.
func mountRoutes(mux *http.ServeMux, routes ...route) {
	for _, rt := range routes {
		if rt.pattern == "" || rt.handler == nil {
			continue
		}
		handler := rt.handler
		if rt.method != "" {
			handler = withMethod(rt.method, handler)
		}
		mux.HandleFunc(rt.pattern, handler)
	}
}

// withMethod wraps a handler, enforcing the HTTP method and emitting 405
// otherwise.
func withMethod(method string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			methodNotAllowed(w, method)
			return
		}
		fn(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter, methods ...string) {
	if len(methods) > 0 {
		w.Header().Set("Allow", strings.Join(methods, ", "))
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}
