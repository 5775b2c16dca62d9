// Package httpapi is the service façade: it maps the external HTTP contract
// onto internal/core's Pool, Flow and Authorizer.
package httpapi

import (
	"context"
	"net/http"
	"regexp"
)

// route pairs a method and a fully-anchored path pattern with a handler.
// Routes are matched by regex against the raw, uncleaned request path,
// never through http.ServeMux, so a double slash, trailing slash, or
// "/.." segment never normalizes into a match. This mirrors the original
// service's own path-regex dispatch rather than Go's router conventions.
type route struct {
	method  string
	pattern *regexp.Regexp
	handler http.HandlerFunc
}

// Router dispatches requests against an ordered route table. A request
// whose method is not used by any registered route is rejected with 405
// without even trying to match its path. This is what makes PUT /new
// (PUT is a known method, used by push, just not for this path) come back
// 404 while PATCH /new (PATCH is used by nothing) comes back 405.
type Router struct {
	routes           []route
	knownMethods     map[string]bool
	notFound         http.HandlerFunc
	methodNotAllowed http.HandlerFunc
}

// NewRouter builds an empty router. Call Handle for each route before
// serving traffic.
func NewRouter() *Router {
	return &Router{
		knownMethods:     make(map[string]bool),
		notFound:         func(w http.ResponseWriter, r *http.Request) { writeError(w, http.StatusNotFound, "Not Found") },
		methodNotAllowed: func(w http.ResponseWriter, r *http.Request) { writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed") },
	}
}

// Handle registers a route. pattern must be anchored (^...$); method is
// compared case-sensitively against http.Request.Method.
func (rt *Router) Handle(method string, pattern *regexp.Regexp, handler http.HandlerFunc) {
	rt.routes = append(rt.routes, route{method: method, pattern: pattern, handler: handler})
	rt.knownMethods[method] = true
}

type routeParamsKey struct{}

// routeParams returns the regex submatches captured for the matched route.
func routeParams(r *http.Request) []string {
	v, _ := r.Context().Value(routeParamsKey{}).([]string)
	return v
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rt.knownMethods[r.Method] {
		rt.methodNotAllowed(w, r)
		return
	}
	for _, rte := range rt.routes {
		if rte.method != r.Method {
			continue
		}
		m := rte.pattern.FindStringSubmatch(r.URL.Path)
		if m == nil {
			continue
		}
		ctx := context.WithValue(r.Context(), routeParamsKey{}, m[1:])
		rte.handler(w, r.WithContext(ctx))
		return
	}
	rt.notFound(w, r)
}
