package router

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Router dispatches requests by HTTP method and path. Exact routes win over
// wildcard patterns, wildcard patterns over mounted prefixes. Every request
// passes through one access log.
type Router struct {
	exact  map[string]http.HandlerFunc // "METHOD path"
	wild   []route
	mounts []mount
	log    *zap.Logger
}

// route is a registered pattern containing at least one "*" segment. A "*"
// matches exactly one path segment, except in trailing position where it
// matches the whole remainder.
type route struct {
	method   string
	segments []string
	handler  http.HandlerFunc
}

type mount struct {
	prefix  string
	handler http.Handler
}

// New builds an empty router logging through log (the zap global when nil).
func New(log *zap.Logger) *Router {
	if log == nil {
		log = zap.L()
	}
	return &Router{
		exact: make(map[string]http.HandlerFunc),
		log:   log,
	}
}

func (r *Router) register(method, path string, handler http.HandlerFunc) {
	if strings.Contains(path, "*") {
		r.wild = append(r.wild, route{
			method:   method,
			segments: splitPath(path),
			handler:  handler,
		})
		return
	}
	r.exact[method+" "+path] = handler
}

func (r *Router) GET(path string, handler http.HandlerFunc)  { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler http.HandlerFunc) { r.register(http.MethodPost, path, handler) }
func (r *Router) PUT(path string, handler http.HandlerFunc)  { r.register(http.MethodPut, path, handler) }
func (r *Router) PATCH(path string, handler http.HandlerFunc) {
	r.register(http.MethodPatch, path, handler)
}
func (r *Router) DELETE(path string, handler http.HandlerFunc) {
	r.register(http.MethodDelete, path, handler)
}

// Mount attaches a full handler under a path prefix, for sub-trees the
// router does not dispatch itself (the swagger UI).
func (r *Router) Mount(prefix string, handler http.Handler) {
	r.mounts = append(r.mounts, mount{prefix: prefix, handler: handler})
}

// ServeHTTP dispatches the request and writes one access log line.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	r.dispatch(rec, req)

	r.log.Info("http request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", rec.status),
		zap.Int64("durationMs", time.Since(start).Milliseconds()))
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	if h, ok := r.exact[req.Method+" "+req.URL.Path]; ok {
		h(w, req)
		return
	}

	segments := splitPath(req.URL.Path)
	pathKnown := false
	for _, rt := range r.wild {
		if !matchSegments(rt.segments, segments) {
			continue
		}
		if rt.method == req.Method {
			rt.handler(w, req)
			return
		}
		pathKnown = true
	}

	for _, m := range r.mounts {
		if strings.HasPrefix(req.URL.Path, m.prefix) {
			m.handler.ServeHTTP(w, req)
			return
		}
	}

	for key := range r.exact {
		if strings.HasSuffix(key, " "+req.URL.Path) {
			pathKnown = true
			break
		}
	}
	if pathKnown {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.Error(w, "Not Found", http.StatusNotFound)
}

// Start runs the HTTP server on addr until it fails or is shut down.
func (r *Router) Start(addr string) error {
	r.log.Info("server listening", zap.String("addr", addr))
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) > 0 && pattern[len(pattern)-1] == "*" {
		// The trailing wildcard swallows the remainder; it must cover at
		// least one segment.
		head := pattern[:len(pattern)-1]
		if len(path) <= len(head) {
			return false
		}
		return segmentsEqual(head, path[:len(head)])
	}
	if len(pattern) != len(path) {
		return false
	}
	return segmentsEqual(pattern, path)
}

func segmentsEqual(pattern, path []string) bool {
	for i, seg := range pattern {
		if seg == "*" {
			continue
		}
		if path[i] != seg {
			return false
		}
	}
	return true
}

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}
