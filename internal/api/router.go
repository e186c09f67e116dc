package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/saveenergy/egresswatch/internal/config"
	"github.com/saveenergy/egresswatch/internal/logging"
	"github.com/saveenergy/egresswatch/pkg/types"
	"github.com/saveenergy/egresswatch/web"
)

type Router struct {
	handler          *Handler
	limiter          *RateLimiter
	allowedOrigins   []string
	clientIPResolver *ClientIPResolver
	metricsHandler   http.Handler
	webFS            http.FileSystem
}

func NewRouter(handler *Handler, cfg *config.Config) *Router {
	r := &Router{handler: handler}
	if cfg != nil {
		r.allowedOrigins = cfg.AllowedOrigins
		r.clientIPResolver = NewClientIPResolver(cfg)
		handler.SetViewerLimit(cfg.MaxViewersPerIP)
		r.SetWebRoot(cfg.WebRoot)
	}
	return r
}

func (r *Router) GetLimiter() *RateLimiter {
	return r.limiter
}

func (r *Router) SetRateLimiter(cfg *config.Config) {
	r.limiter = NewRateLimiter(cfg)
}

func (r *Router) SetClientIPResolver(resolver *ClientIPResolver) {
	r.clientIPResolver = resolver
}

func (r *Router) SetAllowedOrigins(origins []string) {
	r.allowedOrigins = origins
}

// SetMetricsHandler mounts h on /metrics.
func (r *Router) SetMetricsHandler(h http.Handler) {
	r.metricsHandler = h
}

// SetWebRoot overrides the embedded web assets with a directory on disk.
// If path is empty, the embedded assets are used.
func (r *Router) SetWebRoot(path string) {
	if path != "" {
		r.webFS = http.Dir(path)
	}
}

func (r *Router) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	// API v1 routes (rate-limited)
	v1 := func(method, path string, handler http.HandlerFunc) {
		h := handler
		if r.limiter != nil {
			h = applyRateLimit(r.limiter, h)
		}
		mux.HandleFunc(method+" /api/v1"+path, h)
	}

	v1("GET", "/series", r.handler.GetSeries)
	v1("GET", "/series/{protocol}/labels", r.handler.GetLabels)
	v1("GET", "/outages", r.handler.GetOutages)
	v1("GET", "/summary", r.handler.GetSummary)
	v1("GET", "/version", r.handler.GetVersion)
	if r.handler.hub != nil {
		v1("GET", "/live", r.handler.Live)
	}

	mux.HandleFunc("GET /health", r.HealthCheck)
	if r.metricsHandler != nil {
		mux.Handle("GET /metrics", r.metricsHandler)
	}

	mux.Handle("/", staticCacheMiddleware(newStaticAllowlistHandler(r.resolveWebFS())))

	// Wrap with middleware (outermost runs first)
	var handler http.Handler = mux
	handler = r.CORSMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = r.LoggingMiddleware(handler)
	if r.clientIPResolver != nil {
		handler = r.clientIPResolver.Middleware(handler)
	}

	return handler
}

func newStaticAllowlistHandler(webFS http.FileSystem) http.Handler {
	allowed := map[string]bool{
		"index.html":  true,
		"app.js":      true,
		"style.css":   true,
		"favicon.svg": true,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.NotFound(w, r)
			return
		}
		name := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if name == "." || name == "/" {
			name = "index.html"
		}
		if strings.Contains(name, "..") || !allowed[name] {
			http.NotFound(w, r)
			return
		}
		f, err := webFS.Open(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, name, stat.ModTime(), f)
	})
}

func (r *Router) HealthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"ok"}`)); err != nil {
		logging.Warn("health: write response", logging.Field{Key: "error", Value: err})
	}
}

func (r *Router) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		originAllowed := origin != "" && r.isAllowedOrigin(origin)
		if originAllowed {
			allowOrigin := origin
			if r.isAllowAllOrigins() {
				allowOrigin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if allowOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if req.Method == http.MethodOptions {
			if origin != "" && !originAllowed {
				respondJSON(w, map[string]string{"error": "origin not allowed"}, http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) isAllowedOrigin(origin string) bool {
	if len(r.allowedOrigins) == 0 {
		return false
	}
	return types.OriginAllowed(origin, r.allowedOrigins)
}

func (r *Router) isAllowAllOrigins() bool {
	for _, allowed := range r.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *Router) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		if !strings.HasPrefix(path, "/api/") || isLongLived(path) {
			next.ServeHTTP(w, req)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, req)

		logging.Debug("HTTP request",
			logging.Field{Key: "method", Value: req.Method},
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "status", Value: rw.statusCode},
			logging.Field{Key: "duration_ms", Value: float64(time.Since(start).Microseconds()) / 1000},
			logging.Field{Key: "ip", Value: requestClientIP(r.clientIPResolver, req)},
		)
	})
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; "+
				"style-src 'self' 'unsafe-inline'; "+
				"script-src 'self'; "+
				"img-src 'self' data:; "+
				"connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func staticCacheMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if r.URL.Path == "/" || strings.HasSuffix(r.URL.Path, ".html") {
				w.Header().Set("Cache-Control", "no-store")
			}
		}
		next.ServeHTTP(w, r)
	})
}

// resolveWebFS prefers a disk override set via SetWebRoot over the
// embedded assets.
func (r *Router) resolveWebFS() http.FileSystem {
	if r.webFS != nil {
		return r.webFS
	}
	return http.FS(web.Assets)
}
