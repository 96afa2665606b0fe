package gateway

import (
	"net/http"
	"net/url"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/shared"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", shared.TraceHeader}
	// Response headers a browser console needs to read.
	corsExposedHeaders = strings.Join([]string{shared.TraceHeader, logsCachedHeader, "Retry-After", "Location"}, ", ")
)

const defaultCORSMaxAge = 600

// corsPolicy decides which browser origins may call the gateway. Origin
// patterns follow the same rules as the /ws/events upgrade: "*" allows
// everything, a pattern with a scheme is matched against the whole origin
// and a bare pattern against its host, both with path.Match globbing.
type corsPolicy struct {
	patterns []string
	methods  string
	headers  string
	maxAge   string
}

func newCORSPolicy(cfg config.CORSConfig) corsPolicy {
	methods := append([]string(nil), cfg.AllowedMethods...)
	if len(methods) == 0 {
		methods = append(methods, defaultCORSMethods...)
	}
	if !slices.Contains(methods, http.MethodOptions) {
		methods = append(methods, http.MethodOptions)
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = defaultCORSHeaders
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	return corsPolicy{
		patterns: cfg.AllowedOrigins,
		methods:  strings.Join(methods, ", "),
		headers:  strings.Join(headers, ", "),
		maxAge:   strconv.Itoa(maxAge),
	}
}

func (p corsPolicy) allows(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pattern := range p.patterns {
		if pattern == "*" {
			return true
		}
		target := u.Host
		if strings.Contains(pattern, "://") {
			target = u.Scheme + "://" + u.Host
		}
		if ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(target)); ok {
			return true
		}
	}
	return false
}

// NewCORSMiddleware answers preflights for allowed origins and decorates
// their responses. Disallowed origins get no CORS headers and their
// preflight is refused; plain requests still reach the handler so the
// browser, not the gateway, enforces the policy.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			allowed := policy.allows(origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !allowed {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", policy.methods)
				w.Header().Set("Access-Control-Allow-Headers", policy.headers)
				w.Header().Set("Access-Control-Max-Age", policy.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps every request body at maxBytes.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
