package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/shared"
)

type authContextKey struct{}

// publicPaths bypass authentication and rate limiting: health checks, scrapes and
// agent discovery.
var publicPaths = map[string]bool{
	"/healthz":                true,
	"/metrics":                true,
	"/.well-known/agent.json": true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// AuthMiddleware checks API keys on every non-public request.
type AuthMiddleware struct {
	keys    []config.APIKeyEntry
	enabled bool
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	keys := make([]config.APIKeyEntry, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.Key != "" {
			keys = append(keys, k)
		}
	}
	return &AuthMiddleware{keys: keys, enabled: cfg.Enabled}
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			shared.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": "missing API key"})
			return
		}
		entry, ok := am.lookupKey(key)
		if !ok {
			shared.WriteJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "message": "invalid API key"})
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey reads, in order: Authorization: Bearer, X-API-Key, and the
// api_key query parameter (browsers cannot set headers on websockets).
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares against every key in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (config.APIKeyEntry, bool) {
	var (
		found config.APIKeyEntry
		ok    bool
	)
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found, ok = entry, true
		}
	}
	return found, ok
}

// KeyNameFromContext returns the name of the key that authenticated the
// request, or "".
func KeyNameFromContext(ctx context.Context) string {
	if entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry); ok {
		return entry.Name
	}
	return ""
}
