package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	am := gateway.NewAuthMiddleware(config.AuthConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Key: "k-123", Name: "ops"}, {Key: ""}},
	})
	var seenName string
	h := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenName = gateway.KeyNameFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		method string
		path   string
		header [2]string
		want   int
	}{
		{"missing key", http.MethodGet, "/api/sessions", [2]string{}, http.StatusUnauthorized},
		{"wrong key", http.MethodGet, "/api/sessions", [2]string{"Authorization", "Bearer nope"}, http.StatusForbidden},
		{"empty configured key never matches", http.MethodGet, "/api/sessions", [2]string{"X-API-Key", " "}, http.StatusForbidden},
		{"bearer", http.MethodGet, "/api/sessions", [2]string{"Authorization", "Bearer k-123"}, http.StatusOK},
		{"x-api-key", http.MethodDelete, "/api/sessions/x", [2]string{"X-API-Key", "k-123"}, http.StatusOK},
		{"query param", http.MethodGet, "/ws/events?api_key=k-123", [2]string{}, http.StatusOK},
		{"healthz is public", http.MethodGet, "/healthz", [2]string{}, http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", [2]string{}, http.StatusOK},
		{"agent card is public", http.MethodGet, "/.well-known/agent.json", [2]string{}, http.StatusOK},
		{"preflight passes", http.MethodOptions, "/api/sessions", [2]string{}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header[0] != "" {
				req.Header.Set(tt.header[0], tt.header[1])
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer k-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seenName != "ops" {
		t.Fatalf("key name in context = %q", seenName)
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := gateway.NewAuthMiddleware(config.AuthConfig{}).Wrap(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthOnFullHandler(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{
		Auth: config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "secret"}}},
	})
	if rec := h.do(t, http.MethodGet, "/api/sessions", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/sessions", nil, "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("with key: %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	rl.SetClock(clock.Now)
	h := rl.Wrap(okHandler())

	call := func(key, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := call("a", "/api/sessions"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: %d", i, rec.Code)
		}
	}
	rec := call("a", "/api/sessions")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("over limit: %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Fatalf("body = %s", rec.Body.String())
	}

	// Keys are isolated and health checks are never limited.
	if rec := call("b", "/api/sessions"); rec.Code != http.StatusOK {
		t.Fatalf("other key: %d", rec.Code)
	}
	if rec := call("a", "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rec.Code)
	}

	// One token per second refills.
	clock.Advance(time.Second)
	if rec := call("a", "/api/sessions"); rec.Code != http.StatusOK {
		t.Fatalf("after refill: %d", rec.Code)
	}

	if rl.BucketCount() != 2 {
		t.Fatalf("buckets = %d", rl.BucketCount())
	}
	clock.Advance(10 * time.Minute)
	rl.EvictStale(5 * time.Minute)
	if rl.BucketCount() != 0 {
		t.Fatalf("buckets after eviction = %d", rl.BucketCount())
	}
}

func TestRateLimitEvictionLoopStops(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	ctx, cancel := context.WithCancel(context.Background())
	rl.StartEviction(ctx, 10*time.Millisecond, time.Minute)
	cancel()
}

func TestCORS(t *testing.T) {
	h := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://console.example", "*.mesh.internal"},
	})(okHandler())

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := preflight("https://console.example")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Fatalf("allow-origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
		t.Fatalf("allow-methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-Trace-Id") {
		t.Fatalf("allow-headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Fatalf("max-age = %q", got)
	}

	// Scheme-less patterns match the host, with globbing.
	if rec := preflight("https://ops.mesh.internal"); rec.Code != http.StatusNoContent {
		t.Fatalf("host pattern preflight = %d", rec.Code)
	}
	// A scheme pattern pins the scheme.
	if rec := preflight("http://console.example"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong scheme preflight = %d", rec.Code)
	}
	if rec := preflight("https://evil.example"); rec.Code != http.StatusForbidden || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed preflight = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://console.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "X-Logs-Cached") || !strings.Contains(got, "X-Trace-Id") {
		t.Fatalf("expose-headers = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("disallowed origin: %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSDisabledPassesThrough(t *testing.T) {
	h := gateway.NewCORSMiddleware(config.CORSConfig{})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disabled CORS set headers")
	}
}
