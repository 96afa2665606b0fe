package registry_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawmesh/internal/registry"
)

func newTestService(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent_registry.json")
	store := registry.Open(path, quietLogger(), nil)
	srv := httptest.NewServer(registry.NewService(store, quietLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, path
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// A worker agent registers, is found by name, unregisters, and is gone.
func TestService_SecAgentLifecycle(t *testing.T) {
	srv, path := newTestService(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/register", map[string]string{
		"name": "sec-agent", "url": "http://localhost:8003",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d body=%v", resp.StatusCode, body)
	}
	if body["name"] != "sec-agent" || body["url"] != "http://localhost:8003" {
		t.Fatalf("register body = %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/agents/sec-agent", nil)
	if resp.StatusCode != http.StatusOK || body["url"] != "http://localhost:8003" {
		t.Fatalf("get status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/agents", nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list status=%d body=%v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if body["status"] != "healthy" || body["registered_agents"] != float64(1) {
		t.Fatalf("health body = %v", body)
	}

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/unregister/sec-agent", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregister status = %d", resp.StatusCode)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "sec-agent") {
		t.Fatalf("unregister message = %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/agents/sec-agent", nil)
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("get after unregister status=%d body=%v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/unregister/sec-agent", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second unregister status = %d, want 404", resp.StatusCode)
	}

	if registry.Open(path, quietLogger(), nil).Count() != 0 {
		t.Fatal("unregister was not persisted")
	}
}

func TestService_RegisterValidation(t *testing.T) {
	srv, _ := newTestService(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "empty name", body: map[string]string{"name": "", "url": "http://localhost:1"}},
		{name: "slash in name", body: map[string]string{"name": "a/b", "url": "http://localhost:1"}},
		{name: "space in name", body: map[string]string{"name": "a b", "url": "http://localhost:1"}},
		{name: "long name", body: map[string]string{"name": strings.Repeat("n", 129), "url": "http://localhost:1"}},
		{name: "relative url", body: map[string]string{"name": "a", "url": "/tasks"}},
		{name: "ftp url", body: map[string]string{"name": "a", "url": "ftp://host/x"}},
		{name: "missing url", body: map[string]string{"name": "a"}},
		{name: "not an object", body: []int{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/register", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if body["error"] != "validation_error" {
				t.Fatalf("error = %v", body["error"])
			}
		})
	}
}

func TestService_ToleratesUnknownFields(t *testing.T) {
	srv, _ := newTestService(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/register", map[string]any{
		"name": "net-agent", "url": "https://net.internal:8443", "capabilities": []string{"scan"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestService_RejectsOversizedBody(t *testing.T) {
	srv, _ := newTestService(t)
	big := `{"name":"a","url":"http://x","pad":"` + strings.Repeat("x", registry.MaxBodyBytes) + `"}`
	resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
