package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeSessions map[string]int

func (f fakeSessions) CountByStatus() map[string]int { return f }

type fakeAgents int

func (f fakeAgents) Count() int { return int(f) }

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRegistry_ExposesDomainGauges(t *testing.T) {
	r := New(fakeSessions{"Pending": 2, "Completed": 1}, fakeAgents(3))
	r.BackendError("get_status", "backend_unavailable")
	r.ReaperSweep(4, 1)

	body := scrape(t, r)
	for _, want := range []string{
		`clawmesh_sessions{status="Pending"} 2`,
		`clawmesh_sessions{status="Completed"} 1`,
		`clawmesh_registered_agents 3`,
		`clawmesh_backend_errors_total{code="backend_unavailable",op="get_status"} 1`,
		`clawmesh_reaper_deleted_total 4`,
		`clawmesh_reaper_failures_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := New(nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := r.Middleware(mux)

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil))
	}

	body := scrape(t, r)
	want := `clawmesh_http_requests_total{code="404",route="GET /api/sessions/{id}"} 3`
	if !strings.Contains(body, want) {
		t.Fatalf("scrape missing %q\n%s", want, body)
	}
}

func TestWatchDropped(t *testing.T) {
	r := New(nil, nil)
	r.WatchDropped(func() uint64 { return 7 })
	if body := scrape(t, r); !strings.Contains(body, "clawmesh_bus_dropped_events_total 7") {
		t.Fatal("dropped counter not exported")
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var r *Registry
	r.ObserveHTTP("x", 200, 0)
	r.BackendError("create", "backend_failure")
	r.ReaperSweep(1, 0)
	if r.Middleware(http.NotFoundHandler()) == nil {
		t.Fatal("nil registry middleware should pass through")
	}
}
