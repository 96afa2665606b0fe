package persistence_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/audit"
	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/persistence"
	"github.com/basket/clawmesh/internal/session"
)

func openSQLite(t *testing.T) *persistence.SQLStore {
	t.Helper()
	store, err := persistence.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "clawmesh.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession(id string, created time.Time) session.Session {
	return session.Session{
		ID:        id,
		Name:      "sec-agent",
		Prompt:    "ping host",
		Extra:     map[string]string{"target": "10.0.0.1"},
		Status:    session.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
		JobRef: backend.JobRef{
			Backend:   "kubernetes",
			Name:      backend.JobName(id),
			Namespace: "agents",
			ID:        "uid-" + id,
		},
		TTL: time.Hour,
	}
}

// storeContract exercises the session.Store behavior every implementation
// must share.
func storeContract(t *testing.T, store session.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("round trip", func(t *testing.T) {
		want := sampleSession("6f1c2a9e-round", base)
		want.LastLogs = []string{"line 1", "line 2"}
		if err := store.Put(ctx, want); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := store.Get(ctx, want.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Prompt != want.Prompt || got.Status != want.Status || got.TTL != want.TTL {
			t.Fatalf("got %+v, want %+v", got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Fatalf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
		}
		if got.JobRef != want.JobRef {
			t.Fatalf("job_ref = %+v, want %+v", got.JobRef, want.JobRef)
		}
		if got.Extra["target"] != "10.0.0.1" || len(got.LastLogs) != 2 {
			t.Fatalf("extra/logs not preserved: %+v", got)
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		s := sampleSession("6f1c2a9e-replace", base)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
		s.Status = session.StatusRunning
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("put again: %v", err)
		}
		got, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != session.StatusRunning {
			t.Fatalf("status = %s, want Running", got.Status)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		if _, err := store.Get(ctx, "absent"); !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Fatalf("get missing: want not_found, got %v", err)
		}
		if err := store.Delete(ctx, "absent"); !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Fatalf("delete missing: want not_found, got %v", err)
		}
		_, _, err := store.Update(ctx, "absent", func(*session.Session) bool { return true })
		if !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Fatalf("update missing: want not_found, got %v", err)
		}
	})

	t.Run("conditional update", func(t *testing.T) {
		s := sampleSession("6f1c2a9e-update", base)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
		cur, changed, err := store.Update(ctx, s.ID, func(*session.Session) bool { return false })
		if err != nil || changed {
			t.Fatalf("no-op update: changed=%v err=%v", changed, err)
		}
		if cur.Status != session.StatusPending {
			t.Fatalf("no-op update returned %s", cur.Status)
		}
		next, changed, err := store.Update(ctx, s.ID, func(cur *session.Session) bool {
			cur.Status = session.StatusCompleted
			cur.LastLogs = []string{"done"}
			return true
		})
		if err != nil || !changed {
			t.Fatalf("update: changed=%v err=%v", changed, err)
		}
		if next.Status != session.StatusCompleted {
			t.Fatalf("returned status = %s", next.Status)
		}
		got, _ := store.Get(ctx, s.ID)
		if got.Status != session.StatusCompleted || len(got.LastLogs) != 1 {
			t.Fatalf("stored %+v", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := sampleSession("6f1c2a9e-delete", base)
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := store.Delete(ctx, s.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := store.Get(ctx, s.ID); !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Fatalf("get after delete: %v", err)
		}
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	storeContract(t, openSQLite(t))
}

func TestSQLiteListNewestFirst(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a-old", "b-new", "c-mid"} {
		offsets := []time.Duration{0, 2 * time.Minute, time.Minute}
		if err := store.Put(ctx, sampleSession(id, base.Add(offsets[i]))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	want := []string{"b-new", "c-mid", "a-old"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawmesh.db")
	ctx := context.Background()
	store, err := persistence.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := sampleSession("reopen-1", time.Now().UTC())
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = store.Close()

	reopened, err := persistence.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get(ctx, s.ID); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestSQLiteConcurrentUpdates(t *testing.T) {
	store := openSQLite(t)
	ctx := context.Background()
	s := sampleSession("concurrent", time.Now().UTC())
	s.Extra = map[string]string{}
	if err := store.Put(ctx, s); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := store.Update(ctx, s.ID, func(cur *session.Session) bool {
				if cur.Extra == nil {
					cur.Extra = map[string]string{}
				}
				cur.Extra[string(rune('a'+i))] = "x"
				return true
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Extra) != 8 {
		t.Fatalf("expected 8 keys after serialized updates, got %v", got.Extra)
	}
}

func TestAuditMirrorsIntoSQLite(t *testing.T) {
	store := openSQLite(t)
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("audit init: %v", err)
	}
	audit.SetDB(store.DB())
	t.Cleanup(func() {
		audit.SetDB(nil)
		_ = audit.Close()
	})

	audit.Record(context.Background(), "session.create", "abc", audit.OutcomeOK, "agent=sec-agent")

	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = 'session.create' AND subject = 'abc'`).Scan(&n); err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	if n != 1 {
		t.Fatalf("audit rows = %d, want 1", n)
	}
}

func TestMySQLStoreContract(t *testing.T) {
	dsn := os.Getenv("CLAWMESH_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("CLAWMESH_TEST_MYSQL_DSN not set")
	}
	store, err := persistence.OpenMySQL(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open mysql: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.DB().Exec(`DELETE FROM sessions WHERE id LIKE '6f1c2a9e-%'`)
		_ = store.Close()
	})
	storeContract(t, store)
}
