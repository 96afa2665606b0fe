package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/persistence"
	"github.com/basket/clawmesh/internal/session"
)

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:18790", true},
		{"localhost:80", true},
		{"[::1]:8000", true},
		{"0.0.0.0:8000", false},
		{"10.1.2.3:8000", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nCLAWMESH_TEST_A=one\nCLAWMESH_TEST_B = \"two\"\nnot a pair\nCLAWMESH_TEST_C=three\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLAWMESH_TEST_A", "")
	t.Setenv("CLAWMESH_TEST_B", "")
	t.Setenv("CLAWMESH_TEST_C", "preset")

	loadDotEnv(path)

	if got := os.Getenv("CLAWMESH_TEST_A"); got != "one" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("CLAWMESH_TEST_B"); got != "two" {
		t.Fatalf("B = %q, want quotes stripped", got)
	}
	if got := os.Getenv("CLAWMESH_TEST_C"); got != "preset" {
		t.Fatalf("C = %q, existing values must win", got)
	}
}

func TestIsAddrInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = net.Listen("tcp", ln.Addr().String())
	if err == nil {
		t.Fatal("expected second listen to fail")
	}
	if !isAddrInUse(err) {
		t.Fatalf("isAddrInUse(%v) = false", err)
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unrelated error reported as addr in use")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd {
		return exec.Command("echo", "4242")
	}
	if hint := portOccupantHint("127.0.0.1:8000"); !strings.Contains(hint, "PID 4242") {
		t.Fatalf("hint = %q", hint)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd {
		return exec.Command("false")
	}
	if hint := portOccupantHint("127.0.0.1:8000"); !strings.Contains(hint, "Port 8000 is already in use") {
		t.Fatalf("fallback hint = %q", hint)
	}
	if hint := portOccupantHint("garbage"); !strings.Contains(hint, "garbage") {
		t.Fatalf("unparsable addr hint = %q", hint)
	}
}

func TestOpenSessionStore(t *testing.T) {
	ctx := context.Background()

	store, db, err := openSessionStore(ctx, config.StoreConfig{Kind: "memory"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.(*session.MemoryStore); !ok || db != nil {
		t.Fatalf("memory store = %T, db = %v", store, db)
	}

	store, db, err = openSessionStore(ctx, config.StoreConfig{Kind: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, ok := store.(*persistence.SQLStore); !ok || db == nil {
		t.Fatalf("sqlite store = %T, db = %v", store, db)
	}

	if _, _, err := openSessionStore(ctx, config.StoreConfig{Kind: "etcd"}); err == nil {
		t.Fatal("expected error for unknown store kind")
	}
}

func TestOpenBackend(t *testing.T) {
	b, closeFn, err := openBackend(config.BackendConfig{Kind: "memory"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "memory" {
		t.Fatalf("backend = %s", b.Name())
	}
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	if _, _, err := openBackend(config.BackendConfig{Kind: "nomad"}, nil); err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
}

func TestSessionCountsAdapter(t *testing.T) {
	counts := sessionCounts(func() map[string]int { return map[string]int{"Running": 2} })
	if got := counts.CountByStatus()["Running"]; got != 2 {
		t.Fatalf("Running = %d", got)
	}
}
