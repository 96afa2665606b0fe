package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawmesh/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{
		HomeDir:    home,
		ConfigPath: filepath.Join(home, "config.yaml"),
		Registry:   config.RegistryConfig{Host: "127.0.0.1", Port: 1, File: filepath.Join(home, "agent_registry.json")},
		Backend:    config.BackendConfig{Kind: "memory"},
		Store:      config.StoreConfig{Kind: "sqlite", SQLitePath: filepath.Join(home, "sessions.db")},
		Gateway:    config.GatewayConfig{BindAddr: "127.0.0.1:0"},
	}
	return cfg
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if len(d.Results) != len(DefaultChecks()) {
		t.Fatalf("results = %d, want %d", len(d.Results), len(DefaultChecks()))
	}
	if d.Results[0].Status != StatusFail {
		t.Fatalf("config check = %s, want FAIL", d.Results[0].Status)
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s = %s, want SKIP with nil config", r.Name, r.Status)
		}
	}
	if !d.Failed() {
		t.Fatal("expected Failed() with nil config")
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckConfig_DefaultsWithoutFile(t *testing.T) {
	cfg := testConfig(t)
	r := checkConfig(context.Background(), cfg)
	if r.Status != StatusPass || !strings.Contains(r.Message, "defaults") {
		t.Fatalf("result = %+v", r)
	}
	if !strings.HasPrefix(r.Detail, "cfg-") {
		t.Fatalf("detail = %q, want fingerprint", r.Detail)
	}
}

func TestCheckPermissions(t *testing.T) {
	cfg := testConfig(t)
	if r := checkPermissions(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("writable home: %+v", r)
	}
	if _, err := os.Stat(filepath.Join(cfg.HomeDir, ".write_test")); !os.IsNotExist(err) {
		t.Fatal("write-check file left behind")
	}

	cfg.HomeDir = filepath.Join(cfg.HomeDir, "missing", "dir")
	if r := checkPermissions(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("missing home: %+v", r)
	}
}

func TestCheckRegistryFile(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	if r := checkRegistryFile(ctx, cfg); r.Status != StatusPass || !strings.Contains(r.Message, "not found") {
		t.Fatalf("absent file: %+v", r)
	}

	if err := os.WriteFile(cfg.Registry.File, []byte(`{"version":1,"agents":{"sec-agent":"http://127.0.0.1:9003"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if r := checkRegistryFile(ctx, cfg); r.Status != StatusPass || !strings.HasPrefix(r.Message, "1 agents") {
		t.Fatalf("valid file: %+v", r)
	}

	if err := os.WriteFile(cfg.Registry.File, []byte(`{"agents":`), 0o600); err != nil {
		t.Fatal(err)
	}
	if r := checkRegistryFile(ctx, cfg); r.Status != StatusWarn {
		t.Fatalf("corrupt file: %+v", r)
	}
}

func TestCheckBackend_Memory(t *testing.T) {
	r := checkBackend(context.Background(), testConfig(t))
	if r.Status != StatusWarn {
		t.Fatalf("memory backend: %+v", r)
	}
}

func TestCheckSessionStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	if r := checkSessionStore(ctx, cfg); r.Status != StatusPass {
		t.Fatalf("sqlite store: %+v", r)
	}
	if _, err := os.Stat(cfg.Store.SQLitePath); err != nil {
		t.Fatalf("sqlite file not created: %v", err)
	}

	cfg.Store.Kind = "memory"
	if r := checkSessionStore(ctx, cfg); r.Status != StatusWarn {
		t.Fatalf("memory store: %+v", r)
	}

	cfg.Store.Kind = "etcd"
	if r := checkSessionStore(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("unknown store: %+v", r)
	}

	cfg.Store.Kind = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(cfg.HomeDir, "missing", "sessions.db")
	if r := checkSessionStore(ctx, cfg); r.Status != StatusFail {
		t.Fatalf("unopenable sqlite path: %+v", r)
	}
}

func TestCheckEvents_DisabledSkips(t *testing.T) {
	if r := checkEvents(context.Background(), testConfig(t)); r.Status != StatusSkip {
		t.Fatalf("disabled amqp: %+v", r)
	}
}

func TestCheckListeners(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Registry.Port = 0
	if r := checkListeners(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("free addresses: %+v", r)
	}

	cfg.Gateway.BindAddr = ln.Addr().String()
	r := checkListeners(context.Background(), cfg)
	if r.Status != StatusWarn || !strings.Contains(r.Detail, ln.Addr().String()) {
		t.Fatalf("busy gateway address: %+v", r)
	}
}

func TestRunChecks_Order(t *testing.T) {
	var seen []string
	mk := func(name string) Check {
		return func(context.Context, *config.Config) CheckResult {
			seen = append(seen, name)
			return CheckResult{Name: name, Status: StatusPass}
		}
	}
	d := RunChecks(context.Background(), testConfig(t), "v", []Check{mk("a"), mk("b"), mk("c")})
	if strings.Join(seen, ",") != "a,b,c" {
		t.Fatalf("order = %v", seen)
	}
	if d.Failed() {
		t.Fatal("all-pass diagnosis reported failure")
	}
}
