package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/events"
	"github.com/basket/clawmesh/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// checkTimeout bounds each network-facing check.
const checkTimeout = 5 * time.Second

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Check is one diagnostic step.
type Check func(context.Context, *config.Config) CheckResult

// DefaultChecks returns the checks Run performs, in order.
func DefaultChecks() []Check {
	return []Check{
		checkConfig,
		checkPermissions,
		checkRegistryFile,
		checkBackend,
		checkSessionStore,
		checkEvents,
		checkListeners,
	}
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunChecks(ctx, cfg, version, DefaultChecks())
}

// RunChecks executes checks in order and collects their results.
func RunChecks(ctx context.Context, cfg *config.Config, version string, checks []Check) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(cfg.ConfigPath); errors.Is(err, os.ErrNotExist) {
		return CheckResult{
			Name:    "Config",
			Status:  StatusPass,
			Message: "No config.yaml, using defaults and environment",
			Detail:  cfg.Fingerprint(),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.ConfigPath),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkRegistryFile parses the registry file the same way the store does at
// startup. A corrupt file is a warning: the registry starts empty rather
// than refusing to serve.
func checkRegistryFile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Registry File", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.Registry.File
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return CheckResult{Name: "Registry File", Status: StatusPass, Message: fmt.Sprintf("%s not found, registry starts empty", path)}
	case err != nil:
		return CheckResult{Name: "Registry File", Status: StatusWarn, Message: fmt.Sprintf("Unreadable: %v", err), Detail: path}
	}

	var f struct {
		Version int               `json:"version"`
		Agents  map[string]string `json:"agents"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return CheckResult{
			Name:    "Registry File",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Corrupt, registry will start empty: %v", err),
			Detail:  path,
		}
	}
	return CheckResult{
		Name:    "Registry File",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agents (file version %d)", len(f.Agents), f.Version),
		Detail:  path,
	}
}

func checkBackend(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Job Backend", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	switch cfg.Backend.Kind {
	case "memory":
		return CheckResult{Name: "Job Backend", Status: StatusWarn, Message: "In-process memory backend, jobs do not run"}
	case "docker":
		d, err := backend.NewDocker(cfg.Backend.Docker, nil)
		if err != nil {
			return CheckResult{Name: "Job Backend", Status: StatusFail, Message: err.Error()}
		}
		defer d.Close()
		if err := d.Ping(ctx); err != nil {
			return CheckResult{Name: "Job Backend", Status: StatusFail, Message: fmt.Sprintf("Docker daemon unreachable: %v", err)}
		}
		return CheckResult{Name: "Job Backend", Status: StatusPass, Message: "Docker daemon reachable", Detail: "image=" + cfg.Backend.Docker.Image}
	default:
		k, err := backend.NewKubernetesFromConfig(cfg.Backend.Kubernetes, nil)
		if err != nil {
			return CheckResult{Name: "Job Backend", Status: StatusFail, Message: err.Error()}
		}
		version, err := k.Ping(ctx)
		if err != nil {
			return CheckResult{Name: "Job Backend", Status: StatusFail, Message: fmt.Sprintf("Kubernetes API unreachable: %v", err)}
		}
		return CheckResult{
			Name:    "Job Backend",
			Status:  StatusPass,
			Message: fmt.Sprintf("Kubernetes %s reachable", version),
			Detail:  "namespace=" + cfg.Backend.Kubernetes.Namespace,
		}
	}
}

func checkSessionStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Session Store", Status: StatusSkip, Message: "Config missing"}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		closeFn func() error
		err     error
		where   string
	)
	switch cfg.Store.Kind {
	case "memory":
		return CheckResult{Name: "Session Store", Status: StatusWarn, Message: "In-memory store, sessions are lost on restart"}
	case "sqlite":
		where = cfg.Store.SQLitePath
		var s *persistence.SQLStore
		if s, err = persistence.OpenSQLite(ctx, where); err == nil {
			closeFn = s.Close
		}
	case "mysql":
		where = "mysql"
		var s *persistence.SQLStore
		if s, err = persistence.OpenMySQL(ctx, cfg.Store.MySQLDSN); err == nil {
			closeFn = s.Close
		}
	case "redis":
		where = cfg.Store.RedisAddr
		var s *persistence.RedisStore
		if s, err = persistence.OpenRedis(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.Store.RedisPrefix); err == nil {
			closeFn = s.Close
		}
	default:
		return CheckResult{Name: "Session Store", Status: StatusFail, Message: fmt.Sprintf("Unknown store kind %q", cfg.Store.Kind)}
	}
	if err != nil {
		return CheckResult{Name: "Session Store", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err), Detail: where}
	}
	defer closeFn()
	return CheckResult{Name: "Session Store", Status: StatusPass, Message: fmt.Sprintf("%s store reachable and schema valid", cfg.Store.Kind), Detail: where}
}

func checkEvents(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Events.AMQP.Enabled {
		return CheckResult{Name: "Event Forwarding", Status: StatusSkip, Message: "AMQP forwarding disabled"}
	}
	pub, err := events.DialAMQP(cfg.Events.AMQP)
	if err != nil {
		return CheckResult{Name: "Event Forwarding", Status: StatusFail, Message: err.Error()}
	}
	pub.Close()
	return CheckResult{Name: "Event Forwarding", Status: StatusPass, Message: fmt.Sprintf("Exchange %s declared", cfg.Events.AMQP.Exchange)}
}

// checkListeners reports whether the gateway and registry addresses are
// free. An occupied port is a warning since a running daemon holds them.
func checkListeners(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listeners", Status: StatusSkip, Message: "Config missing"}
	}
	var busy []string
	for _, addr := range []string{cfg.Gateway.BindAddr, cfg.Registry.Addr()} {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			busy = append(busy, addr)
			continue
		}
		ln.Close()
	}
	if len(busy) > 0 {
		return CheckResult{
			Name:    "Listeners",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d address(es) in use", len(busy)),
			Detail:  fmt.Sprintf("%v (is the daemon already running?)", busy),
		}
	}
	return CheckResult{
		Name:    "Listeners",
		Status:  StatusPass,
		Message: "Gateway and registry addresses free",
		Detail:  fmt.Sprintf("gateway=%s registry=%s", cfg.Gateway.BindAddr, cfg.Registry.Addr()),
	}
}
