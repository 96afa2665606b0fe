package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawmesh/internal/audit"
	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/bus"
	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/events"
	"github.com/basket/clawmesh/internal/gateway"
	"github.com/basket/clawmesh/internal/metrics"
	cmotel "github.com/basket/clawmesh/internal/otel"
	"github.com/basket/clawmesh/internal/persistence"
	"github.com/basket/clawmesh/internal/reaper"
	"github.com/basket/clawmesh/internal/registry"
	"github.com/basket/clawmesh/internal/router"
	"github.com/basket/clawmesh/internal/session"
	"github.com/basket/clawmesh/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownTimeout = 5 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s [-quiet]                 Start the registry service and the session gateway
  %s serve                    Same as above

SUBCOMMANDS:
  %s status                   Show gateway health (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s agents <action>          Talk to the registry service
                              Actions: list, get, register, unregister, pull
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWMESH_HOME           Data directory (default: ~/.clawmesh)
  REGISTRY_HOST/PORT      Registry service listener (default: 0.0.0.0:8000)
  REGISTRY_FILE           Registry file (default: agent_registry.json)
  SESSION_TTL             Session lifetime (default: 1h)
  CLEANUP_INTERVAL        Reaper sweep interval (default: 60s)
  CLAWMESH_BACKEND        kubernetes, docker or memory
  CLAWMESH_AGENT_<NAME>   Static fallback endpoint for agent <name>

EXAMPLES:
  Start the server:       %s
  Check gateway health:   %s status
  Register an agent:      %s agents register sec-agent http://127.0.0.1:9003
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "agents":
			os.Exit(runAgentsCommand(ctx, args[1:]))
		case "serve":
			if len(args) > 1 {
				fmt.Fprintln(os.Stderr, "usage: clawmesh serve")
				os.Exit(2)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	serve(ctx, *quiet)
}

func serve(ctx context.Context, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so logger failures are audited too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir,
		"fingerprint", cfg.Fingerprint(),
	)
	if !isLoopback(cfg.Gateway.BindAddr) && !cfg.Gateway.Auth.Enabled {
		logger.Warn("gateway bound to a non-loopback address without API keys", "bind_addr", cfg.Gateway.BindAddr)
	}

	eventBus := bus.New()

	// No-op when disabled.
	otelProvider, err := cmotel.Init(ctx, cmotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		Version:        Version,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(sctx)
	}()
	instruments, err := cmotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, db, err := openSessionStore(ctx, cfg.Store)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	if db != nil {
		audit.SetDB(db)
		defer audit.SetDB(nil)
	}
	logger.Info("startup phase", "phase", "session_store_opened", "store", cfg.Store.Kind)

	jobs, closeJobs, err := openBackend(cfg.Backend, logger)
	if err != nil {
		fatalStartup(logger, "E_BACKEND_INIT", err)
	}
	defer closeJobs()
	logger.Info("startup phase", "phase", "backend_ready", "backend", jobs.Name())

	reg := registry.Open(cfg.Registry.File, logger, eventBus)
	if cfg.Registry.Watch {
		if err := reg.Watch(ctx); err != nil {
			logger.Warn("registry file watch unavailable", "path", reg.Path(), "error", err)
		}
	}
	logger.Info("startup phase", "phase", "registry_loaded", "path", reg.Path(), "agents", reg.Count())

	// The scrape registry reads session counts lazily, so it can be built
	// before the manager it observes.
	var manager *session.Manager
	prom := metrics.New(sessionCounts(func() map[string]int { return manager.CountByStatus() }), reg)
	prom.WatchDropped(eventBus.Dropped)

	manager = session.NewManager(session.Config{
		Store:          store,
		Backend:        jobs,
		Bus:            eventBus,
		Logger:         logger,
		TTL:            cfg.Sessions.TTL.Std(),
		BackendTimeout: cfg.Sessions.BackendTimeout.Std(),
		LogTail:        cfg.Sessions.LogTail,
		Tracer:         otelProvider.Tracer,
		Metrics:        instruments,
		Errors:         prom,
	})

	rt := router.New(router.Config{
		Registry: reg,
		Static:   cfg.StaticAgents,
		Timeout:  cfg.Gateway.DispatchTimeout.Std(),
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  instruments,
	})
	if len(cfg.StaticAgents) > 0 {
		logger.Info("static agents configured", "count", len(cfg.StaticAgents))
	}

	reap, err := reaper.New(reaper.Config{
		Manager:     manager,
		Logger:      telemetry.Component(logger, "reaper"),
		Interval:    cfg.Sessions.CleanupInterval.Std(),
		Schedule:    cfg.Sessions.CleanupSchedule,
		Metrics:     prom,
		Instruments: instruments,
	})
	if err != nil {
		fatalStartup(logger, "E_REAPER_SCHEDULE", err)
	}
	reap.Start(ctx)
	defer reap.Stop()
	logger.Info("startup phase", "phase", "reaper_started",
		"interval", cfg.Sessions.CleanupInterval.Std().String(),
		"schedule", cfg.Sessions.CleanupSchedule,
		"ttl", cfg.Sessions.TTL.Std().String(),
	)

	if cfg.Events.AMQP.Enabled {
		pub, err := events.DialAMQP(cfg.Events.AMQP)
		if err != nil {
			fatalStartup(logger, "E_AMQP_DIAL", err)
		}
		defer pub.Close()
		go events.NewForwarder(eventBus, pub, logger).Run(ctx)
		logger.Info("startup phase", "phase", "event_forwarder_started", "exchange", cfg.Events.AMQP.Exchange)
	}

	gw := gateway.New(gateway.Config{
		Sessions:    manager,
		Agents:      rt,
		Registry:    reg,
		Bus:         eventBus,
		Metrics:     prom,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Instruments: instruments,
		Gateway:     cfg.Gateway,
		Version:     Version,
	})
	if cfg.Gateway.RateLimit.Enabled {
		gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)
	}

	regService := registry.NewService(reg, logger)
	servers := []*namedServer{
		{
			name:   "gateway",
			addr:   cfg.Gateway.BindAddr,
			reason: "E_GATEWAY_LISTENER_BIND",
			server: &http.Server{Handler: gw.Handler(), ReadHeaderTimeout: 10 * time.Second},
		},
		{
			name:   "registry",
			addr:   cfg.Registry.Addr(),
			reason: "E_REGISTRY_LISTENER_BIND",
			server: &http.Server{
				Handler:           gateway.RequestSizeLimitMiddleware(registry.MaxBodyBytes)(regService.Handler()),
				ReadHeaderTimeout: 10 * time.Second,
			},
		},
	}

	serverErr := make(chan error, len(servers))
	for _, ns := range servers {
		ln, err := listen(ctx, ns.addr)
		if err != nil {
			if isAddrInUse(err) {
				err = fmt.Errorf("%w\n\n  %s", err, portOccupantHint(ns.addr))
			}
			fatalStartup(logger, ns.reason, err)
		}
		logger.Info("startup phase", "phase", ns.name+"_listener_bound", "addr", ln.Addr().String())
		go func(ns *namedServer, ln net.Listener) {
			if err := ns.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("%s server: %w", ns.name, err)
			}
		}(ns, ln)
	}
	audit.Record(ctx, "runtime.startup", "clawmesh", audit.OutcomeOK, Version)
	logger.Info("clawmesh ready",
		"gateway", cfg.Gateway.BindAddr,
		"registry", cfg.Registry.Addr(),
		"backend", jobs.Name(),
		"store", cfg.Store.Kind,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	// Stop intake first: websocket streams are hijacked and not tracked by
	// Shutdown, so they are closed explicitly.
	gw.CloseStreams()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, ns := range servers {
		if err := ns.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "server", ns.name, "error", err)
		}
	}
	// Reaper, backend, store and telemetry close through the defers above.
	reap.Stop()
	logger.Info("shutdown complete")
}

type namedServer struct {
	name   string
	addr   string
	reason string
	server *http.Server
}

type sessionCounts func() map[string]int

func (f sessionCounts) CountByStatus() map[string]int { return f() }

// openSessionStore returns the configured store and, for SQL stores, the
// handle the audit log mirrors into.
func openSessionStore(ctx context.Context, cfg config.StoreConfig) (session.Store, *sql.DB, error) {
	switch cfg.Kind {
	case "sqlite":
		s, err := persistence.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case "mysql":
		s, err := persistence.OpenMySQL(ctx, cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case "redis":
		s, err := persistence.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "memory", "":
		return session.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.Kind)
	}
}

func openBackend(cfg config.BackendConfig, logger *slog.Logger) (backend.Backend, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Kind {
	case "memory":
		return backend.NewMemory(), noop, nil
	case "docker":
		d, err := backend.NewDocker(cfg.Docker, logger)
		if err != nil {
			return nil, noop, err
		}
		return d, d.Close, nil
	case "kubernetes", "":
		k, err := backend.NewKubernetesFromConfig(cfg.Kubernetes, logger)
		if err != nil {
			return nil, noop, err
		}
		return k, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	return lc.Listen(ctx, "tcp", addr)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", reasonCode, audit.OutcomeFailed, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change the address in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change the address in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadDotEnv sets KEY=VALUE pairs from path without overriding variables
// that are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"`))
	}
}
