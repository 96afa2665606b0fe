package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticAgentEnvPrefix marks env vars that declare fallback agent endpoints,
// e.g. CLAWMESH_AGENT_SEC_AGENT=http://127.0.0.1:9003 names "sec-agent".
const StaticAgentEnvPrefix = "CLAWMESH_AGENT_"

const (
	DefaultRegistryFile    = "agent_registry.json"
	DefaultBindAddr        = "127.0.0.1:18790"
	DefaultRegistryHost    = "0.0.0.0"
	DefaultRegistryPort    = 8000
	DefaultSessionTTL      = time.Hour
	DefaultCleanupInterval = time.Minute
	DefaultBackendTimeout  = 15 * time.Second
	DefaultDispatchTimeout = 30 * time.Second
	DefaultLogTail         = 100
)

type RegistryConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	File string `yaml:"file"`
	// Watch reloads the registry when another process rewrites the file.
	Watch bool `yaml:"watch"`
}

// Addr returns host:port for the registry listener.
func (r RegistryConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type SessionsConfig struct {
	TTL             Duration `yaml:"ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
	// CleanupSchedule is an optional cron spec ("@every 30s", "*/5 * * * *")
	// that takes precedence over CleanupInterval.
	CleanupSchedule string   `yaml:"cleanup_schedule"`
	BackendTimeout  Duration `yaml:"backend_timeout"`
	LogTail         int      `yaml:"log_tail"`
}

type KubernetesConfig struct {
	Namespace             string   `yaml:"namespace"`
	Kubeconfig            string   `yaml:"kubeconfig"`
	Image                 string   `yaml:"image"`
	Command               []string `yaml:"command"`
	ServiceAccount        string   `yaml:"service_account"`
	ActiveDeadlineSeconds int64    `yaml:"active_deadline_seconds"`
	TTLAfterFinished      int32    `yaml:"ttl_seconds_after_finished"`
}

type DockerConfig struct {
	Image       string   `yaml:"image"`
	Command     []string `yaml:"command"`
	MemoryMB    int64    `yaml:"memory_mb"`
	NetworkMode string   `yaml:"network_mode"`
}

type BackendConfig struct {
	// Kind selects the job backend: "kubernetes", "docker" or "memory".
	Kind       string           `yaml:"kind"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Docker     DockerConfig     `yaml:"docker"`
}

type StoreConfig struct {
	// Kind selects the session store: "memory", "sqlite", "mysql" or "redis".
	Kind          string `yaml:"kind"`
	SQLitePath    string `yaml:"sqlite_path"`
	MySQLDSN      string `yaml:"mysql_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type EventsConfig struct {
	AMQP AMQPConfig `yaml:"amqp"`
}

// APIKeyEntry is one accepted gateway key.
type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type GatewayConfig struct {
	BindAddr        string          `yaml:"bind_addr"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	DispatchTimeout Duration        `yaml:"dispatch_timeout"`
	PublicURL       string          `yaml:"public_url"`
	Auth            AuthConfig      `yaml:"auth"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	CORS            CORSConfig      `yaml:"cors"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir    string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Registry  RegistryConfig  `yaml:"registry"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Backend   BackendConfig   `yaml:"backend"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// StaticAgents are fallback endpoints consulted after the live registry.
	StaticAgents map[string]string `yaml:"static_agents"`
}

// Duration accepts "90s"/"1h" strings or bare seconds in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses a Go duration or a plain number of seconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return v, nil
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|registry=%s|file=%s|ttl=%s|sweep=%s|backend=%s|store=%s|log=%s|static=%v",
		c.Gateway.BindAddr, c.Registry.Addr(), c.Registry.File, c.Sessions.TTL.Std(),
		c.Sessions.CleanupInterval.Std(), c.Backend.Kind, c.Store.Kind, c.LogLevel, sortedKeys(c.StaticAgents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Registry: RegistryConfig{
			Host: DefaultRegistryHost,
			Port: DefaultRegistryPort,
			File: DefaultRegistryFile,
		},
		Sessions: SessionsConfig{
			TTL:             Duration(DefaultSessionTTL),
			CleanupInterval: Duration(DefaultCleanupInterval),
			BackendTimeout:  Duration(DefaultBackendTimeout),
			LogTail:         DefaultLogTail,
		},
		Backend: BackendConfig{
			Kind: "kubernetes",
			Kubernetes: KubernetesConfig{
				Namespace:             "default",
				Image:                 "busybox:1.36",
				Command:               []string{"sh", "-c"},
				ActiveDeadlineSeconds: 3600,
				TTLAfterFinished:      3600,
			},
			Docker: DockerConfig{
				Image:       "busybox:1.36",
				Command:     []string{"sh", "-c"},
				MemoryMB:    512,
				NetworkMode: "none",
			},
		},
		Store: StoreConfig{
			Kind:        "memory",
			RedisPrefix: "clawmesh:",
		},
		Events: EventsConfig{
			AMQP: AMQPConfig{Exchange: "clawmesh.events"},
		},
		Gateway: GatewayConfig{
			BindAddr:        DefaultBindAddr,
			MaxBodyBytes:    1 << 20,
			DispatchTimeout: Duration(DefaultDispatchTimeout),
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWMESH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawmesh")
}

// Load reads <home>/config.yaml when present, then applies env overrides
// and defaults. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawmesh home: %w", err)
	}

	cfg.ConfigPath = filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.Registry.Host) == "" {
		cfg.Registry.Host = def.Registry.Host
	}
	if cfg.Registry.Port <= 0 {
		cfg.Registry.Port = def.Registry.Port
	}
	if strings.TrimSpace(cfg.Registry.File) == "" {
		cfg.Registry.File = def.Registry.File
	}
	if cfg.Sessions.TTL <= 0 {
		cfg.Sessions.TTL = def.Sessions.TTL
	}
	if cfg.Sessions.CleanupInterval <= 0 {
		cfg.Sessions.CleanupInterval = def.Sessions.CleanupInterval
	}
	if cfg.Sessions.BackendTimeout <= 0 {
		cfg.Sessions.BackendTimeout = def.Sessions.BackendTimeout
	}
	if cfg.Sessions.LogTail <= 0 {
		cfg.Sessions.LogTail = def.Sessions.LogTail
	}
	cfg.Backend.Kind = strings.ToLower(strings.TrimSpace(cfg.Backend.Kind))
	if cfg.Backend.Kind == "" || cfg.Backend.Kind == "k8s" {
		cfg.Backend.Kind = "kubernetes"
	}
	if cfg.Backend.Kubernetes.Namespace == "" {
		cfg.Backend.Kubernetes.Namespace = def.Backend.Kubernetes.Namespace
	}
	if cfg.Backend.Kubernetes.Image == "" {
		cfg.Backend.Kubernetes.Image = def.Backend.Kubernetes.Image
	}
	if cfg.Backend.Docker.Image == "" {
		cfg.Backend.Docker.Image = def.Backend.Docker.Image
	}
	cfg.Store.Kind = strings.ToLower(strings.TrimSpace(cfg.Store.Kind))
	if cfg.Store.Kind == "" {
		cfg.Store.Kind = def.Store.Kind
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.HomeDir, "sessions.db")
	}
	if cfg.Store.RedisPrefix == "" {
		cfg.Store.RedisPrefix = def.Store.RedisPrefix
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = def.Events.AMQP.Exchange
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if cfg.Gateway.DispatchTimeout <= 0 {
		cfg.Gateway.DispatchTimeout = def.Gateway.DispatchTimeout
	}
}

func validate(cfg Config) error {
	switch cfg.Backend.Kind {
	case "kubernetes", "docker", "memory":
	default:
		return fmt.Errorf("backend.kind %q is not one of kubernetes, docker, memory", cfg.Backend.Kind)
	}
	switch cfg.Store.Kind {
	case "memory", "sqlite":
	case "mysql":
		if cfg.Store.MySQLDSN == "" {
			return fmt.Errorf("store.kind mysql requires store.mysql_dsn")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return fmt.Errorf("store.kind redis requires store.redis_addr")
		}
	default:
		return fmt.Errorf("store.kind %q is not one of memory, sqlite, mysql, redis", cfg.Store.Kind)
	}
	if cfg.Events.AMQP.Enabled && cfg.Events.AMQP.URL == "" {
		return fmt.Errorf("events.amqp.enabled requires events.amqp.url")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("CLAWMESH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWMESH_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("REGISTRY_HOST"); raw != "" {
		cfg.Registry.Host = raw
	}
	if raw := os.Getenv("REGISTRY_PORT"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 65535 {
			return fmt.Errorf("REGISTRY_PORT %q is not a valid port", raw)
		}
		cfg.Registry.Port = v
	}
	if raw := os.Getenv("REGISTRY_FILE"); raw != "" {
		cfg.Registry.File = raw
	}
	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		v, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("SESSION_TTL: %w", err)
		}
		cfg.Sessions.TTL = Duration(v)
	}
	if raw := os.Getenv("CLEANUP_INTERVAL"); raw != "" {
		v, err := ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("CLEANUP_INTERVAL: %w", err)
		}
		cfg.Sessions.CleanupInterval = Duration(v)
	}
	if raw := os.Getenv("CLAWMESH_BACKEND"); raw != "" {
		cfg.Backend.Kind = raw
	}
	if raw := os.Getenv("CLAWMESH_K8S_NAMESPACE"); raw != "" {
		cfg.Backend.Kubernetes.Namespace = raw
	}
	if raw := os.Getenv("CLAWMESH_JOB_IMAGE"); raw != "" {
		cfg.Backend.Kubernetes.Image = raw
		cfg.Backend.Docker.Image = raw
	}
	if raw := os.Getenv("KUBECONFIG"); raw != "" && cfg.Backend.Kubernetes.Kubeconfig == "" {
		cfg.Backend.Kubernetes.Kubeconfig = raw
	}
	if raw := os.Getenv("CLAWMESH_SESSION_STORE"); raw != "" {
		cfg.Store.Kind = raw
	}
	if raw := os.Getenv("CLAWMESH_MYSQL_DSN"); raw != "" {
		cfg.Store.MySQLDSN = raw
	}
	if raw := os.Getenv("CLAWMESH_REDIS_ADDR"); raw != "" {
		cfg.Store.RedisAddr = raw
	}
	if raw := os.Getenv("CLAWMESH_AMQP_URL"); raw != "" {
		cfg.Events.AMQP.URL = raw
		cfg.Events.AMQP.Enabled = true
	}
	if raw := os.Getenv("CLAWMESH_API_KEY"); raw != "" {
		cfg.Gateway.Auth.Enabled = true
		cfg.Gateway.Auth.Keys = append(cfg.Gateway.Auth.Keys, APIKeyEntry{Key: raw, Name: "env"})
	}
	for name, url := range StaticAgentsFromEnv(os.Environ()) {
		if cfg.StaticAgents == nil {
			cfg.StaticAgents = make(map[string]string)
		}
		cfg.StaticAgents[name] = url
	}
	return nil
}

// StaticAgentsFromEnv extracts CLAWMESH_AGENT_<NAME>=<url> pairs.
// NAME is lower-cased with underscores turned into dashes.
func StaticAgentsFromEnv(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, StaticAgentEnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, StaticAgentEnvPrefix)
		value = strings.TrimSpace(value)
		if name == "" || value == "" {
			continue
		}
		out[strings.ReplaceAll(strings.ToLower(name), "_", "-")] = value
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
