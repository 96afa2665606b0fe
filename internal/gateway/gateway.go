// Package gateway is the client-facing HTTP surface: session lifecycle,
// agent dispatch, health, metrics, agent discovery and a websocket stream
// of lifecycle events.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawmesh/internal/bus"
	"github.com/basket/clawmesh/internal/config"
	"github.com/basket/clawmesh/internal/metrics"
	cmotel "github.com/basket/clawmesh/internal/otel"
	"github.com/basket/clawmesh/internal/registry"
	"github.com/basket/clawmesh/internal/router"
	"github.com/basket/clawmesh/internal/session"
	"github.com/basket/clawmesh/internal/shared"
)

// DefaultMaxBodyBytes caps request bodies when the config leaves it unset.
const DefaultMaxBodyBytes = 1 << 20

// Sessions is the session manager surface the gateway serves.
type Sessions interface {
	CreateSession(ctx context.Context, name, prompt string, extra map[string]string) (session.Session, error)
	GetSession(ctx context.Context, id string) (session.Session, error)
	ListSessions(ctx context.Context) ([]session.Session, error)
	GetLogs(ctx context.Context, id string) ([]string, bool, error)
	DeleteSession(ctx context.Context, id string) error
	BackendName() string
}

// Agents resolves and dispatches to named agents.
type Agents interface {
	Resolve(name string) (router.Resolution, error)
	Dispatch(ctx context.Context, name string, task router.Task) (router.Result, error)
}

// AgentLister is the registry view used for health and the agent card.
type AgentLister interface {
	List() []registry.AgentRecord
	Count() int
}

type Config struct {
	Sessions Sessions
	Agents   Agents
	Registry AgentLister
	Bus      *bus.Bus
	Metrics  *metrics.Registry
	Logger   *slog.Logger
	Tracer   trace.Tracer
	// Instruments carries the OTel counters; nil means no-op.
	Instruments *cmotel.Metrics
	Gateway     config.GatewayConfig
	Version     string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	maxBody int64
	auth    *AuthMiddleware
	limiter *RateLimitMiddleware

	closing   chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = cmotel.Noop().Tracer
	}
	maxBody := cfg.Gateway.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	limiter := NewRateLimitMiddleware(cfg.Gateway.RateLimit)
	limiter.SetInstruments(cfg.Instruments)
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		maxBody: maxBody,
		auth:    NewAuthMiddleware(cfg.Gateway.Auth),
		limiter: limiter,
		closing: make(chan struct{}),
	}
}

// CloseStreams ends every open websocket stream. http.Server.Shutdown does
// not track hijacked connections, so call this before it.
func (s *Server) CloseStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.limiter }

// Handler returns the full middleware chain around the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.handleSessionLogs)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("POST /api/agents/{name}/tasks", s.handleAgentTask)
	mux.HandleFunc("GET /api/agents/{name}", s.handleResolveAgent)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("GET /ws/events", s.handleEventsWS)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
	}

	// The metrics middleware sits directly on the mux so it sees the
	// matched pattern.
	var h http.Handler = s.cfg.Metrics.Middleware(mux)
	h = RequestSizeLimitMiddleware(s.maxBody)(h)
	h = s.limiter.Wrap(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.Gateway.CORS)(h)
	return s.traced(h)
}

// traced attaches a trace id and a server span to every request and echoes
// the id back to the caller.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.TraceFromRequest(r)
		w.Header().Set(shared.TraceHeader, traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := cmotel.StartServerSpan(ctx, s.tracer, "http "+r.Method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
			attribute.String("clawmesh.trace_id", traceID),
		)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", traceID,
			"elapsed", time.Since(start),
		)
	})
}

// fail logs the cause and writes the public error.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Info("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"trace_id", shared.TraceID(r.Context()),
		"error", err,
	)
	shared.WriteError(w, err)
}
