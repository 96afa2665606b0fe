// Package router resolves agent names to endpoints and dispatches tasks to
// them. The live registry is consulted first, then a static fallback map.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/audit"
	cmotel "github.com/basket/clawmesh/internal/otel"
	"github.com/basket/clawmesh/internal/registry"
	"github.com/basket/clawmesh/internal/shared"
)

// DefaultTimeout bounds one task invocation.
const DefaultTimeout = 30 * time.Second

// Source says where a resolution came from.
type Source string

const (
	SourceRegistry Source = "registry"
	SourceStatic   Source = "static"
)

// Lookup is the registry view the router needs.
type Lookup interface {
	Get(name string) (registry.AgentRecord, error)
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Source Source `json:"source"`
}

type Config struct {
	Registry Lookup
	Static   map[string]string
	Timeout  time.Duration
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *cmotel.Metrics
}

type Router struct {
	registry Lookup
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *cmotel.Metrics

	mu     sync.RWMutex
	static map[string]string
}

func New(cfg Config) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = cmotel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cmotel.NoopMetrics()
	}
	r := &Router{
		registry: cfg.Registry,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "router"),
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
	}
	r.SetStatic(cfg.Static)
	return r
}

// SetStatic replaces the static fallback map.
func (r *Router) SetStatic(static map[string]string) {
	cp := make(map[string]string, len(static))
	for name, url := range static {
		cp[name] = url
	}
	r.mu.Lock()
	r.static = cp
	r.mu.Unlock()
}

// Resolve maps name to a URL: exact registry match, then the static map.
// There is no fuzzy matching.
func (r *Router) Resolve(name string) (Resolution, error) {
	if r.registry != nil {
		if rec, err := r.registry.Get(name); err == nil {
			return Resolution{Name: name, URL: rec.URL, Source: SourceRegistry}, nil
		}
	}
	r.mu.RLock()
	url, ok := r.static[name]
	r.mu.RUnlock()
	if ok {
		return Resolution{Name: name, URL: url, Source: SourceStatic}, nil
	}
	return Resolution{}, apperr.Newf(apperr.CodeNotFound, "agent %q not found", name)
}

// Endpoint resolves name and returns an invocable endpoint for it.
func (r *Router) Endpoint(name string) (AgentEndpoint, error) {
	res, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return NewHTTPEndpoint(res.Name, res.URL, r.timeout), nil
}

// Dispatch resolves name and invokes the task on it.
func (r *Router) Dispatch(ctx context.Context, name string, task Task) (Result, error) {
	ctx = shared.WithAgentName(ctx, name)
	ctx, span := cmotel.StartClientSpan(ctx, r.tracer, "router.dispatch", cmotel.AttrAgentName.String(name))
	start := time.Now()

	ep, err := r.Endpoint(name)
	if err != nil {
		cmotel.EndSpan(span, err)
		audit.Record(ctx, "agent.dispatch", task.ID, audit.OutcomeFailed, outcomeCode(err))
		return Result{}, err
	}
	res, err := ep.Invoke(ctx, task)
	r.metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(cmotel.AttrAgentName.String(name), cmotel.AttrErrorCode.String(outcomeCode(err))))
	cmotel.EndSpan(span, err)
	if err != nil {
		audit.Record(ctx, "agent.dispatch", task.ID, audit.OutcomeFailed, outcomeCode(err))
		r.logger.Warn("dispatch failed", "agent", name, "trace_id", shared.TraceID(ctx), "error", err)
		return Result{}, err
	}
	audit.Record(ctx, "agent.dispatch", task.ID, audit.OutcomeOK, "")
	r.logger.Debug("dispatch ok", "agent", name, "status", res.StatusCode)
	return res, nil
}

func outcomeCode(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.CodeOf(err))
}
