// Package metrics exposes the Prometheus scrape surface served at /metrics.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clawmesh"

// SessionCounter reports the current number of sessions per status.
type SessionCounter interface {
	CountByStatus() map[string]int
}

// AgentCounter reports the number of registered agents.
type AgentCounter interface {
	Count() int
}

// Registry owns the Prometheus collectors for one process.
type Registry struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	backendErrors  *prometheus.CounterVec
	reaperDeleted  prometheus.Counter
	reaperFailures prometheus.Counter
	busDropped     prometheus.CounterFunc
}

// New builds a registry with Go runtime and process collectors. sessions
// and agents may be nil; their gauges are then omitted.
func New(sessions SessionCounter, agents AgentCounter) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Job backend errors by operation and taxonomy code.",
		}, []string{"op", "code"}),
		reaperDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_deleted_total",
			Help:      "Expired sessions deleted by the cleanup reaper.",
		}),
		reaperFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_failures_total",
			Help:      "Expired sessions the reaper failed to delete (retried next sweep).",
		}),
	}
	reg.MustRegister(r.httpRequests, r.httpDuration, r.backendErrors, r.reaperDeleted, r.reaperFailures)

	if sessions != nil {
		reg.MustRegister(&sessionCollector{src: sessions, desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sessions"),
			"Sessions currently held in the session store, by status.",
			[]string{"status"}, nil,
		)})
	}
	if agents != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Agents currently present in the registry.",
		}, func() float64 { return float64(agents.Count()) }))
	}
	return r
}

// WatchDropped exports a bus drop counter.
func (r *Registry) WatchDropped(dropped func() uint64) {
	r.busDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_dropped_events_total",
		Help:      "Events not delivered because a subscriber buffer was full.",
	}, func() float64 { return float64(dropped()) })
	r.reg.MustRegister(r.busDropped)
}

// Handler serves the exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(route string, code int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// BackendError counts a failed backend call.
func (r *Registry) BackendError(op, code string) {
	if r == nil {
		return
	}
	r.backendErrors.WithLabelValues(op, code).Inc()
}

// ReaperSweep records the result of one cleanup sweep.
func (r *Registry) ReaperSweep(deleted, failed int) {
	if r == nil {
		return
	}
	r.reaperDeleted.Add(float64(deleted))
	r.reaperFailures.Add(float64(failed))
}

type sessionCollector struct {
	src  SessionCounter
	desc *prometheus.Desc
}

func (c *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	for status, n := range c.src.CountByStatus() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}

// Middleware wraps next and records route, status and latency. The route
// label is the ServeMux pattern when available so ids do not explode
// cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		r.ObserveHTTP(route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Hijack is required by the websocket upgrade on /ws/events.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
