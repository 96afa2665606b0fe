package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the OTel instruments recorded by the session manager,
// the reaper and the router.
type Metrics struct {
	BackendCallDuration metric.Float64Histogram
	BackendCallErrors   metric.Int64Counter
	SessionsCreated     metric.Int64Counter
	SessionsDeleted     metric.Int64Counter
	ReaperSweeps        metric.Int64Counter
	DispatchDuration    metric.Float64Histogram
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BackendCallDuration, err = meter.Float64Histogram("clawmesh.backend.duration",
		metric.WithDescription("Job backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendCallErrors, err = meter.Int64Counter("clawmesh.backend.errors",
		metric.WithDescription("Job backend calls that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCreated, err = meter.Int64Counter("clawmesh.sessions.created",
		metric.WithDescription("Sessions created, labelled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsDeleted, err = meter.Int64Counter("clawmesh.sessions.deleted",
		metric.WithDescription("Sessions deleted by clients or the reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.ReaperSweeps, err = meter.Int64Counter("clawmesh.reaper.sweeps",
		metric.WithDescription("Completed cleanup sweeps"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("clawmesh.dispatch.duration",
		metric.WithDescription("A2A dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawmesh.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(Noop().Meter)
	return m
}
