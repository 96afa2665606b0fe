// Package reaper periodically deletes sessions whose TTL has elapsed,
// together with their backend jobs.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/clawmesh/internal/apperr"
	cmotel "github.com/basket/clawmesh/internal/otel"
	"github.com/basket/clawmesh/internal/session"
)

// DefaultInterval is used when neither Interval nor Schedule is set.
const DefaultInterval = time.Minute

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 30s" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Manager is the part of session.Manager the reaper needs.
type Manager interface {
	Expired(ctx context.Context, now time.Time) ([]session.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Recorder receives sweep totals. *metrics.Registry satisfies it.
type Recorder interface {
	ReaperSweep(deleted, failed int)
}

// Config holds the dependencies for the reaper.
type Config struct {
	Manager  Manager
	Logger   *slog.Logger
	Interval time.Duration // defaults to DefaultInterval
	// Schedule, when non-empty, is a cron spec that replaces Interval.
	Schedule string
	Metrics  Recorder
	// Instruments receives the OTel sweep counter. Nil means no-op.
	Instruments *cmotel.Metrics
	Now         func() time.Time
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Expired int
	Deleted int
	Failed  int
}

// Reaper runs sweeps in a background goroutine.
type Reaper struct {
	manager  Manager
	logger   *slog.Logger
	interval time.Duration
	schedule cronlib.Schedule
	metrics  Recorder
	otel     *cmotel.Metrics
	now      func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ParseSchedule validates a cron spec.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	return sched, nil
}

// New returns a Reaper. It fails only on an unparsable Schedule.
func New(cfg Config) (*Reaper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	instruments := cfg.Instruments
	if instruments == nil {
		instruments = cmotel.NoopMetrics()
	}
	r := &Reaper{
		manager:  cfg.Manager,
		logger:   logger,
		interval: interval,
		metrics:  cfg.Metrics,
		otel:     instruments,
		now:      now,
	}
	if cfg.Schedule != "" {
		sched, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		r.schedule = sched
	}
	return r, nil
}

// Start begins sweeping: once immediately, then on every interval or
// scheduled time. Calling Start on a running reaper does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	if r.schedule != nil {
		r.logger.Info("reaper started", "next_sweep", r.schedule.Next(r.now()))
	} else {
		r.logger.Info("reaper started", "interval", r.interval)
	}
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	r.Sweep(ctx)

	timer := time.NewTimer(r.nextDelay())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Sweep(ctx)
			timer.Reset(r.nextDelay())
		}
	}
}

func (r *Reaper) nextDelay() time.Duration {
	if r.schedule == nil {
		return r.interval
	}
	now := r.now()
	d := r.schedule.Next(now).Sub(now)
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Sweep deletes every expired session once. A failure on one session is
// logged and left for the next sweep.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	expired, err := r.manager.Expired(ctx, r.now())
	if err != nil {
		r.logger.Error("reaper: list expired sessions failed", "error", err)
		return res
	}
	res.Expired = len(expired)

	for _, s := range expired {
		if ctx.Err() != nil {
			break
		}
		err := r.manager.DeleteSession(ctx, s.ID)
		switch {
		case err == nil, apperr.IsCode(err, apperr.CodeNotFound):
			res.Deleted++
		default:
			res.Failed++
			r.logger.Warn("reaper: delete failed",
				"session_id", s.ID,
				"job", s.JobRef.Name,
				"error", err,
			)
		}
	}

	if res.Expired > 0 {
		r.logger.Info("reaper: sweep done",
			"expired", res.Expired,
			"deleted", res.Deleted,
			"failed", res.Failed,
		)
	}
	r.otel.ReaperSweeps.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("deleted", res.Deleted),
		attribute.Int("failed", res.Failed),
	))
	if r.metrics != nil {
		r.metrics.ReaperSweep(res.Deleted, res.Failed)
	}
	return res
}
