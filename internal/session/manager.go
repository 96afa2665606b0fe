package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/audit"
	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/bus"
	cmotel "github.com/basket/clawmesh/internal/otel"
	"github.com/basket/clawmesh/internal/shared"
)

const (
	DefaultTTL            = time.Hour
	DefaultBackendTimeout = 15 * time.Second
	MaxPromptBytes        = 64 << 10
	maxNameLen            = 128
)

// ErrorRecorder receives backend failures for the scrape metrics.
type ErrorRecorder interface {
	BackendError(op, code string)
}

type Config struct {
	Store          Store
	Backend        backend.Backend
	Bus            *bus.Bus
	Logger         *slog.Logger
	TTL            time.Duration
	BackendTimeout time.Duration
	LogTail        int
	Tracer         trace.Tracer
	Metrics        *cmotel.Metrics
	Errors         ErrorRecorder
	Now            func() time.Time
}

// Manager owns the session lifecycle. No store lock is held while a backend
// call is in flight; refresh results are committed optimistically.
type Manager struct {
	store          Store
	backend        backend.Backend
	bus            *bus.Bus
	logger         *slog.Logger
	ttl            time.Duration
	backendTimeout time.Duration
	logTail        int
	tracer         trace.Tracer
	metrics        *cmotel.Metrics
	errs           ErrorRecorder
	now            func() time.Time
}

func NewManager(cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultBackendTimeout
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = backend.DefaultLogLines
	}
	if cfg.Tracer == nil {
		cfg.Tracer = cmotel.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = cmotel.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:          cfg.Store,
		backend:        cfg.Backend,
		bus:            cfg.Bus,
		logger:         cfg.Logger.With("component", "session"),
		ttl:            cfg.TTL,
		backendTimeout: cfg.BackendTimeout,
		logTail:        cfg.LogTail,
		tracer:         cfg.Tracer,
		metrics:        cfg.Metrics,
		errs:           cfg.Errors,
		now:            cfg.Now,
	}
}

// BackendName reports which job backend sessions run on.
func (m *Manager) BackendName() string {
	return m.backend.Name()
}

// TTL is the lifetime given to new sessions.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateSession validates the request, creates the job and persists the
// session. A backend failure does not fail the call: the session is stored
// as Failed with a stable reason and returned.
func (m *Manager) CreateSession(ctx context.Context, name, prompt string, extra map[string]string) (Session, error) {
	name = strings.TrimSpace(name)
	if err := validateCreate(name, prompt, extra); err != nil {
		return Session{}, err
	}

	now := m.now().UTC()
	s := Session{
		ID:        uuid.NewString(),
		Name:      name,
		Prompt:    prompt,
		Extra:     copyMap(extra),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TTL:       m.ttl,
	}
	ctx = shared.WithSessionID(ctx, s.ID)
	logger := m.logger.With("session_id", s.ID, "trace_id", shared.TraceID(ctx))

	// The job must not be abandoned half-created because the client went away.
	detached := context.WithoutCancel(ctx)
	var ref backend.JobRef
	err := m.call(detached, "create", s.ID, func(cctx context.Context) error {
		var cerr error
		ref, cerr = m.backend.CreateJob(cctx, s.ID, prompt, s.Extra)
		return cerr
	})
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		s.Status = StatusFailed
		s.Error = creationFailure(err)
		logger.Error("job creation failed", "backend", m.backend.Name(), "error", err)
	} else {
		s.JobRef = ref
	}

	if perr := m.store.Put(detached, s); perr != nil {
		logger.Error("session persist failed", "error", perr)
		if err == nil {
			m.cleanupOrphan(detached, s, logger)
		}
		return Session{}, apperr.Wrap(apperr.CodePersistence, perr, "session could not be stored")
	}

	m.metrics.SessionsCreated.Add(ctx, 1, metric.WithAttributes(cmotel.AttrOutcome.String(outcome)))
	audit.Record(ctx, "session.create", s.ID, auditOutcome(err), s.Error)
	m.bus.Publish(bus.TopicSessionCreated, bus.SessionEvent{
		SessionID: s.ID,
		Name:      s.Name,
		NewStatus: string(s.Status),
		JobName:   s.JobRef.Name,
		Error:     s.Error,
		At:        now,
	})
	logger.Info("session created", "name", s.Name, "status", s.Status, "job", s.JobRef.Name)
	return s, nil
}

func (m *Manager) cleanupOrphan(ctx context.Context, s Session, logger *slog.Logger) {
	err := m.call(ctx, "delete", s.ID, func(cctx context.Context) error {
		return m.backend.DeleteJob(cctx, s.JobRef)
	})
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		logger.Warn("orphaned job left behind", "job", s.JobRef.Name, "error", err)
	}
}

// GetSession returns the session, refreshing its status from the backend
// when it is not terminal. Refresh errors are logged and the last known
// state is returned.
func (m *Manager) GetSession(ctx context.Context, id string) (Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() || s.JobRef.IsZero() {
		return s, nil
	}
	return m.refresh(ctx, s)
}

func (m *Manager) refresh(ctx context.Context, s Session) (Session, error) {
	logger := m.logger.With("session_id", s.ID, "trace_id", shared.TraceID(ctx))

	var js backend.JobStatus
	err := m.call(ctx, "get_status", s.ID, func(cctx context.Context) error {
		var gerr error
		js, gerr = m.backend.GetStatus(cctx, s.JobRef)
		return gerr
	})
	switch {
	case apperr.IsCode(err, apperr.CodeNotFound):
		// The job was removed behind our back. Status stays at its last
		// known value; the reaper removes the session once its TTL expires.
		logger.Warn("job vanished from backend, keeping last known status",
			"job", s.JobRef.Name, "status", s.Status)
		return s, nil
	case err != nil:
		logger.Warn("status refresh failed, serving last known state", "status", s.Status, "error", err)
		return s, nil
	}
	next := FromJob(js)
	if !s.Status.CanAdvanceTo(next) {
		return s, nil
	}

	var tail []string
	if next.Terminal() {
		_ = m.call(ctx, "get_logs", s.ID, func(cctx context.Context) error {
			lines, lerr := m.backend.GetLogs(cctx, s.JobRef, m.logTail)
			if lerr == nil {
				tail = lines
			}
			return lerr
		})
	}

	var old Status
	updated, changed, err := m.store.Update(ctx, s.ID, func(cur *Session) bool {
		if !cur.Status.CanAdvanceTo(next) {
			return false
		}
		old = cur.Status
		cur.Status = next
		cur.UpdatedAt = m.now().UTC()
		if len(tail) > 0 {
			cur.LastLogs = tail
		}
		return true
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeNotFound) {
			return Session{}, err
		}
		logger.Warn("status commit failed", "error", err)
		return s, nil
	}
	if changed {
		m.bus.Publish(bus.TopicSessionStatusChanged, bus.SessionEvent{
			SessionID: updated.ID,
			Name:      updated.Name,
			OldStatus: string(old),
			NewStatus: string(updated.Status),
			JobName:   updated.JobRef.Name,
			At:        updated.UpdatedAt,
		})
		logger.Info("session status changed", "from", old, "to", updated.Status)
	}
	return updated, nil
}

// ListSessions returns stored sessions, newest first, without refreshing.
func (m *Manager) ListSessions(ctx context.Context) ([]Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistence, err, "sessions could not be listed")
	}
	SortNewestFirst(sessions)
	return sessions, nil
}

// GetLogs returns the job's trailing output. cached is true when the lines
// come from the last captured tail because the backend could not serve them.
func (m *Manager) GetLogs(ctx context.Context, id string) (lines []string, cached bool, err error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s.JobRef.IsZero() {
		return cachedOr(s)
	}

	err = m.call(ctx, "get_logs", s.ID, func(cctx context.Context) error {
		var lerr error
		lines, lerr = m.backend.GetLogs(cctx, s.JobRef, m.logTail)
		return lerr
	})
	switch {
	case err == nil:
		if _, _, uerr := m.store.Update(ctx, s.ID, func(cur *Session) bool {
			cur.LastLogs = lines
			return true
		}); uerr != nil && !apperr.IsCode(uerr, apperr.CodeNotFound) {
			m.logger.Warn("log cache update failed", "session_id", s.ID, "error", uerr)
		}
		return lines, false, nil
	case apperr.IsCode(err, apperr.CodeNotFound), apperr.IsCode(err, apperr.CodeBackendUnavailable):
		return cachedOr(s)
	default:
		return nil, false, err
	}
}

func cachedOr(s Session) ([]string, bool, error) {
	if len(s.LastLogs) > 0 {
		return s.LastLogs, true, nil
	}
	return nil, false, apperr.Newf(apperr.CodeLogsUnavailable, "logs for session %q are no longer available", s.ID)
}

// DeleteSession removes the job and then the session. A job that is already
// gone counts as deleted. Any other backend error aborts and keeps the
// session so a later sweep can retry.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	logger := m.logger.With("session_id", id, "trace_id", shared.TraceID(ctx))

	if !s.JobRef.IsZero() {
		err := m.call(ctx, "delete", s.ID, func(cctx context.Context) error {
			return m.backend.DeleteJob(cctx, s.JobRef)
		})
		if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			logger.Warn("job delete failed, keeping session", "job", s.JobRef.Name, "error", err)
			audit.Record(ctx, "session.delete", id, audit.OutcomeFailed, string(apperr.CodeOf(err)))
			return err
		}
	}

	if err := m.store.Delete(ctx, id); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		return apperr.Wrap(apperr.CodePersistence, err, "session could not be removed")
	}

	m.metrics.SessionsDeleted.Add(ctx, 1)
	audit.Record(ctx, "session.delete", id, audit.OutcomeOK, "")
	m.bus.Publish(bus.TopicSessionDeleted, bus.SessionEvent{
		SessionID: s.ID,
		Name:      s.Name,
		OldStatus: string(s.Status),
		NewStatus: string(StatusDeleted),
		JobName:   s.JobRef.Name,
		At:        m.now().UTC(),
	})
	logger.Info("session deleted", "job", s.JobRef.Name)
	return nil
}

// Expired lists sessions whose TTL has elapsed at now.
func (m *Manager) Expired(ctx context.Context, now time.Time) ([]Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodePersistence, err, "sessions could not be listed")
	}
	out := sessions[:0]
	for _, s := range sessions {
		if s.ExpiredAt(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CountByStatus feeds the sessions gauge.
func (m *Manager) CountByStatus() map[string]int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sessions, err := m.store.List(ctx)
	if err != nil {
		m.logger.Debug("session count failed", "error", err)
		return nil
	}
	out := make(map[string]int)
	for _, s := range sessions {
		out[string(s.Status)]++
	}
	return out
}

// call runs one backend operation under the backend deadline and records
// its span and metrics. A deadline always surfaces as backend_unavailable.
func (m *Manager) call(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		cmotel.AttrBackend.String(m.backend.Name()),
		cmotel.AttrOperation.String(op),
	}
	ctx, span := cmotel.StartClientSpan(ctx, m.tracer, "backend."+op,
		append(attrs, cmotel.AttrSessionID.String(sessionID))...)
	cctx, cancel := context.WithTimeout(ctx, m.backendTimeout)
	defer cancel()

	start := time.Now()
	err := fn(cctx)
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !apperr.IsCode(err, apperr.CodeBackendUnavailable) {
		err = apperr.Wrap(apperr.CodeBackendUnavailable, err, op+": backend timed out")
	}
	if err != nil {
		if _, coded := apperr.From(err); !coded {
			err = apperr.Wrap(apperr.CodeBackendFailure, err, op+": backend call failed")
		}
	}

	m.metrics.BackendCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
	if err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
		code := string(apperr.CodeOf(err))
		m.metrics.BackendCallErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, cmotel.AttrErrorCode.String(code))...))
		if m.errs != nil {
			m.errs.BackendError(op, code)
		}
	}
	cmotel.EndSpan(span, err)
	return err
}

func validateCreate(name, prompt string, extra map[string]string) error {
	switch {
	case name == "":
		return apperr.New(apperr.CodeValidation, "name is required")
	case len(name) > maxNameLen:
		return apperr.Newf(apperr.CodeValidation, "name exceeds %d characters", maxNameLen)
	case strings.TrimSpace(prompt) == "":
		return apperr.New(apperr.CodeValidation, "prompt is required")
	case len(prompt) > MaxPromptBytes:
		return apperr.Newf(apperr.CodeValidation, "prompt exceeds %d bytes", MaxPromptBytes)
	}
	for k := range extra {
		if strings.TrimSpace(k) == "" {
			return apperr.New(apperr.CodeValidation, "extra keys must be non-empty")
		}
	}
	return nil
}

// creationFailure is the reason stored on a session whose job could not be
// created. It never carries backend text.
func creationFailure(err error) string {
	switch apperr.CodeOf(err) {
	case apperr.CodeBackendUnavailable:
		return "job creation failed: backend unavailable"
	case apperr.CodeBackendFailure:
		return "job creation failed: backend rejected the job"
	default:
		return fmt.Sprintf("job creation failed: %s", apperr.CodeOf(err))
	}
}

func auditOutcome(err error) string {
	if err != nil {
		return audit.OutcomeFailed
	}
	return audit.OutcomeOK
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
