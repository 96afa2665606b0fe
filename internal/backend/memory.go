package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/clawmesh/internal/apperr"
)

// Memory is an in-process backend for development and tests. Jobs advance
// through a scripted status progression, one step per GetStatus call.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*memoryJob
	progression []JobStatus
	unavailable bool
	failures    map[string]error
	delay       time.Duration
	creates     int
}

type memoryJob struct {
	ref       JobRef
	sessionID string
	prompt    string
	extra     map[string]string
	script    []JobStatus
	step      int
	status    JobStatus
	pinned    bool
	logs      []string
}

// NewMemory returns a backend whose jobs go Pending, Running, Completed.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*memoryJob),
		progression: []JobStatus{JobPending, JobRunning, JobCompleted},
		failures:    make(map[string]error),
	}
}

func (m *Memory) Name() string { return "memory" }

// Script sets the status progression for jobs created afterwards. Each
// GetStatus call moves one step forward and then stays on the last entry.
func (m *Memory) Script(steps ...JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(steps) == 0 {
		steps = []JobStatus{JobPending}
	}
	m.progression = append([]JobStatus(nil), steps...)
}

// SetStatus pins the status of an existing job.
func (m *Memory) SetStatus(name string, status JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[name]; ok {
		job.status = status
		job.pinned = true
	}
}

// AppendLogs adds output lines to a job.
func (m *Memory) AppendLogs(name string, lines ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[name]; ok {
		job.logs = append(job.logs, lines...)
	}
}

// Fail makes every call of op ("create", "get_status", "get_logs",
// "delete") return err until cleared with a nil err.
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetUnavailable makes every call fail with backend_unavailable.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// SetDelay makes every call block for d or until ctx is done.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Jobs returns the number of live jobs.
func (m *Memory) Jobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Creates returns how many CreateJob calls actually created a job.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Prompt returns the prompt a job was created with.
func (m *Memory) Prompt(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	if !ok {
		return "", false
	}
	return job.prompt, true
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	delay := m.delay
	unavailable := m.unavailable
	failure := m.failures[op]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return classify(op, ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return classify(op, err)
	}
	if unavailable {
		return apperr.New(apperr.CodeBackendUnavailable, op+": memory backend unavailable")
	}
	if failure != nil {
		return classify(op, failure)
	}
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, sessionID, prompt string, extra map[string]string) (JobRef, error) {
	if err := m.enter(ctx, "create"); err != nil {
		return JobRef{}, err
	}
	name := JobName(sessionID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[name]; ok {
		return job.ref, nil
	}
	cp := make(map[string]string, len(extra))
	for k, v := range extra {
		cp[k] = v
	}
	m.creates++
	job := &memoryJob{
		ref:       JobRef{Backend: m.Name(), Name: name, ID: fmt.Sprintf("mem-%d", m.creates)},
		sessionID: sessionID,
		prompt:    prompt,
		extra:     cp,
		script:    m.progression,
		status:    m.progression[0],
		logs:      []string{fmt.Sprintf("session %s: %s", sessionID, prompt)},
	}
	m.jobs[name] = job
	return job.ref, nil
}

func (m *Memory) GetStatus(ctx context.Context, ref JobRef) (JobStatus, error) {
	if err := m.enter(ctx, "get_status"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[ref.Name]
	if !ok {
		return "", notFound(ref)
	}
	if !job.pinned && job.step < len(job.script)-1 {
		job.step++
		job.status = job.script[job.step]
	}
	return job.status, nil
}

func (m *Memory) GetLogs(ctx context.Context, ref JobRef, maxLines int) ([]string, error) {
	if err := m.enter(ctx, "get_logs"); err != nil {
		return nil, err
	}
	if maxLines <= 0 {
		maxLines = DefaultLogLines
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[ref.Name]
	if !ok {
		return nil, notFound(ref)
	}
	lines := job.logs
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return append([]string{}, lines...), nil
}

func (m *Memory) DeleteJob(ctx context.Context, ref JobRef) error {
	if err := m.enter(ctx, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[ref.Name]; !ok {
		return notFound(ref)
	}
	delete(m.jobs, ref.Name)
	return nil
}
