package backend_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/clawmesh/internal/apperr"
	"github.com/basket/clawmesh/internal/backend"
)

func TestMemory_ProgressionAndIdempotency(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	var _ backend.Backend = m

	ref, err := m.CreateJob(ctx, "s-1", "ping host", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateJob(ctx, "s-1", "ping host", nil); err != nil {
		t.Fatal(err)
	}
	if m.Creates() != 1 || m.Jobs() != 1 {
		t.Fatalf("creates=%d jobs=%d, want 1/1", m.Creates(), m.Jobs())
	}

	want := []backend.JobStatus{backend.JobRunning, backend.JobCompleted, backend.JobCompleted}
	for i, w := range want {
		got, err := m.GetStatus(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if got != w {
			t.Fatalf("poll %d: status = %s, want %s", i, got, w)
		}
	}
}

func TestMemory_LogBound(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	ref, _ := m.CreateJob(ctx, "s-logs", "p", nil)
	for i := 1; i <= 499; i++ {
		m.AppendLogs(ref.Name, fmt.Sprintf("line %d", i))
	}

	lines, err := m.GetLogs(ctx, ref, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != backend.DefaultLogLines {
		t.Fatalf("len = %d, want %d", len(lines), backend.DefaultLogLines)
	}
	if lines[0] != "line 400" || lines[99] != "line 499" {
		t.Fatalf("first=%q last=%q", lines[0], lines[99])
	}
}

func TestMemory_FailureInjection(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	ref, _ := m.CreateJob(ctx, "s-2", "p", nil)

	m.SetUnavailable(true)
	if _, err := m.GetStatus(ctx, ref); !errors.Is(err, apperr.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want backend_unavailable", err)
	}
	m.SetUnavailable(false)

	m.Fail("delete", errors.New("admission webhook denied"))
	if err := m.DeleteJob(ctx, ref); !errors.Is(err, apperr.ErrBackendFailure) {
		t.Fatalf("err = %v, want backend_failure", err)
	}
	m.Fail("delete", nil)
	if err := m.DeleteJob(ctx, ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteJob(ctx, ref); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestMemory_DelayHonoursDeadline(t *testing.T) {
	m := backend.NewMemory()
	m.SetDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.CreateJob(ctx, "s-3", "p", nil)
	if !errors.Is(err, apperr.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want backend_unavailable", err)
	}
}

func TestMemory_ScriptAndPin(t *testing.T) {
	ctx := context.Background()
	m := backend.NewMemory()
	m.Script(backend.JobPending, backend.JobFailed)
	ref, _ := m.CreateJob(ctx, "s-4", "p", nil)
	if got, _ := m.GetStatus(ctx, ref); got != backend.JobFailed {
		t.Fatalf("status = %s, want Failed", got)
	}

	ref2, _ := m.CreateJob(ctx, "s-5", "p", nil)
	m.SetStatus(ref2.Name, backend.JobRunning)
	for i := 0; i < 3; i++ {
		if got, _ := m.GetStatus(ctx, ref2); got != backend.JobRunning {
			t.Fatalf("pinned status = %s, want Running", got)
		}
	}
}
