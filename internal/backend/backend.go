// Package backend adapts cluster job runners to a common interface. Each
// session maps to exactly one job whose name is derived from the session id.
package backend

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strings"

	"github.com/basket/clawmesh/internal/apperr"
)

// DefaultLogLines is used when GetLogs is called with maxLines <= 0.
const DefaultLogLines = 100

const jobNamePrefix = "clawmesh-session-"

// JobStatus is the backend-reported state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// Terminal reports whether the job will not change state again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobRef identifies a job on a backend.
type JobRef struct {
	Backend   string `json:"backend"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	ID        string `json:"id,omitempty"`
}

// IsZero reports whether the ref names no job.
func (r JobRef) IsZero() bool {
	return r.Name == ""
}

// Backend runs one job per session.
type Backend interface {
	Name() string
	// CreateJob is idempotent: a job that already exists under the
	// session's job name is returned instead of being duplicated.
	CreateJob(ctx context.Context, sessionID, prompt string, extra map[string]string) (JobRef, error)
	GetStatus(ctx context.Context, ref JobRef) (JobStatus, error)
	// GetLogs returns at most maxLines trailing lines in original order.
	GetLogs(ctx context.Context, ref JobRef, maxLines int) ([]string, error)
	// DeleteJob returns a not_found error when the job is already gone.
	DeleteJob(ctx context.Context, ref JobRef) error
}

// JobName derives the deterministic job name for a session. The result is
// a valid DNS-1123 label: lowercase alphanumerics and dashes, at most 63
// characters. The first 8 hex characters of the id are kept readable; the
// remainder is hashed so distinct ids sharing a prefix do not collide.
func JobName(sessionID string) string {
	id := strings.ToLower(sessionID)
	head := make([]byte, 0, 8)
	rest := id
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			head = append(head, c)
			if len(head) == 8 {
				rest = id[i+1:]
				break
			}
		}
	}
	for len(head) < 8 {
		head = append(head, '0')
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(rest))
	return fmt.Sprintf("%s%s-%08x", jobNamePrefix, head, h.Sum32())
}

// TailLines splits text into lines and keeps the last n, in order. A
// trailing newline does not produce an empty final line.
func TailLines(text string, n int) []string {
	if n <= 0 {
		n = DefaultLogLines
	}
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return []string{}
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// classify maps a transport-level error onto the taxonomy. Deadlines and
// network failures are backend_unavailable; anything else is treated as an
// explicit rejection.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.CodeBackendUnavailable, err, op+": backend timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Wrap(apperr.CodeBackendUnavailable, err, op+": backend unreachable")
	}
	return apperr.Wrap(apperr.CodeBackendFailure, err, op+": backend rejected the request")
}

func notFound(ref JobRef) error {
	return apperr.Newf(apperr.CodeNotFound, "job %q not found", ref.Name)
}
