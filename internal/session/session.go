// Package session turns client prompts into backend jobs and tracks them to
// completion. Each session owns exactly one job.
package session

import (
	"time"

	"github.com/basket/clawmesh/internal/backend"
)

// Status is the lifecycle state of a session. It only moves forward:
// Pending → Running → Completed | Failed. Deleted is terminal and the
// record is purged.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusDeleted   Status = "Deleted"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	case StatusDeleted:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether s can no longer change through refresh.
func (s Status) Terminal() bool {
	return s.rank() >= 2
}

// CanAdvanceTo reports whether moving from s to next goes strictly forward.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.rank() > s.rank()
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// FromJob maps a backend job status onto a session status.
func FromJob(js backend.JobStatus) Status {
	switch js {
	case backend.JobRunning:
		return StatusRunning
	case backend.JobCompleted:
		return StatusCompleted
	case backend.JobFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

// Session is one client request and its job.
type Session struct {
	ID        string
	Name      string
	Prompt    string
	Extra     map[string]string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	JobRef    backend.JobRef
	TTL       time.Duration
	// Error is a stable, caller-safe reason when creation failed.
	Error string
	// LastLogs is the tail captured at the last successful log read or
	// terminal refresh.
	LastLogs []string
}

// ExpiresAt is CreatedAt plus TTL. A zero TTL never expires.
func (s Session) ExpiresAt() time.Time {
	if s.TTL <= 0 {
		return time.Time{}
	}
	return s.CreatedAt.Add(s.TTL)
}

// ExpiredAt reports whether the session's TTL has elapsed at now.
func (s Session) ExpiredAt(now time.Time) bool {
	exp := s.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	if s.Extra != nil {
		extra := make(map[string]string, len(s.Extra))
		for k, v := range s.Extra {
			extra[k] = v
		}
		s.Extra = extra
	}
	if s.LastLogs != nil {
		s.LastLogs = append([]string(nil), s.LastLogs...)
	}
	return s
}

// View is the JSON shape returned to clients.
type View struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Prompt     string            `json:"prompt"`
	Extra      map[string]string `json:"extra"`
	Status     Status            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	JobRef     *backend.JobRef   `json:"job_ref"`
	TTLSeconds int64             `json:"ttl_seconds"`
	Error      string            `json:"error,omitempty"`
}

func (s Session) View() View {
	v := View{
		ID:         s.ID,
		Name:       s.Name,
		Prompt:     s.Prompt,
		Extra:      s.Extra,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		TTLSeconds: int64(s.TTL / time.Second),
		Error:      s.Error,
	}
	if v.Extra == nil {
		v.Extra = map[string]string{}
	}
	if !s.JobRef.IsZero() {
		ref := s.JobRef
		v.JobRef = &ref
	}
	return v
}
