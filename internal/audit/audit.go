// Package audit appends one JSON line per registry or session mutation to
// <home>/logs/audit.jsonl, optionally mirrored into the audit_log table of
// the SQL session store.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawmesh/internal/shared"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	SessionID string `json:"session_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	db           *sql.DB
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB mirrors entries into the audit_log table. Pass nil to stop.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of failed outcomes since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// Record appends an entry. It is a no-op until Init is called, so tests
// and tools that never call Init pay nothing.
func Record(ctx context.Context, action, subject, outcome, detail string) {
	if outcome == OutcomeFailed {
		failureCount.Add(1)
	}
	detail = shared.Redact(detail)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			SessionID: shared.SessionID(ctx),
			Agent:     shared.AgentName(ctx),
			Action:    action,
			Subject:   subject,
			Outcome:   outcome,
			Detail:    detail,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, action, subject, outcome, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, traceID, action, subject, outcome, detail, time.Now().UTC())
	}
}
