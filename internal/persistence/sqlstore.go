package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/clawmesh/internal/backend"
	"github.com/basket/clawmesh/internal/session"
)

// SQLStore is a session.Store on database/sql. SQLite serializes writes
// through a single connection; MySQL uses a pool and row locks.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ session.Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db, dialect: DialectSQLite, now: time.Now}
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMySQL connects to a MySQL server. Timestamps are stored as unix
// nanoseconds, so the DSN does not need parseTime.
func OpenMySQL(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectMySQL, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for the audit mirror.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports which driver backs the store.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

const sessionColumns = `id, name, prompt, extra, status, created_at, updated_at,
	job_backend, job_name, job_namespace, job_id, ttl_ns, error, last_logs`

func (s *SQLStore) upsertSQL() string {
	if s.dialect == DialectMySQL {
		return `INSERT INTO sessions (` + sessionColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name), prompt = VALUES(prompt), extra = VALUES(extra),
				status = VALUES(status), created_at = VALUES(created_at), updated_at = VALUES(updated_at),
				job_backend = VALUES(job_backend), job_name = VALUES(job_name),
				job_namespace = VALUES(job_namespace), job_id = VALUES(job_id),
				ttl_ns = VALUES(ttl_ns), error = VALUES(error), last_logs = VALUES(last_logs)`
	}
	return `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, prompt = excluded.prompt, extra = excluded.extra,
			status = excluded.status, created_at = excluded.created_at, updated_at = excluded.updated_at,
			job_backend = excluded.job_backend, job_name = excluded.job_name,
			job_namespace = excluded.job_namespace, job_id = excluded.job_id,
			ttl_ns = excluded.ttl_ns, error = excluded.error, last_logs = excluded.last_logs`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) put(ctx context.Context, ex execer, sess session.Session) error {
	args, err := sessionArgs(sess)
	if err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, s.upsertSQL(), args...); err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) Put(ctx context.Context, sess session.Session) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		return s.put(ctx, s.db, sess)
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, session.NotFound(id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLStore) List(ctx context.Context) ([]session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if affected == 0 {
		return session.NotFound(id)
	}
	return nil
}

// Update reads, mutates and writes the row in one transaction. On MySQL the
// row is locked with SELECT ... FOR UPDATE; SQLite's single connection
// already serializes the transaction.
func (s *SQLStore) Update(ctx context.Context, id string, fn func(*session.Session) bool) (session.Session, bool, error) {
	var (
		result  session.Session
		changed bool
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
		if s.dialect == DialectMySQL {
			query += ` FOR UPDATE`
		}
		cur, err := scanSession(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return session.NotFound(id)
		}
		if err != nil {
			return err
		}

		next := cur.Clone()
		if !fn(&next) {
			result, changed = cur, false
			return nil
		}
		if err := s.put(ctx, tx, next); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result, changed = next, true
		return nil
	})
	if err != nil {
		return session.Session{}, false, err
	}
	return result, changed, nil
}

func sessionArgs(sess session.Session) ([]any, error) {
	extra, err := json.Marshal(sess.Extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	logs, err := json.Marshal(sess.LastLogs)
	if err != nil {
		return nil, fmt.Errorf("marshal logs: %w", err)
	}
	return []any{
		sess.ID, sess.Name, sess.Prompt, string(extra), string(sess.Status),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(),
		sess.JobRef.Backend, sess.JobRef.Name, sess.JobRef.Namespace, sess.JobRef.ID,
		int64(sess.TTL), sess.Error, string(logs),
	}, nil
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess              session.Session
		status            string
		extra, logs, errS sql.NullString
		created, updated  int64
		ttl               int64
		ref               backend.JobRef
	)
	if err := row.Scan(
		&sess.ID, &sess.Name, &sess.Prompt, &extra, &status, &created, &updated,
		&ref.Backend, &ref.Name, &ref.Namespace, &ref.ID, &ttl, &errS, &logs,
	); err != nil {
		return session.Session{}, err
	}
	sess.Status = session.Status(status)
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.UpdatedAt = time.Unix(0, updated).UTC()
	sess.JobRef = ref
	sess.TTL = time.Duration(ttl)
	sess.Error = errS.String
	if extra.Valid && extra.String != "" && extra.String != "null" {
		if err := json.Unmarshal([]byte(extra.String), &sess.Extra); err != nil {
			return session.Session{}, fmt.Errorf("decode extra: %w", err)
		}
	}
	if logs.Valid && logs.String != "" && logs.String != "null" {
		if err := json.Unmarshal([]byte(logs.String), &sess.LastLogs); err != nil {
			return session.Session{}, fmt.Errorf("decode logs: %w", err)
		}
	}
	return sess, nil
}
