package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// isDuplicateKey reports MySQL's ER_DUP_ENTRY (1062), seen when two
// replicas race to record the same migration.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func sessionTableDDL(d Dialect) string {
	if d == DialectMySQL {
		return `CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(128) NOT NULL,
			prompt MEDIUMTEXT NOT NULL,
			extra TEXT,
			status VARCHAR(16) NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			job_backend VARCHAR(32) NOT NULL DEFAULT '',
			job_name VARCHAR(63) NOT NULL DEFAULT '',
			job_namespace VARCHAR(63) NOT NULL DEFAULT '',
			job_id VARCHAR(128) NOT NULL DEFAULT '',
			ttl_ns BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			last_logs MEDIUMTEXT,
			INDEX idx_sessions_created (created_at),
			INDEX idx_sessions_status (status)
		)`
	}
	return `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		prompt TEXT NOT NULL,
		extra TEXT,
		status TEXT NOT NULL CHECK(status IN ('Pending', 'Running', 'Completed', 'Failed')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		job_backend TEXT NOT NULL DEFAULT '',
		job_name TEXT NOT NULL DEFAULT '',
		job_namespace TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		ttl_ns INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		last_logs TEXT
	)`
}

func auditTableDDL(d Dialect) string {
	if d == DialectMySQL {
		return `CREATE TABLE IF NOT EXISTS audit_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			trace_id VARCHAR(128) NOT NULL,
			action VARCHAR(64) NOT NULL,
			subject VARCHAR(255) NOT NULL,
			outcome VARCHAR(16) NOT NULL,
			detail TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_audit_created (created_at)
		)`
	}
	return `CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME NOT NULL
	)`
}

func indexDDL(d Dialect) []string {
	if d == DialectMySQL {
		return nil // declared inline
	}
	return []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
	}
}

// initSchema creates tables and records the schema version in a ledger so
// an older binary refuses to run against a newer database.
func (s *SQLStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum VARCHAR(64) NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersionLatest).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existing, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := append([]string{sessionTableDDL(s.dialect), auditTableDDL(s.dialect)}, indexDDL(s.dialect)...)
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		schemaVersionLatest, schemaChecksumLatest, s.now().Unix(),
	); err != nil {
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
