// Package sqlite provides a SQLite-backed implementation of sagalog.Repository.
//
// WAL mode is enabled on Open so the status endpoint can read history while a
// restore is appending rows.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/seadogger/backup-manager/internal/coordinator/registry"
	"github.com/seadogger/backup-manager/internal/coordinator/sagalog"

	// Pure-Go driver, no CGO needed in the container image.
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a saga or restore has no rows.
var ErrNotFound = sagalog.ErrNotFound

// schema is executed once on startup. Each row is an immutable event in a
// saga's lifecycle.
const schema = `
CREATE TABLE IF NOT EXISTS saga_logs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    saga_id         TEXT        NOT NULL,

    -- Empty until the Submitting phase allocates the restore name.
    restore_id      TEXT        NOT NULL DEFAULT '',
    application_id  TEXT        NOT NULL,
    phase           TEXT        NOT NULL,
    outcome         TEXT        NOT NULL DEFAULT '',

    -- Trigger request, written on the first row only.
    payload         TEXT,

    -- JSON array of errors seen while leaving the previous phase.
    error_messages  TEXT        NOT NULL DEFAULT '[]',

    trace_id        TEXT        NOT NULL DEFAULT '',
    span_id         TEXT        NOT NULL DEFAULT '',

    -- RFC3339 TEXT, SQLite has no datetime type.
    updated_at      TEXT        NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_saga_logs_saga_id ON saga_logs(saga_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_saga_logs_restore_id ON saga_logs(restore_id, updated_at);
`

const selectColumns = `saga_id, restore_id, application_id, phase, outcome, COALESCE(payload,''),
       error_messages, trace_id, span_id, updated_at`

// Ensure Repository implements the port at compile time.
var _ sagalog.Repository = (*Repository)(nil)

// Repository is the SQLite implementation of sagalog.Repository.
type Repository struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
//
//	repo, err := sqlite.Open("/data/saga.db")
func Open(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close releases the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Save inserts a new saga log entry. It is safe to call concurrently.
func (r *Repository) Save(ctx context.Context, entry *sagalog.SagaLog) error {
	const q = `
		INSERT INTO saga_logs
			(saga_id, restore_id, application_id, phase, outcome, payload, error_messages, trace_id, span_id, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		entry.SagaID,
		entry.RestoreID,
		entry.ApplicationID,
		string(entry.Phase),
		string(entry.Outcome),
		nullableString(entry.Payload),
		entry.ErrorMessages,
		entry.TraceID,
		entry.SpanID,
		formatTime(entry.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save saga log for %q: %w", entry.SagaID, err)
	}
	return nil
}

// LatestForRestore returns the most recent entry written for a restore.
func (r *Repository) LatestForRestore(ctx context.Context, restoreID string) (*sagalog.SagaLog, error) {
	q := `SELECT ` + selectColumns + `
		FROM   saga_logs
		WHERE  restore_id = ?
		ORDER  BY updated_at DESC, id DESC
		LIMIT  1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, q, restoreID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: restore %q", ErrNotFound, restoreID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: latest for restore %q: %w", restoreID, err)
	}
	return entry, nil
}

// History returns all entries of a saga, oldest first. An unknown saga yields
// ErrNotFound.
func (r *Repository) History(ctx context.Context, sagaID string) ([]*sagalog.SagaLog, error) {
	q := `SELECT ` + selectColumns + `
		FROM   saga_logs
		WHERE  saga_id = ?
		ORDER  BY updated_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.SagaLog
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history for %q: %w", sagaID, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, sagaID)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*sagalog.SagaLog, error) {
	var (
		entry     sagalog.SagaLog
		phase     string
		outcome   string
		updatedAt string
	)
	err := row.Scan(
		&entry.SagaID,
		&entry.RestoreID,
		&entry.ApplicationID,
		&phase,
		&outcome,
		&entry.Payload,
		&entry.ErrorMessages,
		&entry.TraceID,
		&entry.SpanID,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.Phase = registry.Phase(phase)
	entry.Outcome = registry.Outcome(outcome)

	entry.UpdatedAt, err = parseRFC3339(updatedAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// applySchema runs the DDL statements. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

// nullableString stores NULL instead of an empty TEXT for rows without payload.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
