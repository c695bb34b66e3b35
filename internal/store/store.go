// Package store provides the device-local durable store for the fieldsync
// engine, backed by embedded SQLite (WAL mode).
//
// One database file holds:
//   - pending_ops: the append-only mutation log
//   - id_map: client-id to server-id reconciliation mappings
//   - entity_versions: per-entity client/server version state
//   - snapshots: last-known-good copy of each remote collection
//   - meta: engine bookkeeping (last successful sync, schema version)
//
// The store is exclusively owned by one engine instance; the sync
// coordinator is the only writer of the mutation log and id map.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/fieldline/fieldsync/pkg/model"
)

// Store wraps the SQLite connection with engine-specific persistence.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the given path, creating the file and schema if
// they do not exist. The database is opened in WAL mode with a busy
// timeout, matching the concurrency needs of enqueue-during-drain.
//
// The caller must Close the store when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection, checkpointing the WAL first so all
// durable state is in the main file.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_ops (
		seq              INTEGER PRIMARY KEY AUTOINCREMENT,
		id               TEXT NOT NULL UNIQUE,
		resource         TEXT NOT NULL,
		kind             TEXT NOT NULL,
		client_entity_id TEXT,
		payload          TEXT NOT NULL,
		enqueued_at      TEXT NOT NULL,
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_error       TEXT,
		failed           INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pending_ops_entity
		ON pending_ops(client_entity_id);

	CREATE TABLE IF NOT EXISTS id_map (
		resource    TEXT NOT NULL,
		client_id   TEXT NOT NULL,
		server_id   TEXT NOT NULL,
		resolved_at TEXT NOT NULL,
		PRIMARY KEY (resource, client_id)
	);

	CREATE TABLE IF NOT EXISTS entity_versions (
		entity_id              TEXT PRIMARY KEY,
		client_version         INTEGER NOT NULL DEFAULT 0,
		server_version         INTEGER NOT NULL DEFAULT 0,
		last_known_remote      TEXT,
		last_local_mutation_at TEXT
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		resource  TEXT PRIMARY KEY,
		items     TEXT NOT NULL,
		cached_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// --- Mutation log ---

// AppendOp durably appends op to the mutation log before returning. A
// write failure surfaces to the caller; an un-persisted mutation is never
// silently dropped.
func (s *Store) AppendOp(ctx context.Context, op *model.PendingOperation) error {
	if op.ID == "" {
		return fmt.Errorf("operation id is empty")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO pending_ops (id, resource, kind, client_entity_id, payload, enqueued_at, attempts, last_error, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Resource, string(op.Kind), nullString(op.ClientEntityID),
		string(op.Payload), op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		op.Attempts, nullString(op.LastError), boolToInt(op.Failed),
	)
	if err != nil {
		return fmt.Errorf("failed to append operation %s: %w", op.ID, err)
	}
	return nil
}

// PeekBatch returns up to maxSize non-failed operations in enqueue order.
func (s *Store) PeekBatch(ctx context.Context, maxSize int) ([]*model.PendingOperation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, resource, kind, client_entity_id, payload, enqueued_at, attempts, last_error, failed
		FROM pending_ops
		WHERE failed = 0
		ORDER BY seq
		LIMIT ?`, maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// AllOps returns every operation in the log, including failed ones, in
// enqueue order.
func (s *Store) AllOps(ctx context.Context) ([]*model.PendingOperation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, resource, kind, client_entity_id, payload, enqueued_at, attempts, last_error, failed
		FROM pending_ops
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// FailedOps returns the operations marked permanently failed, in enqueue
// order.
func (s *Store) FailedOps(ctx context.Context) ([]*model.PendingOperation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, resource, kind, client_entity_id, payload, enqueued_at, attempts, last_error, failed
		FROM pending_ops
		WHERE failed = 1
		ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to read failed operations: %w", err)
	}
	defer rows.Close()
	return scanOps(rows)
}

// RemoveOp deletes an operation from the log. Removing an id that is not
// present is a no-op, required because retries may race with completion
// acknowledgements.
func (s *Store) RemoveOp(ctx context.Context, opID string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = ?`, opID); err != nil {
		return fmt.Errorf("failed to remove operation %s: %w", opID, err)
	}
	return nil
}

// MarkOpFailed marks an operation permanently failed in place. The entry
// stays in the log until the caller reviews it.
func (s *Store) MarkOpFailed(ctx context.Context, opID, reason string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE pending_ops SET failed = 1, last_error = ? WHERE id = ?`, reason, opID)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s failed: %w", opID, err)
	}
	return nil
}

// BumpAttempts increments the retry counter and records the latest
// transient error.
func (s *Store) BumpAttempts(ctx context.Context, opID, lastError string) (int, error) {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE pending_ops SET attempts = attempts + 1, last_error = ? WHERE id = ?`, lastError, opID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump attempts for %s: %w", opID, err)
	}
	var attempts int
	err = s.conn.QueryRowContext(ctx,
		`SELECT attempts FROM pending_ops WHERE id = ?`, opID).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts for %s: %w", opID, err)
	}
	return attempts, nil
}

// UpdateOpPayload replaces an operation's payload after id reconciliation
// rewrote its references.
func (s *Store) UpdateOpPayload(ctx context.Context, opID string, payload json.RawMessage) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE pending_ops SET payload = ? WHERE id = ?`, string(payload), opID)
	if err != nil {
		return fmt.Errorf("failed to update payload for %s: %w", opID, err)
	}
	return nil
}

// PendingCount returns how many non-failed operations await sync.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE failed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}

// FailedCount returns how many operations are marked permanently failed.
func (s *Store) FailedCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_ops WHERE failed = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed operations: %w", err)
	}
	return n, nil
}

func scanOps(rows *sql.Rows) ([]*model.PendingOperation, error) {
	var ops []*model.PendingOperation
	for rows.Next() {
		var (
			op        model.PendingOperation
			kind      string
			clientID  sql.NullString
			payload   string
			enqueued  string
			lastError sql.NullString
			failed    int
		)
		if err := rows.Scan(&op.ID, &op.Resource, &kind, &clientID, &payload,
			&enqueued, &op.Attempts, &lastError, &failed); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Kind = model.OpKind(kind)
		op.ClientEntityID = clientID.String
		op.Payload = json.RawMessage(payload)
		op.LastError = lastError.String
		op.Failed = failed != 0
		if t, err := time.Parse(time.RFC3339Nano, enqueued); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
