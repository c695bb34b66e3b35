package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldline/fieldsync/pkg/model"
)

// GetVersion returns the version state for an entity, or nil if the entity
// has never been tracked.
func (s *Store) GetVersion(ctx context.Context, entityID string) (*model.EntityVersionState, error) {
	var (
		v          model.EntityVersionState
		remote     sql.NullString
		mutationAt sql.NullString
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT entity_id, client_version, server_version, last_known_remote, last_local_mutation_at
		FROM entity_versions WHERE entity_id = ?`, entityID).
		Scan(&v.EntityID, &v.ClientVersion, &v.ServerVersion, &remote, &mutationAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read version state for %s: %w", entityID, err)
	}
	if remote.Valid {
		v.LastKnownRemote = json.RawMessage(remote.String)
	}
	if mutationAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, mutationAt.String); err == nil {
			v.LastLocalMutationAt = t
		}
	}
	return &v, nil
}

// BumpClientVersion increments the entity's client version and records the
// mutation time. Called on every local mutation regardless of connectivity.
// Returns the new client version.
func (s *Store) BumpClientVersion(ctx context.Context, entityID string, at time.Time) (int64, error) {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, client_version, server_version, last_local_mutation_at)
		VALUES (?, 1, 0, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			client_version = client_version + 1,
			last_local_mutation_at = excluded.last_local_mutation_at`,
		entityID, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to bump client version for %s: %w", entityID, err)
	}
	var v int64
	if err := s.conn.QueryRowContext(ctx,
		`SELECT client_version FROM entity_versions WHERE entity_id = ?`, entityID).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read client version for %s: %w", entityID, err)
	}
	return v, nil
}

// SetClientVersion pins the entity's client version, used when keep-client
// resolution bumps past the server's version.
func (s *Store) SetClientVersion(ctx context.Context, entityID string, version int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, client_version, server_version)
		VALUES (?, ?, 0)
		ON CONFLICT(entity_id) DO UPDATE SET client_version = excluded.client_version`,
		entityID, version)
	if err != nil {
		return fmt.Errorf("failed to set client version for %s: %w", entityID, err)
	}
	return nil
}

// ObserveServerVersion records the server's version and entity document.
// The server version only increases; a stale observation is ignored.
func (s *Store) ObserveServerVersion(ctx context.Context, entityID string, version int64, remote json.RawMessage) error {
	var remoteVal any
	if len(remote) > 0 {
		remoteVal = string(remote)
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, client_version, server_version, last_known_remote)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			server_version = MAX(server_version, excluded.server_version),
			last_known_remote = COALESCE(excluded.last_known_remote, last_known_remote)`,
		entityID, version, remoteVal)
	if err != nil {
		return fmt.Errorf("failed to observe server version for %s: %w", entityID, err)
	}
	return nil
}
