package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldline/fieldsync/pkg/model"
)

// RecordMapping persists the resolution of a client id to a server id.
// One client id maps to at most one server id per resource; a second
// insert for the same pair is ignored, keeping the mapping immutable.
func (s *Store) RecordMapping(ctx context.Context, resource, clientID, serverID string) error {
	if clientID == "" || serverID == "" {
		return fmt.Errorf("mapping requires both client id and server id")
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO id_map (resource, client_id, server_id, resolved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(resource, client_id) DO NOTHING`,
		resource, clientID, serverID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record mapping %s -> %s: %w", clientID, serverID, err)
	}
	return nil
}

// ResolveID returns the server id for a client id within a resource, or
// ok=false if the create has not been acknowledged yet.
func (s *Store) ResolveID(ctx context.Context, resource, clientID string) (serverID string, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx,
		`SELECT server_id FROM id_map WHERE resource = ? AND client_id = ?`,
		resource, clientID).Scan(&serverID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve %s/%s: %w", resource, clientID, err)
	}
	return serverID, true, nil
}

// ResolvedIDs returns every client-id to server-id mapping flattened across
// resources, keyed by client id: payload references routinely point at
// entities of other resources, so rewriting needs the whole map. A client id
// recorded against different server ids in different resources cannot be
// substituted safely; such ids are excluded from resolved and reported in
// ambiguous instead.
func (s *Store) ResolvedIDs(ctx context.Context) (resolved map[string]string, ambiguous map[string]bool, err error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT client_id, server_id FROM id_map`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read id map: %w", err)
	}
	defer rows.Close()

	resolved = make(map[string]string)
	ambiguous = make(map[string]bool)
	for rows.Next() {
		var clientID, serverID string
		if err := rows.Scan(&clientID, &serverID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan id mapping: %w", err)
		}
		if prev, ok := resolved[clientID]; ok && prev != serverID {
			ambiguous[clientID] = true
			continue
		}
		resolved[clientID] = serverID
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate id map: %w", err)
	}
	for id := range ambiguous {
		delete(resolved, id)
	}
	return resolved, ambiguous, nil
}

// AllMappings returns every recorded mapping, for inspection.
func (s *Store) AllMappings(ctx context.Context) ([]*model.IDMapping, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT resource, client_id, server_id, resolved_at FROM id_map ORDER BY resolved_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to read id map: %w", err)
	}
	defer rows.Close()

	var mappings []*model.IDMapping
	for rows.Next() {
		var (
			m          model.IDMapping
			resolvedAt string
		)
		if err := rows.Scan(&m.Resource, &m.ClientID, &m.ServerID, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan id mapping: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, resolvedAt); err == nil {
			m.ResolvedAt = t
		}
		mappings = append(mappings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate id map: %w", err)
	}
	return mappings, nil
}
