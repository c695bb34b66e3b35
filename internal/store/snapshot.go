package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldline/fieldsync/pkg/model"
)

// Meta keys used by the engine.
const (
	MetaLastSyncAt = "last_successful_sync"
)

// SaveSnapshot overwrites the cached copy of a resource wholesale.
func (s *Store) SaveSnapshot(ctx context.Context, entry *model.SnapshotEntry) error {
	items, err := json.Marshal(entry.Items)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for %s: %w", entry.Resource, err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO snapshots (resource, items, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			items = excluded.items,
			cached_at = excluded.cached_at`,
		entry.Resource, string(items), entry.CachedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", entry.Resource, err)
	}
	return nil
}

// GetSnapshot returns the cached copy of a resource, or nil if the resource
// has never been fetched.
func (s *Store) GetSnapshot(ctx context.Context, resource string) (*model.SnapshotEntry, error) {
	var (
		items    string
		cachedAt string
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT items, cached_at FROM snapshots WHERE resource = ?`, resource).
		Scan(&items, &cachedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", resource, err)
	}

	entry := &model.SnapshotEntry{Resource: resource}
	if err := json.Unmarshal([]byte(items), &entry.Items); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", resource, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, cachedAt); err == nil {
		entry.CachedAt = t
	}
	return entry, nil
}

// UpsertSnapshotItem replaces or appends one entity inside a cached
// resource, matching on the "id" field. Used when a conflict resolution
// adopts a single entity without refetching the whole collection.
func (s *Store) UpsertSnapshotItem(ctx context.Context, resource, entityID string, item json.RawMessage) error {
	entry, err := s.GetSnapshot(ctx, resource)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &model.SnapshotEntry{Resource: resource}
	}

	replaced := false
	for i, existing := range entry.Items {
		var probe struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(existing, &probe); err != nil {
			continue
		}
		if probe.ID == entityID {
			entry.Items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		entry.Items = append(entry.Items, item)
	}
	entry.CachedAt = time.Now()
	return s.SaveSnapshot(ctx, entry)
}

// SetMeta stores a bookkeeping value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads a bookkeeping value; ok is false when the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}
