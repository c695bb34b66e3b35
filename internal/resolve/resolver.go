// Package resolve is the single conflict-resolution component of the
// fieldsync engine. All version-conflict decisions flow through here; no
// other package compares mutation timestamps.
package resolve

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldline/fieldsync/pkg/model"
)

// fieldTimesKey is the optional per-field mutation timestamp map carried
// inside an entity document: {"_fieldTimes": {"notes": "2026-01-02T...Z"}}.
const fieldTimesKey = "_fieldTimes"

// updatedAtKey is the entity-level mutation timestamp, used for fields
// without a per-field entry.
const updatedAtKey = "updatedAt"

// Resolver settles version conflicts between a local pending mutation and
// the server's current entity.
type Resolver struct {
	logger *zap.Logger
}

// New creates a resolver.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// DefaultStrategy infers the strategy when the caller has not chosen one:
// timestamp-based merge for update-vs-update, keep-server whenever a delete
// is involved (a remote delete always wins over a pending local update,
// since there is nothing to merge into).
func DefaultStrategy(c *model.ConflictRecord) model.Resolution {
	if c.LocalDelete || c.RemoteDeleted {
		return model.KeepServer
	}
	return model.Merge
}

// Resolve applies the strategy to the conflict and returns the surviving
// entity plus whether a new overwrite operation must be re-queued (true
// only for keep-client). The same inputs always produce the same verdict.
func (r *Resolver) Resolve(c *model.ConflictRecord, strategy model.Resolution) (*model.Resolved, error) {
	if !strategy.Valid() {
		strategy = DefaultStrategy(c)
	}

	// A remote delete leaves nothing to merge into or overwrite locally
	// against; only an explicit keep-client overrides it.
	if c.RemoteDeleted && strategy == model.Merge {
		strategy = model.KeepServer
	}

	r.logger.Debug("resolving conflict",
		zap.String("client_id", c.ClientID),
		zap.String("strategy", string(strategy)),
		zap.Int64("client_version", c.ClientVersion),
		zap.Int64("server_version", c.ServerVersion))

	switch strategy {
	case model.KeepClient:
		return &model.Resolved{
			Resolution: model.KeepClient,
			Entity:     c.LocalPayload,
			Requeue:    true,
		}, nil

	case model.KeepServer:
		return &model.Resolved{
			Resolution: model.KeepServer,
			Entity:     c.RemoteEntity,
			Requeue:    false,
		}, nil

	case model.Merge:
		merged, err := mergeEntities(c.LocalPayload, c.RemoteEntity)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", c.ClientID, err)
		}
		return &model.Resolved{
			Resolution: model.Merge,
			Entity:     merged,
			Requeue:    false,
		}, nil

	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// mergeEntities merges local and remote documents field by field. For each
// field, the side with the later mutation timestamp wins; with absent or
// equal timestamps, the server value wins as the safe default.
func mergeEntities(local, remote json.RawMessage) (json.RawMessage, error) {
	localDoc, err := decodeObject(local)
	if err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	remoteDoc, err := decodeObject(remote)
	if err != nil {
		return nil, fmt.Errorf("remote entity: %w", err)
	}
	if remoteDoc == nil {
		return local, nil
	}
	if localDoc == nil {
		return remote, nil
	}

	localTimes := fieldTimes(localDoc)
	remoteTimes := fieldTimes(remoteDoc)

	// Start from the server document so remote-only fields survive, then
	// pull in every local field that is newer or server-absent.
	merged := make(map[string]any, len(remoteDoc)+len(localDoc))
	for k, v := range remoteDoc {
		merged[k] = v
	}

	mergedTimes := make(map[string]string)
	for k, v := range remoteTimes {
		mergedTimes[k] = v.Format(time.RFC3339Nano)
	}

	for k, v := range localDoc {
		if k == fieldTimesKey {
			continue
		}
		if _, exists := remoteDoc[k]; !exists {
			merged[k] = v
			if t, ok := localTimes[k]; ok {
				mergedTimes[k] = t.Format(time.RFC3339Nano)
			}
			continue
		}
		lt, lok := localTimes[k]
		rt, rok := remoteTimes[k]
		if lok && (!rok || lt.After(rt)) {
			merged[k] = v
			mergedTimes[k] = lt.Format(time.RFC3339Nano)
		}
	}

	if len(mergedTimes) > 0 {
		merged[fieldTimesKey] = mergedTimes
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged entity: %w", err)
	}
	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// fieldTimes extracts per-field mutation timestamps from a document. A
// _fieldTimes entry wins over the entity-level updatedAt, which applies to
// every field as a fallback.
func fieldTimes(doc map[string]any) map[string]time.Time {
	times := make(map[string]time.Time)

	var entityTime time.Time
	if s, ok := doc[updatedAtKey].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			entityTime = t
		} else if t, err := time.Parse(time.RFC3339, s); err == nil {
			entityTime = t
		}
	}
	if !entityTime.IsZero() {
		for k := range doc {
			if k == fieldTimesKey {
				continue
			}
			times[k] = entityTime
		}
	}

	if ft, ok := doc[fieldTimesKey].(map[string]any); ok {
		for k, v := range ft {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				times[k] = t
			} else if t, err := time.Parse(time.RFC3339, s); err == nil {
				times[k] = t
			}
		}
	}
	return times
}
