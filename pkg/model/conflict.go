package model

import "encoding/json"

// Resolution is the strategy applied to a version conflict.
type Resolution string

const (
	// KeepClient re-sends the local payload as an overwrite, bumping past
	// the server's version.
	KeepClient Resolution = "keep-client"
	// KeepServer discards the local pending operation and adopts the
	// server's entity into the snapshot cache.
	KeepServer Resolution = "keep-server"
	// Merge combines both sides field by field; the side with the later
	// mutation timestamp wins each field, the server winning ties.
	Merge Resolution = "merge"
)

// Valid reports whether r is a known resolution strategy.
func (r Resolution) Valid() bool {
	switch r {
	case KeepClient, KeepServer, Merge:
		return true
	}
	return false
}

// ConflictRecord describes a version mismatch reported by the server for a
// queued operation. It is built from the batch-sync response and consumed
// synchronously by the conflict resolver.
type ConflictRecord struct {
	// ClientID identifies the conflicted item in the batch. For creates
	// this is the temporary entity id; otherwise the operation id.
	ClientID string `json:"clientId"`
	// Resource is the remote collection the entity belongs to.
	Resource string `json:"resource"`
	// Resolution is the strategy chosen or inferred for this conflict.
	Resolution Resolution `json:"resolution"`
	// ClientVersion is the version the client believed it was mutating.
	ClientVersion int64 `json:"clientVersion"`
	// ServerVersion is the version the server reported.
	ServerVersion int64 `json:"serverVersion"`
	// LocalPayload is the payload of the pending local operation.
	LocalPayload json.RawMessage `json:"-"`
	// RemoteEntity is the server's current entity, when known.
	RemoteEntity json.RawMessage `json:"-"`
	// ResolvedEntity is the surviving entity version, set by the resolver.
	ResolvedEntity json.RawMessage `json:"resolvedEntity,omitempty"`
	// LocalDelete is true when the pending local operation is a delete.
	LocalDelete bool `json:"-"`
	// RemoteDeleted is true when the server reports the entity as deleted.
	RemoteDeleted bool `json:"-"`
}

// Resolved is the resolver's verdict: the entity version that survives plus
// whether a new overwrite operation must be re-queued (true only for
// KeepClient).
type Resolved struct {
	Resolution Resolution
	Entity     json.RawMessage
	Requeue    bool
}
