// Package model defines the shared data model for the fieldsync engine:
// pending operations, id mappings, entity version state, conflicts,
// snapshots and the typed error taxonomy.
//
// The types here are the contract between the engine and its consumer
// (the UI/business layer that calls Enqueue and reads SyncReports).
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OpKind is the kind of write operation queued against a remote resource.
type OpKind string

const (
	// OpCreate creates a new entity. The operation carries a
	// client-minted temporary id in ClientEntityID.
	OpCreate OpKind = "create"
	// OpUpdate modifies an existing entity.
	OpUpdate OpKind = "update"
	// OpDelete removes an existing entity.
	OpDelete OpKind = "delete"
)

// Valid reports whether k is one of the known operation kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ClientIDPrefix is the prefix used by NewClientID for minted temporary ids.
//
// The prefix is a convention only: reference resolution matches against the
// set of known client ids, so caller-supplied ids without the prefix work
// the same way.
const ClientIDPrefix = "tmp_"

// NewClientID mints a temporary client-side entity id for an entity created
// while offline. The id is replaced by the server-assigned canonical id once
// the create is acknowledged.
func NewClientID() string {
	return ClientIDPrefix + uuid.NewString()
}

// NewOperationID mints a locally unique id for a PendingOperation.
func NewOperationID() string {
	return uuid.NewString()
}

// PendingOperation is a single queued write waiting to be synchronized.
//
// Operations for the same ClientEntityID drain in enqueue order (FIFO per
// entity); cross-entity ordering is not guaranteed. An operation is mutated
// only by the sync coordinator (Attempts/LastError) and by id reconciliation
// (Payload rewritten when a referenced temporary id resolves), and is
// removed once the remote acknowledges it.
type PendingOperation struct {
	// ID is the locally unique operation id.
	ID string `json:"id"`
	// Resource is the remote collection name, e.g. "jobs" or "routes".
	Resource string `json:"resource"`
	// Kind is the operation kind.
	Kind OpKind `json:"operation"`
	// ClientEntityID is the temporary entity id, set only for creates.
	ClientEntityID string `json:"clientEntityId,omitempty"`
	// Payload is the opaque entity document. Unknown fields are preserved
	// across read-modify-write cycles.
	Payload json.RawMessage `json:"payload"`
	// EnqueuedAt is when the operation was appended to the log.
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// Attempts counts send attempts that failed for a retryable reason.
	Attempts int `json:"attempts"`
	// LastError holds the most recent failure, empty if none.
	LastError string `json:"lastError,omitempty"`
	// Failed marks the operation as permanently failed. Failed operations
	// stay in the log until the caller reviews and removes them.
	Failed bool `json:"failed,omitempty"`
}

// IDMapping records the resolution of a client-minted temporary id to the
// server-assigned canonical id. Mappings are immutable once written and are
// retained for the life of the local store to catch late-arriving stale
// operations.
type IDMapping struct {
	ClientID   string    `json:"clientId"`
	ServerID   string    `json:"serverId"`
	Resource   string    `json:"resource"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// EntityVersionState tracks local and remote versions of one entity so the
// engine can detect conflicts. ServerVersion only increases; ClientVersion
// increments on every local mutation regardless of connectivity.
type EntityVersionState struct {
	EntityID            string          `json:"entityId"`
	ClientVersion       int64           `json:"clientVersion"`
	ServerVersion       int64           `json:"serverVersion"`
	LastKnownRemote     json.RawMessage `json:"lastKnownRemote,omitempty"`
	LastLocalMutationAt time.Time       `json:"lastLocalMutationAt"`
}

// SnapshotEntry is the last-known-good copy of one remote collection,
// overwritten wholesale on every successful fetch and served for reads
// while offline.
type SnapshotEntry struct {
	Resource string            `json:"resource"`
	Items    []json.RawMessage `json:"items"`
	CachedAt time.Time         `json:"cachedAt"`
}
