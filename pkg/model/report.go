package model

// SyncReport summarizes one drain: how many operations were uploaded and
// acknowledged, how many hit version conflicts, and how many failed
// permanently. Failed operations remain in the log for review; Errors
// carries one message per permanent failure.
type SyncReport struct {
	Uploaded  int      `json:"uploaded"`
	Conflicts int      `json:"conflicts"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Merge folds another report into r.
func (r *SyncReport) Merge(other SyncReport) {
	r.Uploaded += other.Uploaded
	r.Conflicts += other.Conflicts
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}

// EntityStateKind discriminates LocalEntityState.
type EntityStateKind int

const (
	// StateConfirmed means the entity has a server-assigned canonical id.
	StateConfirmed EntityStateKind = iota
	// StatePendingCreate means the entity exists only locally under a
	// temporary client id; the create has not been acknowledged.
	StatePendingCreate
	// StatePendingUpdate means the entity is confirmed but has local
	// mutations not yet acknowledged by the server.
	StatePendingUpdate
)

// String returns a human-readable representation of the state kind.
func (k EntityStateKind) String() string {
	switch k {
	case StateConfirmed:
		return "confirmed"
	case StatePendingCreate:
		return "pending-create"
	case StatePendingUpdate:
		return "pending-update"
	default:
		return "unknown"
	}
}

// LocalEntityState is a tagged union describing how far an entity has
// progressed toward server confirmation. Consumers must switch on Kind
// before treating any id as canonical.
type LocalEntityState struct {
	Kind EntityStateKind
	// ServerID is set for StateConfirmed and StatePendingUpdate.
	ServerID string
	// ClientID is set for StatePendingCreate.
	ClientID string
	// Version is the local version for StatePendingUpdate.
	Version int64
}

// Confirmed builds the state for an entity with a canonical server id and
// no pending local mutations.
func Confirmed(serverID string) LocalEntityState {
	return LocalEntityState{Kind: StateConfirmed, ServerID: serverID}
}

// PendingCreate builds the state for an entity that exists only locally.
func PendingCreate(clientID string) LocalEntityState {
	return LocalEntityState{Kind: StatePendingCreate, ClientID: clientID}
}

// PendingUpdate builds the state for a confirmed entity with unacknowledged
// local mutations at the given version.
func PendingUpdate(serverID string, version int64) LocalEntityState {
	return LocalEntityState{Kind: StatePendingUpdate, ServerID: serverID, Version: version}
}
