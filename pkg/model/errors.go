package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a sync failure so callers make a typed decision
// instead of inspecting strings or swallowing errors.
type ErrorKind int

const (
	// KindTransient covers network-unreachable, timeouts and 5xx
	// responses. Transient failures are retried and never remove a log
	// entry.
	KindTransient ErrorKind = iota
	// KindConflict is a version mismatch reported by the server, routed
	// to the conflict resolver.
	KindConflict
	// KindPermanent covers validation failures and 4xx responses other
	// than conflict. The entry is marked failed in place, never silently
	// discarded.
	KindPermanent
	// KindStorage is a failure of the durable local store itself. Fatal
	// to the enclosing enqueue or drain: durability cannot be guaranteed.
	KindStorage
)

// String returns a human-readable representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindPermanent:
		return "permanent"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// SyncError is a classified engine error.
type SyncError struct {
	Kind ErrorKind
	// Op names the failed operation, e.g. "send batch" or "enqueue".
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError builds a SyncError of the given kind.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Transient wraps err as a retryable failure.
func Transient(op string, err error) *SyncError {
	return NewSyncError(KindTransient, op, err)
}

// Permanent wraps err as a non-retryable failure.
func Permanent(op string, err error) *SyncError {
	return NewSyncError(KindPermanent, op, err)
}

// Storage wraps err as a durable-store failure.
func Storage(op string, err error) *SyncError {
	return NewSyncError(KindStorage, op, err)
}

// KindOf extracts the ErrorKind from err. Unclassified errors are treated
// as transient, the safe default for a network-facing engine: retrying
// never loses data.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err is non-retryable.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsStorage reports whether err came from the durable local store.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }

// ClassifyStatus maps an HTTP response status to an ErrorKind. 409 is a
// conflict; request-timeout and rate-limit responses are retryable; other
// 4xx are permanent; everything else retryable.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindPermanent
	default:
		return KindTransient
	}
}
