package storage

import (
	"context"
	"errors"
)

// Error taxonomy of the ingestion engine. Per-record errors (MalformedSpec,
// IdentityConflict, DuplicateObservation) are caught at the coordinator
// boundary and counted; run-level errors (StorageUnavailable, Cancelled)
// escape and force the run into the Failed state. RunClosed indicates an
// ordering bug in the caller and is fatal.
var (
	ErrMalformedSpec        = errors.New("malformed spec")
	ErrIdentityConflict     = errors.New("identity conflict")
	ErrDuplicateObservation = errors.New("duplicate observation")
	ErrRunClosed            = errors.New("run closed")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrCancelled            = errors.New("run cancelled")
	ErrNotFound             = errors.New("not found")
)

// Error kind strings persisted in runs.error_kind.
const (
	KindMalformedSpec        = "malformed_spec"
	KindIdentityConflict     = "identity_conflict"
	KindDuplicateObservation = "duplicate_observation"
	KindRunClosed            = "run_closed"
	KindStorageUnavailable   = "storage_unavailable"
	KindCancelled            = "cancelled"
)

// Kind classifies an error into the persisted error_kind vocabulary.
// Unrecognized errors are treated as storage failures: the caller is
// expected to retry the whole run, not individual records.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedSpec):
		return KindMalformedSpec
	case errors.Is(err, ErrIdentityConflict):
		return KindIdentityConflict
	case errors.Is(err, ErrDuplicateObservation):
		return KindDuplicateObservation
	case errors.Is(err, ErrRunClosed):
		return KindRunClosed
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindStorageUnavailable
	}
}
