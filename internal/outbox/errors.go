package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transient transport or server failures. Always retried
	// up to the ceiling.
	ErrNetwork = errors.New("network failure")

	// ErrValidationRejected marks a record that may never be replayed because
	// its owner is the unauthenticated sentinel. Never counts as a retry.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrStorageUnavailable means the durable store could not be opened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRetryExhausted marks a record that reached the retry ceiling.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrNotFound means the record id is absent.
	ErrNotFound = errors.New("record not found")

	// ErrConflict means a conditional update lost a race with another
	// context mutating the same record.
	ErrConflict = errors.New("record changed concurrently")
)

// ValidationError reports a policy rejection for one record.
type ValidationError struct {
	ID     int64
	Owner  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("record %d: %s: owner id missing", e.ID, e.Reason)
	}
	return fmt.Sprintf("record %d: %s: owner id %q", e.ID, e.Reason, e.Owner)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationRejected
}

// CheckOwner returns a *ValidationError if the record's effective owner is a
// sentinel.
func CheckOwner(w PendingWrite) error {
	owner := w.EffectiveOwner()
	if ValidOwner(owner) {
		return nil
	}
	return &ValidationError{ID: w.ID, Owner: owner, Reason: "invalid owner id"}
}

// StorageError wraps a failure to open the backing store.
type StorageError struct {
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store unavailable: %v", e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}
