package coordinator

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/diagd/internal/store"
)

var (
	ErrValidation           = errors.New("invalid request")
	ErrConflict             = errors.New("conflict")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrStorageMisconfigured = errors.New("storage misconfigured")
	ErrRateLimited          = errors.New("rate limited")
	ErrSessionActive        = errors.New("session is active")
	ErrNotFound             = errors.New("session not found")
	ErrNotActive            = errors.New("session is not active")
	ErrLockTimeout          = errors.New("timed out waiting for session lock")

	// ErrNoChange is returned by a Mutator to skip the write.
	ErrNoChange = errors.New("no change")

	// errSkip aborts a mutation whose precondition no longer holds on the fresh copy.
	errSkip = errors.New("precondition no longer holds")
)

// ValidationError is a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError means another session is already active in the partition.
type ConflictError struct {
	ActiveSessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is already active", e.ActiveSessionID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// StorageMisconfiguredError names the diagnoser that needs a storage
// destination and tells the operator how to provide one.
type StorageMisconfiguredError struct {
	Diagnoser string
	Guidance  string
}

func (e *StorageMisconfiguredError) Error() string {
	return fmt.Sprintf("diagnoser %s requires a storage account: %s", e.Diagnoser, e.Guidance)
}

func (e *StorageMisconfiguredError) Unwrap() error {
	return ErrStorageMisconfigured
}

// storageErr maps store errors onto the coordinator taxonomy, keeping the
// original in the chain.
func storageErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
