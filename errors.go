package satchel

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the satchel package.
var (
	// ErrClosed is returned when operations are attempted on a closed store.
	ErrClosed = errors.New("store is closed")

	// ErrStoreUnavailable is returned by a degraded store whose underlying
	// database could not be opened. Callers are expected to treat it as a
	// soft failure and render an empty state.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrOffline is returned when a drain is requested while offline.
	ErrOffline = errors.New("device is offline")

	// ErrSessionFinalized is returned when ending a learning session that
	// already has a terminal completion status.
	ErrSessionFinalized = errors.New("session already finalized")

	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserNotFound is returned when a user id does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrNoRemote is returned when a drain runs without a configured syncer.
	ErrNoRemote = errors.New("no remote syncer configured")

	// ErrCircuitOpen is returned when the delivery circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeOpen indicates the database could not be opened.
	StorageErrorTypeOpen
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeMigrate indicates a schema migration failure.
	StorageErrorTypeMigrate
)

// StorageError provides detailed information about storage failures.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Path    string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Path != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Path, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Path)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for StorageError.
func (e *StorageError) Is(target error) bool {
	if e.Type == StorageErrorTypeOpen {
		return target == ErrStoreUnavailable
	}
	return false
}

func newStorageError(errType StorageErrorType, message, path string, cause error) *StorageError {
	return &StorageError{Type: errType, Message: message, Path: path, Cause: cause}
}
