package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSession is returned when an operation needs an open session and none exists.
	ErrNoActiveSession = errors.New("no active session")

	// ErrSessionNotFound is returned when a session record does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoPatientInfo is returned when no patient has been recorded yet.
	ErrNoPatientInfo = errors.New("no patient info recorded")
)

// ValidationError reports invalid patient input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError wraps a failure of the underlying key-value store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}
