package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a run does not exist, has been deleted,
	// or belongs to another tenant.
	ErrNotFound = errors.New("run not found")

	// ErrConflict is returned when a run with the given ID already exists.
	ErrConflict = errors.New("run already exists")

	// ErrInvalidTransition is returned by UpdateRun when the status change
	// is not allowed, e.g. updating a run that already finished.
	ErrInvalidTransition = errors.New("invalid run status transition")
)
