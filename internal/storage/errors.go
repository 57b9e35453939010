package storage

import "errors"

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record with a
	// key that already exists. Transaction ingestion relies on this for
	// idempotent re-runs.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrAlreadyLinked is returned by LinkPair when either transaction
	// already carries a link. Links are immutable once committed.
	ErrAlreadyLinked = errors.New("transaction already linked")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
