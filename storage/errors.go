package storage

import "errors"

// Storage error constants
var (
	// ErrFileNotFound is returned when a case file is not found
	ErrFileNotFound = errors.New("case file not found")

	// ErrIOCNotFound is returned when an indicator is not found
	ErrIOCNotFound = errors.New("ioc not found")

	// ErrDuplicateFile is returned when inserting a case file whose
	// (case_id, content_hash) pair already exists among non-deleted files.
	// The intake gate converts this into a duplicate decision; it is the
	// serialization point for concurrent uploads of identical bytes.
	ErrDuplicateFile = errors.New("case file with identical content already exists")

	// ErrStatusConflict is returned when a compare-and-set status transition
	// loses: another worker already holds the file in a conflicting state.
	ErrStatusConflict = errors.New("case file status conflict")

	// ErrInvalidTransition is returned when a requested status change is not
	// legal under the state machine.
	ErrInvalidTransition = errors.New("invalid case file status transition")

	// ErrDatabaseClosed is returned when attempting to use a closed database
	ErrDatabaseClosed = errors.New("database is closed")
)
