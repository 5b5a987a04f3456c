package storage

import (
	"context"

	"custodian/core"
)

// CaseFileStore is the relational status record every pipeline stage mutates
// and external callers poll.
type CaseFileStore interface {
	// CreateFile inserts a new case file. Returns ErrDuplicateFile when a
	// non-deleted file with the same (case_id, content_hash) exists; the
	// uniqueness constraint is the serialization point for concurrent
	// uploads of identical bytes.
	CreateFile(ctx context.Context, file *core.CaseFile) error
	GetFile(ctx context.Context, id string) (*core.CaseFile, error)
	// FindByHash returns the non-deleted file with the given content hash in
	// the case, or ErrFileNotFound.
	FindByHash(ctx context.Context, caseID, contentHash string) (*core.CaseFile, error)
	// ListFiles returns the case's non-deleted, non-hidden files.
	ListFiles(ctx context.Context, caseID string) ([]core.CaseFile, error)
	// ListFileIDs resolves a scope to concrete file ids, excluding deleted
	// and hidden files.
	ListFileIDs(ctx context.Context, scope core.Scope) ([]string, error)

	// TransitionStatus atomically moves the file from one of the allowed
	// source states into target. Returns ErrStatusConflict when the file is
	// not in any allowed source state; the caller must drop or requeue
	// rather than run the stage twice.
	TransitionStatus(ctx context.Context, fileID string, from []core.FileStatus, to core.FileStatus) error
	// SetError moves the file into the error state with a human-readable
	// message, from any non-terminal state.
	SetError(ctx context.Context, fileID, message string) error

	SetEventCount(ctx context.Context, fileID string, count int64) error
	SetViolationCount(ctx context.Context, fileID string, count int64) error
	SetIOCMatchCount(ctx context.Context, fileID string, count int64) error

	// SoftDelete flags the file deleted; the record is never physically
	// removed and the content hash becomes reusable within the case.
	SoftDelete(ctx context.Context, fileID string) error
	SetHidden(ctx context.Context, fileID string, hidden bool) error
}

// ViolationStore persists rule-match results.
type ViolationStore interface {
	// DeleteForFile clears all violations for the file. Runs and commits
	// before the rule engine is invoked, so a failed re-scan leaves zero
	// results rather than stale ones.
	DeleteForFile(ctx context.Context, fileID string) error
	// InsertSet writes the new violation set in one transaction.
	InsertSet(ctx context.Context, violations []core.Violation) error
	ListForFile(ctx context.Context, fileID string) ([]core.Violation, error)
	CountForFile(ctx context.Context, fileID string) (int64, error)
}

// IOCStore persists indicators and their match results.
type IOCStore interface {
	CreateIOC(ctx context.Context, ioc *core.IOC) error
	GetIOC(ctx context.Context, id string) (*core.IOC, error)
	// ListEnabledForCase returns the case's active indicator list.
	ListEnabledForCase(ctx context.Context, caseID string) ([]core.IOC, error)
	DeleteIOC(ctx context.Context, id string) error

	// DeleteMatchesForFile clears all IOC matches for the file; same
	// clear-then-write discipline as ViolationStore.
	DeleteMatchesForFile(ctx context.Context, fileID string) error
	InsertMatchSet(ctx context.Context, matches []core.IOCMatch) error
	ListMatchesForFile(ctx context.Context, fileID string) ([]core.IOCMatch, error)
	CountMatchesForFile(ctx context.Context, fileID string) (int64, error)
}

// FieldHit is one event located by a field-targeted search.
type FieldHit struct {
	EventID string
	Field   string
}

// EventStore is the search/index backend for parsed events, keyed by
// case+file scope.
type EventStore interface {
	// InsertBatch bulk-writes one batch of indexed events.
	InsertBatch(ctx context.Context, events []*core.IndexedEvent) error
	// DeleteForFile removes every document attributed to the file. It is
	// the atomic precondition to re-indexing and the rollback path when a
	// mid-stream index run fails.
	DeleteForFile(ctx context.Context, caseID, fileID string) error
	// CountForFile returns the number of indexed records for the file.
	CountForFile(ctx context.Context, caseID, fileID string) (int64, error)
	// SearchFieldEquals finds events in the file whose named field equals
	// value (case-insensitive), reporting which field matched.
	SearchFieldEquals(ctx context.Context, caseID, fileID, field, value string) ([]FieldHit, error)
	// SearchRawContains finds events whose raw record contains value,
	// for indicator types with no structured field target.
	SearchRawContains(ctx context.Context, caseID, fileID, value string) ([]FieldHit, error)
}
