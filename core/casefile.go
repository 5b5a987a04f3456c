package core

import (
	"fmt"
	"time"
)

// FileStatus is the closed set of pipeline states a CaseFile moves through.
// Modeled as a dedicated type rather than free-form strings so that illegal
// transitions are caught by ValidTransition instead of being silently stored.
type FileStatus string

const (
	// StatusQueued is the initial state after the dedup gate admits a file.
	StatusQueued FileStatus = "queued"
	// StatusIndexing means the parse-and-index stage holds the file.
	StatusIndexing FileStatus = "indexing"
	// StatusIndexed means events are committed to the index backend.
	StatusIndexed FileStatus = "indexed"
	// StatusScanning means the rule-matching stage holds the file.
	StatusScanning FileStatus = "scanning"
	// StatusScanned means violations are committed.
	StatusScanned FileStatus = "scanned"
	// StatusHunting means the IOC-hunting stage holds the file.
	StatusHunting FileStatus = "hunting"
	// StatusComplete is the terminal state of a successful full pipeline.
	StatusComplete FileStatus = "complete"
	// StatusError is reachable from any non-terminal state and is re-enterable:
	// a retried or operator-triggered run may leave it again.
	StatusError FileStatus = "error"
)

// InProgress reports whether the status marks a stage as currently held by a
// worker. These states act as the mutual-exclusion guard between workers.
func (s FileStatus) InProgress() bool {
	return s == StatusIndexing || s == StatusScanning || s == StatusHunting
}

// Terminal reports whether no further full-pipeline transition is expected.
func (s FileStatus) Terminal() bool {
	return s == StatusComplete
}

// Valid reports whether s is a member of the closed status set.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusIndexing, StatusIndexed, StatusScanning,
		StatusScanned, StatusHunting, StatusComplete, StatusError:
		return true
	}
	return false
}

// fullPipelineNext maps each state to its successors on the full pipeline
// path. StatusError is additionally reachable from every non-terminal state,
// and direct-to-stage re-runs may enter an in-progress state from any settled
// state (see ValidTransition).
var fullPipelineNext = map[FileStatus][]FileStatus{
	StatusQueued:   {StatusIndexing},
	StatusIndexing: {StatusIndexed},
	StatusIndexed:  {StatusScanning},
	StatusScanning: {StatusScanned},
	StatusScanned:  {StatusHunting},
	StatusHunting:  {StatusComplete},
}

// ValidTransition reports whether moving from one status to another is legal.
// Three transition families exist:
//
//  1. Full-pipeline steps (queued→indexing→indexed→scanning→scanned→hunting→complete).
//  2. Entry into error from any non-terminal state, and re-entry from error
//     into any in-progress state (retry or operator re-trigger).
//  3. Direct-to-stage re-runs: a settled file (indexed, scanned, complete or
//     error) may jump straight into the in-progress state of the re-run target
//     without passing through earlier stages.
func ValidTransition(from, to FileStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusError {
		return !from.Terminal()
	}
	if from == StatusError {
		return to.InProgress()
	}
	for _, next := range fullPipelineNext[from] {
		if next == to {
			return true
		}
	}
	// Re-run entry: settled states may re-enter any stage directly.
	if !from.InProgress() && from != StatusQueued && to.InProgress() {
		return true
	}
	return false
}

// CaseFile is one artifact within one case: the relational status record every
// pipeline stage mutates and external callers poll. The pair (CaseID,
// ContentHash) is unique among non-deleted files; re-uploading identical bytes
// to the same case is detected as a duplicate, never re-ingested.
type CaseFile struct {
	ID             string     `json:"id"`
	CaseID         string     `json:"case_id"`
	Filename       string     `json:"filename"`
	ContentHash    string     `json:"content_hash"`
	Size           int64      `json:"size"`
	Status         FileStatus `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	EventCount     int64      `json:"event_count"`
	ViolationCount int64      `json:"violation_count"`
	IOCMatchCount  int64      `json:"ioc_match_count"`
	Origin         string     `json:"origin"` // "interactive" or "bulk"
	StoragePath    string     `json:"storage_path"`
	Deleted        bool       `json:"deleted"`
	Hidden         bool       `json:"hidden"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate performs basic structural validation before persistence.
func (f *CaseFile) Validate() error {
	if f.CaseID == "" {
		return fmt.Errorf("case file missing case id")
	}
	if f.ContentHash == "" {
		return fmt.Errorf("case file missing content hash")
	}
	if !f.Status.Valid() {
		return fmt.Errorf("invalid case file status %q", f.Status)
	}
	return nil
}
