// Package intake is the gate between the staging area and the pipeline:
// transient-artifact filtering, content fingerprinting, duplicate detection
// and admission into case-scoped durable storage.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"custodian/core"
	"custodian/metrics"
	"custodian/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome is the dedup gate's decision for one staged artifact.
type Outcome string

const (
	// OutcomeNew admitted the artifact: a CaseFile exists in status queued
	// and the bytes moved into case storage.
	OutcomeNew Outcome = "new"
	// OutcomeDuplicate found an existing non-deleted file with identical
	// bytes in the same case; nothing was ingested.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipTransient recognized a partial-copy or lock artifact;
	// silently excluded, not an error.
	OutcomeSkipTransient Outcome = "skip_transient"
)

// Decision is the gate's result. File is the newly created record for
// OutcomeNew, or the pre-existing record for OutcomeDuplicate.
type Decision struct {
	Outcome Outcome
	File    *core.CaseFile
}

// Engine evaluates staged artifacts against a case. All dependencies are
// passed in explicitly; the engine holds no process-wide state.
type Engine struct {
	files       storage.CaseFileStore
	evidenceDir string
	logger      *zap.SugaredLogger
}

// NewEngine creates the dedup gate.
func NewEngine(files storage.CaseFileStore, evidenceDir string, logger *zap.SugaredLogger) *Engine {
	return &Engine{files: files, evidenceDir: evidenceDir, logger: logger}
}

// Evaluate runs the gate for one staged artifact: transient filter, content
// hash, duplicate lookup, then admission. On admission the artifact is moved
// out of staging into ${evidenceDir}/<case_id>/<content_hash><ext> via a
// temp-file write and an atomic rename, so a concurrently scanning walker
// never observes a partial file.
//
// Two concurrent uploads of identical bytes serialize on the (case_id,
// content_hash) uniqueness constraint: the loser observes ErrDuplicateFile
// and converts its attempt into OutcomeDuplicate.
func (e *Engine) Evaluate(ctx context.Context, path, caseID, origin string) (*Decision, error) {
	name := filepath.Base(path)

	if IsTransientArtifact(name) {
		e.logger.Debugw("Skipping transient artifact", "file", name, "case_id", caseID)
		metrics.FilesIngested.WithLabelValues(string(OutcomeSkipTransient)).Inc()
		return &Decision{Outcome: OutcomeSkipTransient}, nil
	}

	hash, size, err := HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint %s: %w", name, err)
	}

	if existing, err := e.files.FindByHash(ctx, caseID, hash); err == nil {
		e.logger.Infow("Duplicate upload detected",
			"file", name, "case_id", caseID, "existing_id", existing.ID)
		metrics.FilesIngested.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return &Decision{Outcome: OutcomeDuplicate, File: existing}, nil
	} else if !errors.Is(err, storage.ErrFileNotFound) {
		return nil, fmt.Errorf("failed to look up content hash: %w", err)
	}

	dest := filepath.Join(e.evidenceDir, caseID, hash+filepath.Ext(name))
	file := &core.CaseFile{
		ID:          uuid.New().String(),
		CaseID:      caseID,
		Filename:    name,
		ContentHash: hash,
		Size:        size,
		Status:      core.StatusQueued,
		Origin:      origin,
		StoragePath: dest,
	}

	// The insert is the serialization point for concurrent identical
	// uploads.
	if err := e.files.CreateFile(ctx, file); err != nil {
		if errors.Is(err, storage.ErrDuplicateFile) {
			existing, lookupErr := e.files.FindByHash(ctx, caseID, hash)
			if lookupErr != nil {
				return nil, fmt.Errorf("lost dedup race but winner not found: %w", lookupErr)
			}
			metrics.FilesIngested.WithLabelValues(string(OutcomeDuplicate)).Inc()
			return &Decision{Outcome: OutcomeDuplicate, File: existing}, nil
		}
		return nil, fmt.Errorf("failed to create case file: %w", err)
	}

	if err := moveAtomic(path, dest); err != nil {
		if setErr := e.files.SetError(ctx, file.ID, fmt.Sprintf("failed to move artifact into case storage: %v", err)); setErr != nil {
			e.logger.Errorw("Failed to record move failure", "file_id", file.ID, "error", setErr)
		}
		return nil, fmt.Errorf("failed to move artifact into case storage: %w", err)
	}

	e.logger.Infow("Artifact admitted",
		"file", name, "case_id", caseID, "file_id", file.ID,
		"content_hash", hash, "size", size, "origin", origin)
	metrics.FilesIngested.WithLabelValues(string(OutcomeNew)).Inc()
	return &Decision{Outcome: OutcomeNew, File: file}, nil
}

// moveAtomic moves src to dst, surviving cross-device boundaries. The final
// step is always a rename within the destination directory, so readers see
// either no file or the complete file.
func moveAtomic(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create case storage directory: %w", err)
	}

	// Fast path: same filesystem.
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	tmp := dst + ".incoming-" + uuid.New().String()
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open staged artifact: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	return os.Remove(src)
}
