package pipeline

import (
	"context"
	"errors"
	"fmt"

	"custodian/core"
)

// Enqueuer is the queue surface the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *core.PipelineTask) error
}

// Execute runs the task's stage. Called by queue workers; operators invoking
// a stage synchronously go through the Run* methods directly.
func (p *Pipeline) Execute(ctx context.Context, task *core.PipelineTask) error {
	switch task.Stage {
	case core.StageIndex:
		// A reindex invalidates every downstream result for the file, so
		// the scan and hunt stages re-run behind it.
		return p.RunFull(ctx, task.FileID)
	case core.StageScan:
		return p.RunScan(ctx, task.FileID)
	case core.StageHunt:
		return p.RunHunt(ctx, task.FileID)
	case core.StageFull:
		return p.RunFull(ctx, task.FileID)
	}
	return fmt.Errorf("unknown stage %q", task.Stage)
}

// RunFull runs index, scan and hunt in dependency order, stopping at the
// first failure. The file ends in complete, or in error with the failing
// stage recorded.
func (p *Pipeline) RunFull(ctx context.Context, fileID string) error {
	if err := p.RunIndex(ctx, fileID); err != nil {
		return err
	}
	if err := p.RunScan(ctx, fileID); err != nil {
		return err
	}
	return p.RunHunt(ctx, fileID)
}

// Dispatch resolves the scope to concrete files and enqueues one task per
// file. Per-file isolation is preserved: a file that fails to enqueue does
// not stop the rest, and the error reports which files were skipped.
func (p *Pipeline) Dispatch(ctx context.Context, q Enqueuer, scope core.Scope, stage core.Stage) ([]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !stage.IsValid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	fileIDs, err := p.files.ListFileIDs(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scope: %w", err)
	}

	var enqueued []string
	var failed []error
	for _, fileID := range fileIDs {
		// File and global scopes carry no case id; resolve it per file so
		// the queued payload keeps its case attribution.
		caseID := scope.CaseID
		if caseID == "" {
			file, err := p.files.GetFile(ctx, fileID)
			if err != nil {
				p.logger.Errorw("Failed to resolve case for file",
					"file_id", fileID, "error", err)
				failed = append(failed, fmt.Errorf("file %s: %w", fileID, err))
				continue
			}
			caseID = file.CaseID
		}
		task := core.NewPipelineTask(caseID, fileID, stage)
		if err := q.Enqueue(ctx, task); err != nil {
			p.logger.Errorw("Failed to enqueue task",
				"file_id", fileID, "stage", stage, "error", err)
			failed = append(failed, fmt.Errorf("file %s: %w", fileID, err))
			continue
		}
		enqueued = append(enqueued, fileID)
	}
	if len(failed) > 0 {
		return enqueued, fmt.Errorf("failed to enqueue %d of %d tasks: %w",
			len(failed), len(fileIDs), errors.Join(failed...))
	}
	return enqueued, nil
}
