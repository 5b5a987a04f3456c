package pipeline

import (
	"context"
	"errors"
	"fmt"

	"custodian/core"
	"custodian/queue"
	"custodian/storage"
)

var _ queue.TaskRecovery = (*Pipeline)(nil)

// TaskLost releases a file held by a worker whose lease expired. An expired
// lease outlives the hard timeout, so the holder is gone and an in-progress
// status on its file is a stale claim that would block every redelivery.
// Moving the file to error releases the claim; the requeued task then
// re-enters the stage from there.
func (p *Pipeline) TaskLost(ctx context.Context, task *core.PipelineTask) error {
	file, err := p.files.GetFile(ctx, task.FileID)
	if err != nil {
		if errors.Is(err, storage.ErrFileNotFound) {
			return nil
		}
		return err
	}
	if !file.Status.InProgress() {
		// The stage settled on its own before the worker died, or never
		// claimed the file. Nothing to release.
		return nil
	}

	p.logger.Warnw("Releasing file held by lost worker",
		"file_id", task.FileID, "status", file.Status, "stage", task.Stage,
		"attempts", task.Attempts)
	msg := fmt.Sprintf("worker lost while file was %s; task requeued (attempt %d)",
		file.Status, task.Attempts)
	if err := p.files.SetError(ctx, task.FileID, msg); err != nil &&
		!errors.Is(err, storage.ErrStatusConflict) {
		return err
	}
	return nil
}

// TaskExhausted marks the file permanently failed once its task has burned
// the whole retry budget. The dead-letter list keeps the payload for
// operators; the error status is what the polling surface shows.
func (p *Pipeline) TaskExhausted(ctx context.Context, task *core.PipelineTask) error {
	msg := fmt.Sprintf("stage %s gave up after %d attempts; task dead-lettered",
		task.Stage, task.Attempts)
	err := p.files.SetError(ctx, task.FileID, msg)
	if err != nil &&
		!errors.Is(err, storage.ErrFileNotFound) &&
		!errors.Is(err, storage.ErrStatusConflict) {
		return err
	}
	return nil
}
