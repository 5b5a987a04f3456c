package pipeline

import (
	"errors"
	"fmt"

	"custodian/core"
)

// ErrNotEligible means the file was not in a state the requested stage may
// claim, usually because another worker holds it or an operator re-ran a
// stage concurrently. Callers drop the task instead of retrying.
var ErrNotEligible = errors.New("file is not eligible for this stage")

// SubprocessError reports an external tool failure with enough context to
// diagnose it from the status record alone.
type SubprocessError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed (exit %d): %s", e.Tool, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// StageFailure wraps a stage error with the stage and file it belongs to.
type StageFailure struct {
	Stage  core.Stage
	FileID string
	Err    error
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed for file %s: %v", e.Stage, e.FileID, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }
