// Package pipeline executes the per-file processing stages: parse-and-index,
// rule matching and indicator hunting. Stages are idempotent: each one clears
// its own prior output before writing, and the status state machine is the
// mutual-exclusion guard that keeps two workers off the same file.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"custodian/config"
	"custodian/core"
	"custodian/metrics"
	"custodian/storage"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// corpusSuffix is appended to the stored artifact path to name the persisted
// normalized corpus the rule engine consumes.
const corpusSuffix = ".ndjson"

// stderrCaptureLimit bounds how much subprocess stderr is kept for error
// messages.
const stderrCaptureLimit = 8 * 1024

// Pipeline runs stages against the stores. All dependencies are injected;
// the pipeline holds no global state, so tests construct one per case.
type Pipeline struct {
	files      storage.CaseFileStore
	events     storage.EventStore
	violations storage.ViolationStore
	iocs       storage.IOCStore
	cfg        *config.Config
	targets    FieldTargets
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
}

// New creates a pipeline. The rate limiter bounds external-binary launches
// across every stage sharing this pipeline instance.
func New(
	files storage.CaseFileStore,
	events storage.EventStore,
	violations storage.ViolationStore,
	iocs storage.IOCStore,
	cfg *config.Config,
	targets FieldTargets,
	logger *zap.SugaredLogger,
) *Pipeline {
	if targets == nil {
		targets = DefaultFieldTargets()
	}
	return &Pipeline{
		files:      files,
		events:     events,
		violations: violations,
		iocs:       iocs,
		cfg:        cfg,
		targets:    targets,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Pipeline.SubprocessRateLimit), cfg.Pipeline.SubprocessRateLimit),
		logger:     logger,
	}
}

// corpusPath derives the persisted corpus location from the stored artifact.
func corpusPath(file *core.CaseFile) string {
	return file.StoragePath + corpusSuffix
}

// claim moves the file into the stage's in-progress state, or reports
// ErrNotEligible when another worker holds it or its current state does not
// admit the stage.
func (p *Pipeline) claim(ctx context.Context, fileID string, from []core.FileStatus, to core.FileStatus) (*core.CaseFile, error) {
	if err := p.files.TransitionStatus(ctx, fileID, from, to); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, storage.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: %v", ErrNotEligible, err)
		}
		return nil, err
	}
	file, err := p.files.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// settle records a stage outcome: the success transition on nil err, or the
// error state with a message otherwise. The file's error always wins over a
// bookkeeping failure, which is only logged.
func (p *Pipeline) settle(ctx context.Context, stage core.Stage, fileID string, success core.FileStatus, from core.FileStatus, runErr error) error {
	// Settling must survive a soft-timeout cancellation: recording the error
	// is exactly the cleanup the soft timeout exists to allow.
	ctx = context.WithoutCancel(ctx)
	if runErr == nil {
		if err := p.files.TransitionStatus(ctx, fileID, []core.FileStatus{from}, success); err != nil {
			return fmt.Errorf("stage %s succeeded but settling status failed: %w", stage, err)
		}
		metrics.StageRuns.WithLabelValues(string(stage), "success").Inc()
		return nil
	}

	failure := &StageFailure{Stage: stage, FileID: fileID, Err: runErr}
	if err := p.files.SetError(ctx, fileID, failure.Error()); err != nil {
		p.logger.Errorw("Failed to record stage error",
			"stage", stage, "file_id", fileID, "error", err)
	}
	metrics.StageRuns.WithLabelValues(string(stage), "error").Inc()
	return failure
}

// runSubprocess launches an external tool, honoring the launch rate limit,
// and hands its stdout to consume while it runs. The returned error carries
// the exit code and a bounded stderr excerpt.
func (p *Pipeline) runSubprocess(ctx context.Context, argv []string, consume func(stdout *exec.Cmd) error) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("subprocess launch canceled: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stderr boundedBuffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := consume(cmd); err != nil {
		_ = cmd.Wait()
		return p.subprocessError(argv[0], cmd, &stderr, err)
	}
	if err := cmd.Wait(); err != nil {
		return p.subprocessError(argv[0], cmd, &stderr, err)
	}
	p.logger.Debugw("Subprocess finished",
		"tool", argv[0], "duration", time.Since(start))
	return nil
}

func (p *Pipeline) subprocessError(tool string, cmd *exec.Cmd, stderr *boundedBuffer, err error) error {
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return &SubprocessError{
		Tool:     tool,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr.String()),
		Err:      err,
	}
}

// boundedBuffer keeps at most stderrCaptureLimit bytes and drops the rest.
type boundedBuffer struct {
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := stderrCaptureLimit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
