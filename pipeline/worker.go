package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"custodian/config"
	"custodian/queue"
	"custodian/util/goroutine"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pollInterval is how often an idle worker checks the pending list. Polling
// a non-blocking dequeue keeps shutdown prompt and works against any Redis.
const pollInterval = 500 * time.Millisecond

// Pool consumes the task queue with a fixed number of workers. Delivery is
// at-least-once; the status state machine inside each stage makes duplicate
// delivery harmless.
type Pool struct {
	queue    *queue.Queue
	pipeline *Pipeline
	cfg      *config.Config
	logger   *zap.SugaredLogger
	wg       sync.WaitGroup
}

// NewPool creates the worker pool.
func NewPool(q *queue.Queue, p *Pipeline, cfg *config.Config, logger *zap.SugaredLogger) *Pool {
	return &Pool{queue: q, pipeline: p, cfg: cfg, logger: logger}
}

// Start launches the workers. They run until the context is canceled.
func (pool *Pool) Start(ctx context.Context) {
	for i := 0; i < pool.cfg.Pipeline.WorkerCount; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		pool.wg.Add(1)
		go pool.run(ctx, workerID)
	}
	pool.logger.Infow("Worker pool started", "workers", pool.cfg.Pipeline.WorkerCount)
}

// Wait blocks until every worker has exited.
func (pool *Pool) Wait() {
	pool.wg.Wait()
}

func (pool *Pool) run(ctx context.Context, workerID string) {
	defer pool.wg.Done()
	defer goroutine.Recover("pipeline-"+workerID, pool.logger)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pool.logger.Debugw("Worker stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			leased, err := pool.queue.Dequeue(ctx, workerID)
			if err != nil {
				pool.logger.Errorw("Dequeue failed", "worker_id", workerID, "error", err)
				continue
			}
			if leased == nil {
				continue
			}
			pool.process(ctx, workerID, leased)
		}
	}
}

// process runs one task under the two-level timeout. The soft timeout
// cancels the stage context so subprocesses die and the stage settles into
// the error state; the hard timeout abandons a stage that ignores
// cancellation, leaving the lease to expire and the reaper to redeliver.
//
// The ack is late: it is sent only after the stage's effects are durable, so
// a crash anywhere before it causes redelivery, never loss.
func (pool *Pool) process(ctx context.Context, workerID string, leased *queue.LeasedTask) {
	task := leased.Task
	pool.logger.Infow("Task started",
		"worker_id", workerID, "task_id", task.TaskID, "file_id", task.FileID,
		"stage", task.Stage, "attempts", task.Attempts)

	softCtx, cancel := context.WithTimeout(ctx, pool.cfg.Pipeline.SoftTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer goroutine.Recover("pipeline-task-"+task.TaskID, pool.logger)
		done <- pool.pipeline.Execute(softCtx, task)
	}()

	hard := time.NewTimer(pool.cfg.Pipeline.HardTimeout)
	defer hard.Stop()

	select {
	case err := <-done:
		pool.finish(ctx, workerID, leased, err)
	case <-hard.C:
		cancel()
		// No ack: the lease expires and the reaper redelivers with the
		// attempt counter incremented.
		pool.logger.Errorw("Task abandoned at hard timeout",
			"worker_id", workerID, "task_id", task.TaskID, "file_id", task.FileID,
			"stage", task.Stage)
		if err := pool.pipeline.files.SetError(context.WithoutCancel(ctx), task.FileID,
			fmt.Sprintf("stage %s abandoned after %s hard timeout", task.Stage, pool.cfg.Pipeline.HardTimeout)); err != nil {
			pool.logger.Errorw("Failed to record hard timeout",
				"file_id", task.FileID, "error", err)
		}
	}
}

// finish acknowledges every settled outcome. A stage failure is settled: the
// file carries the error state and retrying deterministically would only
// repeat it. Only crashes and timeouts leave the task unacked for the
// reaper.
func (pool *Pool) finish(ctx context.Context, workerID string, leased *queue.LeasedTask, err error) {
	task := leased.Task
	switch {
	case err == nil:
		pool.logger.Infow("Task complete",
			"worker_id", workerID, "task_id", task.TaskID, "file_id", task.FileID,
			"stage", task.Stage)
	case errors.Is(err, ErrNotEligible):
		pool.logger.Infow("Task dropped, file not eligible",
			"worker_id", workerID, "task_id", task.TaskID, "file_id", task.FileID,
			"stage", task.Stage, "reason", err)
	default:
		pool.logger.Errorw("Task failed",
			"worker_id", workerID, "task_id", task.TaskID, "file_id", task.FileID,
			"stage", task.Stage, "error", err)
	}

	if ackErr := pool.queue.Ack(context.WithoutCancel(ctx), leased); ackErr != nil {
		pool.logger.Errorw("Failed to ack task",
			"worker_id", workerID, "task_id", task.TaskID, "error", ackErr)
	}
}
