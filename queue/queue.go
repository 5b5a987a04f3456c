// Package queue is the durable Redis-backed task queue the pipeline workers
// consume. Delivery is at-least-once with late acknowledgement: a dequeued
// task stays on a per-worker processing list under a lease until the worker
// acks it, and the reaper requeues tasks whose lease expired.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodian/core"
	"custodian/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	pendingKey       = "custodian:tasks:pending"
	processingPrefix = "custodian:tasks:processing:"
	leasesKey        = "custodian:tasks:leases"
	deadLetterKey    = "custodian:tasks:dead"
)

func processingKey(workerID string) string {
	return processingPrefix + workerID
}

// TaskRecovery receives reaper outcomes so whoever owns the task's side
// effects can release or fail the underlying work. An expired lease means the
// holder died mid-task and may have left state behind that only the owner
// knows how to clean up.
type TaskRecovery interface {
	// TaskLost is called when an expired lease is reclaimed and the task
	// requeued. task.Attempts already counts the lost delivery.
	TaskLost(ctx context.Context, task *core.PipelineTask) error
	// TaskExhausted is called when a task exceeds the retry budget and is
	// parked on the dead-letter list.
	TaskExhausted(ctx context.Context, task *core.PipelineTask) error
}

// lease is the hash entry tracking one in-flight task. Payload keeps the
// exact bytes sitting on the processing list so the reaper can remove them
// without scanning.
type lease struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	Payload  string    `json:"payload"`
	Deadline time.Time `json:"deadline"`
}

// LeasedTask is a dequeued task plus the bookkeeping needed to ack it.
type LeasedTask struct {
	Task     *core.PipelineTask
	workerID string
	payload  string
}

// Queue is the durable pipeline work queue.
type Queue struct {
	client       *redis.Client
	logger       *zap.SugaredLogger
	leaseTimeout time.Duration
	maxRetries   int

	now func() time.Time
}

// New creates the queue. leaseTimeout must exceed the pipeline's hard task
// timeout or healthy long-running tasks get redelivered mid-flight.
func New(addr, password string, db, poolSize int, leaseTimeout time.Duration, maxRetries int, logger *zap.SugaredLogger) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return &Queue{
		client:       client,
		logger:       logger,
		leaseTimeout: leaseTimeout,
		maxRetries:   maxRetries,
		now:          time.Now,
	}
}

// Ping tests the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a task onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, task *core.PipelineTask) error {
	payload, err := task.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline task: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.TaskID, err)
	}
	metrics.TasksEnqueued.WithLabelValues(string(task.Stage)).Inc()
	q.logger.Debugw("Task enqueued",
		"task_id", task.TaskID, "file_id", task.FileID, "stage", task.Stage)
	return nil
}

// Dequeue atomically moves the oldest pending task onto the worker's
// processing list and records a lease. Returns (nil, nil) when the pending
// list is empty; callers poll rather than block so a shutdown signal is
// honored promptly.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*LeasedTask, error) {
	payload, err := q.client.LMove(ctx, pendingKey, processingKey(workerID), "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue task: %w", err)
	}

	task, err := core.UnmarshalPipelineTask([]byte(payload))
	if err != nil {
		// A payload that cannot be parsed can never be executed; park it
		// where an operator can inspect it instead of looping forever.
		q.logger.Errorw("Dead-lettering unparseable task payload", "error", err)
		if moveErr := q.deadLetter(ctx, workerID, payload); moveErr != nil {
			return nil, moveErr
		}
		return nil, fmt.Errorf("dequeued unparseable task payload: %w", err)
	}

	entry := lease{
		TaskID:   task.TaskID,
		WorkerID: workerID,
		Payload:  payload,
		Deadline: q.now().Add(q.leaseTimeout),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lease for task %s: %w", task.TaskID, err)
	}
	if err := q.client.HSet(ctx, leasesKey, task.TaskID, data).Err(); err != nil {
		return nil, fmt.Errorf("failed to record lease for task %s: %w", task.TaskID, err)
	}

	return &LeasedTask{Task: task, workerID: workerID, payload: payload}, nil
}

// Ack acknowledges a completed task: the payload leaves the processing list
// and the lease is released. Acks are sent after the stage's effects are
// durable, so a crash before Ack only ever causes redelivery, never loss.
func (q *Queue) Ack(ctx context.Context, leased *LeasedTask) error {
	if err := q.client.LRem(ctx, processingKey(leased.workerID), 1, leased.payload).Err(); err != nil {
		return fmt.Errorf("failed to remove task %s from processing list: %w", leased.Task.TaskID, err)
	}
	if err := q.client.HDel(ctx, leasesKey, leased.Task.TaskID).Err(); err != nil {
		return fmt.Errorf("failed to release lease for task %s: %w", leased.Task.TaskID, err)
	}
	return nil
}

// Reap scans the lease hash and requeues every task whose lease expired,
// incrementing its attempt count. A task past the retry budget moves to the
// dead-letter list instead. recovery, when non-nil, is asked to release the
// dead worker's work before the task is requeued; if the release fails the
// lease is left in place and the entry retried on the next cycle. Returns
// the number of requeued and dead-lettered tasks.
func (q *Queue) Reap(ctx context.Context, recovery TaskRecovery) (requeued, deadLettered int, err error) {
	entries, err := q.client.HGetAll(ctx, leasesKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan leases: %w", err)
	}

	now := q.now()
	for taskID, raw := range entries {
		var entry lease
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.logger.Errorw("Dropping corrupt lease entry", "task_id", taskID, "error", err)
			_ = q.client.HDel(ctx, leasesKey, taskID).Err()
			continue
		}
		if entry.Deadline.After(now) {
			continue
		}

		task, err := core.UnmarshalPipelineTask([]byte(entry.Payload))
		if err != nil {
			q.logger.Errorw("Dead-lettering unparseable leased payload", "task_id", taskID, "error", err)
			if err := q.reclaim(ctx, taskID, entry); err != nil {
				return requeued, deadLettered, err
			}
			_ = q.client.LPush(ctx, deadLetterKey, entry.Payload).Err()
			metrics.TasksDeadLettered.Inc()
			deadLettered++
			continue
		}

		task.Attempts++
		if task.Attempts > q.maxRetries {
			if err := q.reclaim(ctx, taskID, entry); err != nil {
				return requeued, deadLettered, err
			}
			payload, _ := task.Marshal()
			if err := q.client.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
				return requeued, deadLettered, fmt.Errorf("failed to dead-letter task %s: %w", taskID, err)
			}
			metrics.TasksDeadLettered.Inc()
			deadLettered++
			q.logger.Warnw("Task exhausted retry budget",
				"task_id", taskID, "file_id", task.FileID, "stage", task.Stage,
				"attempts", task.Attempts)
			if recovery != nil {
				if err := recovery.TaskExhausted(ctx, task); err != nil {
					q.logger.Errorw("Failed to fail work for dead-lettered task",
						"task_id", taskID, "file_id", task.FileID, "error", err)
				}
			}
			continue
		}

		// Release the dead worker's hold on the underlying work before the
		// task becomes claimable again. If the release fails the lease stays
		// in place and the next reap cycle retries the whole entry.
		if recovery != nil {
			if err := recovery.TaskLost(ctx, task); err != nil {
				q.logger.Errorw("Failed to release work for expired lease, will retry",
					"task_id", taskID, "file_id", task.FileID, "error", err)
				continue
			}
		}
		if err := q.reclaim(ctx, taskID, entry); err != nil {
			return requeued, deadLettered, err
		}
		payload, err := task.Marshal()
		if err != nil {
			return requeued, deadLettered, fmt.Errorf("failed to remarshal task %s: %w", taskID, err)
		}
		if err := q.client.LPush(ctx, pendingKey, payload).Err(); err != nil {
			return requeued, deadLettered, fmt.Errorf("failed to requeue task %s: %w", taskID, err)
		}
		metrics.TaskRetries.Inc()
		requeued++
		q.logger.Infow("Requeued task after lease expiry",
			"task_id", taskID, "file_id", task.FileID, "stage", task.Stage,
			"attempts", task.Attempts, "worker_id", entry.WorkerID)
	}
	return requeued, deadLettered, nil
}

// reclaim removes an expired task from its dead worker's processing list and
// releases the lease.
func (q *Queue) reclaim(ctx context.Context, taskID string, entry lease) error {
	if err := q.client.LRem(ctx, processingKey(entry.WorkerID), 1, entry.Payload).Err(); err != nil {
		return fmt.Errorf("failed to reclaim task %s: %w", taskID, err)
	}
	if err := q.client.HDel(ctx, leasesKey, taskID).Err(); err != nil {
		return fmt.Errorf("failed to release expired lease %s: %w", taskID, err)
	}
	return nil
}

// Depth returns the pending backlog size and refreshes the depth gauge.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// DeadLetters returns the parked tasks, newest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*core.PipelineTask, error) {
	payloads, err := q.client.LRange(ctx, deadLetterKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	tasks := make([]*core.PipelineTask, 0, len(payloads))
	for _, payload := range payloads {
		task, err := core.UnmarshalPipelineTask([]byte(payload))
		if err != nil {
			q.logger.Errorw("Skipping unparseable dead letter", "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *Queue) deadLetter(ctx context.Context, workerID, payload string) error {
	if err := q.client.LRem(ctx, processingKey(workerID), 1, payload).Err(); err != nil {
		return fmt.Errorf("failed to remove poison payload from processing list: %w", err)
	}
	if err := q.client.LPush(ctx, deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter poison payload: %w", err)
	}
	metrics.TasksDeadLettered.Inc()
	return nil
}
