// Package metrics exposes custodian's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilesIngested counts intake decisions by outcome (new, duplicate,
	// skip_transient).
	FilesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_files_ingested_total",
			Help: "Total number of intake decisions by outcome",
		},
		[]string{"outcome"},
	)

	// StageRuns counts stage executions by stage and result.
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_stage_runs_total",
			Help: "Total number of pipeline stage executions",
		},
		[]string{"stage", "result"},
	)

	// StageDuration tracks wall-clock time per stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodian_stage_duration_seconds",
			Help:    "Time taken to execute a pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)

	// EventsIndexed counts indexed events by case.
	EventsIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_events_indexed_total",
			Help: "Total number of events written to the index backend",
		},
	)

	// TasksEnqueued counts tasks pushed to the queue by stage.
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodian_tasks_enqueued_total",
			Help: "Total number of pipeline tasks enqueued",
		},
		[]string{"stage"},
	)

	// TaskRetries counts task redeliveries after crashes or timeouts.
	TaskRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_task_retries_total",
			Help: "Total number of task redeliveries",
		},
	)

	// TasksDeadLettered counts tasks that exhausted their retry budget.
	TasksDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custodian_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter list",
		},
	)

	// QueueDepth tracks the pending task backlog.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodian_queue_depth",
			Help: "Number of tasks waiting in the pending queue",
		},
	)
)
