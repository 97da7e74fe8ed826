// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcoder"

var (
	// ObjectStoreOperationsTotal tracks object-store client operations.
	// Labels:
	//   - operation: download, upload, head, list, delete
	//   - bucket: source, output
	//   - status: success, error
	ObjectStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objectstore_operations_total",
			Help:      "Total number of object-store operations",
		},
		[]string{"operation", "bucket", "status"},
	)

	// SingleflightRequestsTotal tracks coalescing of the lazy auth check.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// QueueDepth reports the current size of each queue state.
	// Labels:
	//   - state: waiting, active, completed, failed, delayed
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queue entries by state",
		},
		[]string{"state"},
	)

	// JobsFinishedTotal counts terminal job outcomes on this worker.
	// Labels:
	//   - outcome: completed, failed
	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		},
		[]string{"outcome"},
	)

	// StageDurationSeconds tracks how long each pipeline stage takes.
	// Labels:
	//   - stage: initialized, downloaded, analyzed, thumbnails_generated,
	//     transcoded
	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each transcoding pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)
)

// Operation status constants.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Terminal job outcome constants.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)
