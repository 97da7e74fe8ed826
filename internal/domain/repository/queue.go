package repository

import (
	"context"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

// BackoffConfig configures the delay schedule applied to retried entries.
type BackoffConfig struct {
	BaseMs int64
}

// AddOptions configures a single queue entry at enqueue time.
type AddOptions struct {
	Attempts         int
	Backoff          BackoffConfig
	RemoveOnComplete int
	RemoveOnFail     int
}

// DefaultAddOptions returns the queue's default retry/retention policy.
func DefaultAddOptions() AddOptions {
	return AddOptions{
		Attempts:         3,
		Backoff:          BackoffConfig{BaseMs: 2000},
		RemoveOnComplete: 10,
		RemoveOnFail:     5,
	}
}

// QueueCounts summarizes entry counts by state.
type QueueCounts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Total     int
}

// EntryHandle is passed to a registered handler; it lets the handler report
// incremental progress back to the queue for lifecycle event delivery.
type EntryHandle interface {
	Entry() model.QueueEntry
	Progress(p int)
}

// Handler processes one reserved queue entry. Returning an error triggers
// the queue's retry/backoff policy; returning nil marks it completed.
type Handler func(ctx context.Context, entry EntryHandle) error

// LifecycleEventType names the kind of lifecycle event delivered to
// subscribers on entry state changes.
type LifecycleEventType string

const (
	EventActive    LifecycleEventType = "active"
	EventProgress  LifecycleEventType = "progress"
	EventCompleted LifecycleEventType = "completed"
	EventFailed    LifecycleEventType = "failed"
	EventStalled   LifecycleEventType = "stalled"
)

// LifecycleEvent is delivered to subscribers on entry state changes.
type LifecycleEvent struct {
	Type     LifecycleEventType
	Entry    model.QueueEntry
	Progress int
	Result   string
	Err      error
}

// Queue defines the interface for the persistent, priority-ordered job queue.
// Implementations should be provided by the infrastructure layer (e.g. Redis).
type Queue interface {
	// Add enqueues a new entry referencing jobID, returning its entry ID.
	Add(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts AddOptions) (string, error)

	// Process registers a consumer that reserves up to concurrency entries
	// at a time and invokes handler for each. Blocks until ctx is cancelled.
	Process(ctx context.Context, name string, concurrency int, handler Handler) error

	// Events returns a channel of lifecycle events for external subscribers
	// (the pipeline adapter that projects them into job-store writes).
	Events() <-chan LifecycleEvent

	// Pause stops new entries from being reserved. Active entries continue.
	Pause(ctx context.Context) error

	// Resume reverses Pause.
	Resume(ctx context.Context) error

	// IsPaused reports the current pause state.
	IsPaused(ctx context.Context) (bool, error)

	// Counts returns aggregate entry counts by state.
	Counts(ctx context.Context) (QueueCounts, error)

	// ActiveEntries returns all currently active entries.
	ActiveEntries(ctx context.Context) ([]model.QueueEntry, error)

	// FailedEntries returns up to limit failed entries, most recent first.
	FailedEntries(ctx context.Context, limit int) ([]model.QueueEntry, error)

	// Retry re-enqueues a failed entry, resetting its attempt counter.
	Retry(ctx context.Context, entryID string) error

	// Remove deletes an entry by ID regardless of state.
	Remove(ctx context.Context, entryID string) error

	// RemoveByJobID removes the waiting/delayed entry for a job (used by cancel).
	RemoveByJobID(ctx context.Context, jobID string) error

	// Clean purges completed/failed entries older than maxAge.
	Clean(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases any held resources.
	Close() error
}
