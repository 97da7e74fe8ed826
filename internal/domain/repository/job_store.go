package repository

import (
	"context"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

// JobCounts summarizes job counts by status.
type JobCounts struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Total      int
}

// JobStore defines the interface for durable job + job-log persistence.
// Implementations should be provided by the infrastructure layer (e.g. Postgres).
type JobStore interface {
	// CreateJob persists a new job record with status=queued.
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob retrieves a job by its ID. Returns ErrJobNotFound if absent.
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// GetJobWithLogs retrieves a job along with its full log history.
	GetJobWithLogs(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error)

	// UpdateStatus enforces the legal transition set server-side and
	// persists the new status (and started_at/completed_at as needed).
	UpdateStatus(ctx context.Context, jobID string, next model.Status) error

	// UpdateProgress sets the job's progress percentage. Idempotent;
	// callers may jump to any value in [0, 100].
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// SetError records an error message on a job without changing status.
	SetError(ctx context.Context, jobID string, message string) error

	// CompleteJob marks a job completed, setting output_key, file_size and
	// duration. The job's metadata is left unchanged.
	CompleteJob(ctx context.Context, jobID, outputKey string, fileSize int64, durationSecs float64) error

	// List returns jobs ordered by created_at descending, paginated.
	List(ctx context.Context, limit, offset int) ([]*model.Job, error)

	// ListByStatus returns all jobs with the given status.
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Job, error)

	// Counts returns aggregate counts by status.
	Counts(ctx context.Context) (JobCounts, error)

	// Recent returns the most recently created jobs, limited.
	Recent(ctx context.Context, limit int) ([]*model.Job, error)

	// AddLog appends a log entry for a job.
	AddLog(ctx context.Context, log model.JobLog) error

	// GetLogs returns all log entries for a job, ordered by created_at.
	GetLogs(ctx context.Context, jobID string) ([]model.JobLog, error)

	// GetRecentLogs returns the most recent log entries across all jobs.
	GetRecentLogs(ctx context.Context, limit int) ([]model.JobLog, error)

	// GetErrorLogs returns the most recent error-level log entries across all jobs.
	GetErrorLogs(ctx context.Context, limit int) ([]model.JobLog, error)

	// DeleteJob deletes a job and cascades to its logs. Only terminal jobs
	// (completed or failed) may be deleted; any other job yields ErrJobNotFound.
	DeleteJob(ctx context.Context, jobID string) error
}
