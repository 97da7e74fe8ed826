package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

// DBTX abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// JobStore implements repository.JobStore using PostgreSQL.
type JobStore struct {
	db DBTX
}

var _ repository.JobStore = (*JobStore)(nil)

// NewJobStore creates a new JobStore instance.
func NewJobStore(db DBTX) *JobStore {
	return &JobStore{db: db}
}

// CreateJob persists a new job record.
func (s *JobStore) CreateJob(ctx context.Context, job *model.Job) error {
	const query = `
		INSERT INTO jobs (job_id, original_key, output_key, status, progress, error_message,
			resolutions, created_at, started_at, completed_at, file_size, duration_secs,
			metadata, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		job.JobID,
		job.OriginalKey,
		nullString(job.OutputKey),
		job.Status.String(),
		job.Progress,
		nullString(job.ErrorMessage),
		resolutionStrings(job.Resolutions),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.FileSize,
		job.DurationSecs,
		metadata,
		job.Priority,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return repository.ErrDuplicateJob
		}
		return fmt.Errorf("create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by its ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	const query = `
		SELECT job_id, original_key, output_key, status, progress, error_message,
			resolutions, created_at, started_at, completed_at, file_size, duration_secs,
			metadata, priority
		FROM jobs
		WHERE job_id = $1
	`

	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobWithLogs retrieves a job along with its full log history.
func (s *JobStore) GetJobWithLogs(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	logs, err := s.GetLogs(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	return job, logs, nil
}

// UpdateStatus transitions a job to next, enforcing the legal-transition table.
func (s *JobStore) UpdateStatus(ctx context.Context, jobID string, next model.Status) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := job.TransitionTo(next); err != nil {
		return err
	}

	const query = `
		UPDATE jobs
		SET status = $2, started_at = $3, completed_at = $4, progress = $5, error_message = $6
		WHERE job_id = $1
	`

	tag, err := s.db.Exec(ctx, query, jobID, job.Status.String(), job.StartedAt, job.CompletedAt,
		job.Progress, nullString(job.ErrorMessage))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

// UpdateProgress sets a job's progress percentage. Updates are idempotent;
// callers may jump the value non-monotonically.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	const query = `UPDATE jobs SET progress = $2 WHERE job_id = $1`

	tag, err := s.db.Exec(ctx, query, jobID, progress)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

// SetError records a failure message on a job without changing its status.
func (s *JobStore) SetError(ctx context.Context, jobID, message string) error {
	const query = `UPDATE jobs SET error_message = $2 WHERE job_id = $1`

	tag, err := s.db.Exec(ctx, query, jobID, nullString(message))
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

// CompleteJob finalizes a job with its output artifact location and measured size/duration.
func (s *JobStore) CompleteJob(ctx context.Context, jobID, outputKey string, fileSize int64, durationSecs float64) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := job.TransitionTo(model.StatusCompleted); err != nil {
		return err
	}

	const query = `
		UPDATE jobs
		SET status = $2, completed_at = $3, progress = 100, output_key = $4,
			file_size = $5, duration_secs = $6
		WHERE job_id = $1
	`

	tag, err := s.db.Exec(ctx, query, jobID, job.Status.String(), job.CompletedAt, outputKey, fileSize, durationSecs)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

// List returns up to limit jobs ordered newest-first, starting at offset.
func (s *JobStore) List(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	const query = `
		SELECT job_id, original_key, output_key, status, progress, error_message,
			resolutions, created_at, started_at, completed_at, file_size, duration_secs,
			metadata, priority
		FROM jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListByStatus returns every job currently in status.
func (s *JobStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Job, error) {
	const query = `
		SELECT job_id, original_key, output_key, status, progress, error_message,
			resolutions, created_at, started_at, completed_at, file_size, duration_secs,
			metadata, priority
		FROM jobs
		WHERE status = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.Query(ctx, query, status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Counts returns aggregate job counts by status.
func (s *JobStore) Counts(ctx context.Context) (repository.JobCounts, error) {
	const query = `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*)
		FROM jobs
	`

	var c repository.JobCounts
	err := s.db.QueryRow(ctx, query).Scan(&c.Queued, &c.Processing, &c.Completed, &c.Failed, &c.Total)
	if err != nil {
		return repository.JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}

// Recent returns the most recently created limit jobs.
func (s *JobStore) Recent(ctx context.Context, limit int) ([]*model.Job, error) {
	return s.List(ctx, limit, 0)
}

// AddLog appends a log entry to a job's history.
func (s *JobStore) AddLog(ctx context.Context, log model.JobLog) error {
	const query = `
		INSERT INTO job_logs (job_id, level, message, stage, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(ctx, query, log.JobID, string(log.Level), log.Message,
		nullString(log.Stage), nullString(log.Details), createdAt)
	if err != nil {
		return fmt.Errorf("add job log: %w", err)
	}
	return nil
}

// GetLogs returns every log entry for jobID, oldest first.
func (s *JobStore) GetLogs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	const query = `
		SELECT id, job_id, level, message, stage, details, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job logs: %w", err)
	}
	defer rows.Close()

	return scanJobLogs(rows)
}

// GetRecentLogs returns the most recent limit log entries across all jobs.
func (s *JobStore) GetRecentLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	const query = `
		SELECT id, job_id, level, message, stage, details, created_at
		FROM job_logs
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent job logs: %w", err)
	}
	defer rows.Close()

	return scanJobLogs(rows)
}

// GetErrorLogs returns the most recent limit error-level log entries.
func (s *JobStore) GetErrorLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	const query = `
		SELECT id, job_id, level, message, stage, details, created_at
		FROM job_logs
		WHERE level = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, string(model.LogLevelError), limit)
	if err != nil {
		return nil, fmt.Errorf("get error job logs: %w", err)
	}
	defer rows.Close()

	return scanJobLogs(rows)
}

// DeleteJob removes a terminal (completed or failed) job and cascades to its
// logs. A job in any other state is left in place and, like a missing one,
// yields ErrJobNotFound.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	const query = `DELETE FROM jobs WHERE job_id = $1 AND status IN ('completed', 'failed')`

	tag, err := s.db.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job          model.Job
		status       string
		outputKey    *string
		errorMessage *string
		resolutions  []string
		metadataRaw  []byte
	)

	err := row.Scan(
		&job.JobID,
		&job.OriginalKey,
		&outputKey,
		&status,
		&job.Progress,
		&errorMessage,
		&resolutions,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FileSize,
		&job.DurationSecs,
		&metadataRaw,
		&job.Priority,
	)
	if err != nil {
		return nil, err
	}

	job.Status = model.Status(status)
	if outputKey != nil {
		job.OutputKey = *outputKey
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	job.Resolutions = make([]model.Resolution, len(resolutions))
	for i, r := range resolutions {
		job.Resolutions[i] = model.Resolution(r)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}

	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJobFromRows(rows pgx.Rows) (*model.Job, error) {
	var (
		job          model.Job
		status       string
		outputKey    *string
		errorMessage *string
		resolutions  []string
		metadataRaw  []byte
	)

	err := rows.Scan(
		&job.JobID,
		&job.OriginalKey,
		&outputKey,
		&status,
		&job.Progress,
		&errorMessage,
		&resolutions,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FileSize,
		&job.DurationSecs,
		&metadataRaw,
		&job.Priority,
	)
	if err != nil {
		return nil, err
	}

	job.Status = model.Status(status)
	if outputKey != nil {
		job.OutputKey = *outputKey
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	job.Resolutions = make([]model.Resolution, len(resolutions))
	for i, r := range resolutions {
		job.Resolutions[i] = model.Resolution(r)
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &job.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal job metadata: %w", err)
		}
	}

	return &job, nil
}

func scanJobLogs(rows pgx.Rows) ([]model.JobLog, error) {
	var logs []model.JobLog
	for rows.Next() {
		var (
			log    model.JobLog
			level  string
			stage  *string
			detail *string
		)
		if err := rows.Scan(&log.ID, &log.JobID, &level, &log.Message, &stage, &detail, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		log.Level = model.LogLevel(level)
		if stage != nil {
			log.Stage = *stage
		}
		if detail != nil {
			log.Details = *detail
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job logs: %w", err)
	}
	return logs, nil
}

func resolutionStrings(resolutions []model.Resolution) []string {
	out := make([]string, len(resolutions))
	for i, r := range resolutions {
		out[i] = string(r)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
