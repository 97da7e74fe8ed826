// Package usecase holds the business logic between the HTTP surface and the
// job store / queue / object store.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

var (
	// ErrSourceNotFound is returned when the submission pre-check finds no
	// object at the submitted key.
	ErrSourceNotFound = errors.New("source object not found")

	// ErrJobNotCancellable is returned when cancelling a job that is not queued.
	ErrJobNotCancellable = errors.New("only queued jobs can be cancelled")

	// ErrJobNotRetryable is returned when retrying a job that has not failed.
	ErrJobNotRetryable = errors.New("only failed jobs can be retried")
)

var videoNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SubmitInput contains the validated-on-entry parameters of a submission.
type SubmitInput struct {
	OriginalKey string
	Resolutions []model.Resolution
	Priority    int
	VideoName   string
	CallbackURL string
}

// SubmitOutput describes the accepted job.
type SubmitOutput struct {
	JobID       string
	OriginalKey string
	VideoName   string
	Environment model.Environment
	CallbackURL string
	Resolutions []model.Resolution
}

// QueueStats bundles queue counts with the pause flag for the stats endpoint.
type QueueStats struct {
	Counts repository.QueueCounts
	Paused bool
}

// JobService defines the submission and query operations exposed over HTTP.
type JobService interface {
	// Submit validates the request, creates the job record and enqueues it.
	Submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error)

	// GetJob returns a job with its log history.
	GetJob(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error)

	// ListJobs pages through jobs, optionally filtered by status.
	ListJobs(ctx context.Context, status *model.Status, page, limit int) ([]*model.Job, error)

	// Counts returns aggregate job counts by status.
	Counts(ctx context.Context) (repository.JobCounts, error)

	// Cancel removes a queued job from the queue and marks it failed.
	// Processing jobs cannot be cancelled.
	Cancel(ctx context.Context, jobID string) error

	// Retry re-enqueues a failed job with the same payload.
	Retry(ctx context.Context, jobID string) error

	// QueueStats reports entry counts and pause state.
	QueueStats(ctx context.Context) (QueueStats, error)

	// Pause stops the queue from handing out new entries.
	Pause(ctx context.Context) error

	// Resume reverses Pause.
	Resume(ctx context.Context) error
}

// JobServiceConfig holds configuration for JobService.
type JobServiceConfig struct {
	// DefaultAttempts is the retry budget given to new queue entries.
	DefaultAttempts int
}

// DefaultJobServiceConfig returns the default configuration.
func DefaultJobServiceConfig() JobServiceConfig {
	return JobServiceConfig{DefaultAttempts: 3}
}

type jobService struct {
	jobs    repository.JobStore
	queue   repository.Queue
	objects repository.ObjectStore
	logger  *slog.Logger

	defaultAttempts int
}

// NewJobService creates a JobService.
func NewJobService(
	jobs repository.JobStore,
	queue repository.Queue,
	objects repository.ObjectStore,
	logger *slog.Logger,
	cfg JobServiceConfig,
) JobService {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.DefaultAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &jobService{
		jobs:            jobs,
		queue:           queue,
		objects:         objects,
		logger:          logger,
		defaultAttempts: attempts,
	}
}

// Submit validates input, pre-checks the source object, persists the job
// record and enqueues a queue entry referencing it.
func (s *jobService) Submit(ctx context.Context, input SubmitInput) (*SubmitOutput, error) {
	if input.OriginalKey == "" {
		return nil, model.ErrEmptyOriginalKey
	}

	resolutions := input.Resolutions
	if len(resolutions) == 0 {
		resolutions = model.AllResolutions
	}
	for _, r := range resolutions {
		if !r.IsValid() {
			return nil, model.ErrInvalidResolution
		}
	}

	videoName := input.VideoName
	if videoName == "" {
		base := filepath.Base(input.OriginalKey)
		videoName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if !videoNamePattern.MatchString(videoName) {
		return nil, model.ErrInvalidVideoName
	}

	if input.CallbackURL != "" {
		u, err := url.Parse(input.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, model.ErrInvalidCallback
		}
	}

	// Pre-check the source key. A confirmed miss is a 404; a failed check
	// is only a warning since the object may appear before a worker runs.
	info, err := s.objects.Head(ctx, input.OriginalKey, repository.BucketSource)
	if err != nil {
		s.logger.Warn("source pre-check failed, continuing",
			slog.String("original_key", input.OriginalKey),
			slog.String("error", err.Error()),
		)
	} else if info == nil {
		return nil, ErrSourceNotFound
	}

	metadata := model.JobMetadata{
		VideoName:   videoName,
		Environment: model.DeriveEnvironment(input.CallbackURL),
		CallbackURL: input.CallbackURL,
	}

	job := model.NewJob(uuid.New().String(), input.OriginalKey, resolutions, metadata, input.Priority)
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}

	return &SubmitOutput{
		JobID:       job.JobID,
		OriginalKey: job.OriginalKey,
		VideoName:   videoName,
		Environment: metadata.Environment,
		CallbackURL: input.CallbackURL,
		Resolutions: resolutions,
	}, nil
}

func (s *jobService) enqueue(ctx context.Context, job *model.Job) error {
	opts := repository.DefaultAddOptions()
	opts.Attempts = s.defaultAttempts

	payload := model.QueuePayload{
		OriginalKey: job.OriginalKey,
		Resolutions: job.Resolutions,
		VideoName:   job.Metadata.VideoName,
		Environment: job.Metadata.Environment,
		CallbackURL: job.Metadata.CallbackURL,
	}

	if _, err := s.queue.Add(ctx, job.JobID, payload, job.Priority, opts); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *jobService) GetJob(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error) {
	return s.jobs.GetJobWithLogs(ctx, jobID)
}

func (s *jobService) ListJobs(ctx context.Context, status *model.Status, page, limit int) ([]*model.Job, error) {
	if page < 1 {
		page = 1
	}

	if status != nil {
		jobs, err := s.jobs.ListByStatus(ctx, *status)
		if err != nil {
			return nil, err
		}
		offset := (page - 1) * limit
		if limit < 1 || offset >= len(jobs) {
			return nil, nil
		}
		return jobs[offset:min(offset+limit, len(jobs))], nil
	}

	return s.jobs.List(ctx, limit, (page-1)*limit)
}

func (s *jobService) Counts(ctx context.Context) (repository.JobCounts, error) {
	return s.jobs.Counts(ctx)
}

// Cancel only affects queued jobs; an active job ignores cancellation.
func (s *jobService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatusQueued {
		return ErrJobNotCancellable
	}

	if err := s.queue.RemoveByJobID(ctx, jobID); err != nil {
		return fmt.Errorf("remove queue entry: %w", err)
	}
	if err := s.jobs.SetError(ctx, jobID, "cancelled by user"); err != nil {
		return err
	}
	return s.jobs.UpdateStatus(ctx, jobID, model.StatusFailed)
}

// Retry resets a failed job to queued and enqueues a fresh entry carrying
// the same payload.
func (s *jobService) Retry(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.StatusFailed {
		return ErrJobNotRetryable
	}

	if err := s.jobs.UpdateStatus(ctx, jobID, model.StatusQueued); err != nil {
		return err
	}
	return s.enqueue(ctx, job)
}

func (s *jobService) QueueStats(ctx context.Context) (QueueStats, error) {
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	paused, err := s.queue.IsPaused(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Counts: counts, Paused: paused}, nil
}

func (s *jobService) Pause(ctx context.Context) error {
	return s.queue.Pause(ctx)
}

func (s *jobService) Resume(ctx context.Context) error {
	return s.queue.Resume(ctx)
}
