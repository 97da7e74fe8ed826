package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

func newService(jobs *mockJobStore, queue *mockQueue, objects *mockObjectStore) JobService {
	return NewJobService(jobs, queue, objects, nil, DefaultJobServiceConfig())
}

func TestSubmit_Defaults(t *testing.T) {
	var created *model.Job
	var enqueued model.QueuePayload

	jobs := &mockJobStore{
		createJobFn: func(ctx context.Context, job *model.Job) error {
			created = job
			return nil
		},
	}
	queue := &mockQueue{
		addFn: func(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts repository.AddOptions) (string, error) {
			enqueued = payload
			if opts.Attempts != 3 {
				t.Errorf("attempts = %d, want 3", opts.Attempts)
			}
			return "entry-1", nil
		},
	}

	out, err := newService(jobs, queue, &mockObjectStore{}).Submit(context.Background(), SubmitInput{
		OriginalKey: "uploads/a.mp4",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if out.VideoName != "a" {
		t.Errorf("VideoName = %q, want basename without extension", out.VideoName)
	}
	if out.Environment != model.EnvironmentProduction {
		t.Errorf("Environment = %q, want production without a staging callback", out.Environment)
	}
	if len(out.Resolutions) != len(model.AllResolutions) {
		t.Errorf("Resolutions = %v, want all five by default", out.Resolutions)
	}
	if created == nil || created.Status != model.StatusQueued {
		t.Error("job record should be created with status queued")
	}
	if enqueued.VideoName != "a" || enqueued.OriginalKey != "uploads/a.mp4" {
		t.Errorf("queue payload = %+v", enqueued)
	}
}

func TestSubmit_StagingEnvironment(t *testing.T) {
	out, err := newService(&mockJobStore{}, &mockQueue{}, &mockObjectStore{}).Submit(context.Background(), SubmitInput{
		OriginalKey: "uploads/a.mp4",
		CallbackURL: "https://stage.x/cb",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.Environment != model.EnvironmentStaging {
		t.Errorf("Environment = %q, want staging", out.Environment)
	}
}

func TestSubmit_Validation(t *testing.T) {
	svc := newService(&mockJobStore{}, &mockQueue{}, &mockObjectStore{})

	tests := []struct {
		name    string
		input   SubmitInput
		wantErr error
	}{
		{"missing key", SubmitInput{}, model.ErrEmptyOriginalKey},
		{"bad video name", SubmitInput{OriginalKey: "uploads/a.mp4", VideoName: "bad name!"}, model.ErrInvalidVideoName},
		{"bad resolution", SubmitInput{OriginalKey: "uploads/a.mp4", Resolutions: []model.Resolution{"4k"}}, model.ErrInvalidResolution},
		{"bad callback scheme", SubmitInput{OriginalKey: "uploads/a.mp4", CallbackURL: "ftp://x/cb"}, model.ErrInvalidCallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(context.Background(), tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubmit_SourceMissing(t *testing.T) {
	objects := &mockObjectStore{
		headFn: func(ctx context.Context, key string, bucket repository.Bucket) (*repository.ObjectInfo, error) {
			return nil, nil
		},
	}

	_, err := newService(&mockJobStore{}, &mockQueue{}, objects).Submit(context.Background(), SubmitInput{
		OriginalKey: "uploads/missing.mp4",
	})
	if !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("error = %v, want ErrSourceNotFound", err)
	}
}

func TestSubmit_PreCheckErrorIsTolerated(t *testing.T) {
	objects := &mockObjectStore{
		headFn: func(ctx context.Context, key string, bucket repository.Bucket) (*repository.ObjectInfo, error) {
			return nil, &repository.ObjectStoreError{Stage: repository.StageAuth, Retriable: true, Err: errors.New("timeout")}
		},
	}

	if _, err := newService(&mockJobStore{}, &mockQueue{}, objects).Submit(context.Background(), SubmitInput{
		OriginalKey: "uploads/a.mp4",
	}); err != nil {
		t.Errorf("a failed pre-check should only warn, got %v", err)
	}
}

func TestCancel_QueuedJob(t *testing.T) {
	var removed string
	var statusSet model.Status
	var errorSet string

	jobs := &mockJobStore{
		getJobFn: func(ctx context.Context, jobID string) (*model.Job, error) {
			return model.NewJob(jobID, "uploads/a.mp4", model.AllResolutions, model.JobMetadata{}, 0), nil
		},
		updateStatusFn: func(ctx context.Context, jobID string, next model.Status) error {
			statusSet = next
			return nil
		},
		setErrorFn: func(ctx context.Context, jobID, message string) error {
			errorSet = message
			return nil
		},
	}
	queue := &mockQueue{
		removeByJobIDFn: func(ctx context.Context, jobID string) error {
			removed = jobID
			return nil
		},
	}

	if err := newService(jobs, queue, &mockObjectStore{}).Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if removed != "job-1" {
		t.Error("queue entry should be removed")
	}
	if statusSet != model.StatusFailed {
		t.Errorf("status = %q, want failed", statusSet)
	}
	if errorSet != "cancelled by user" {
		t.Errorf("error message = %q", errorSet)
	}
}

func TestCancel_ProcessingJobRejected(t *testing.T) {
	jobs := &mockJobStore{
		getJobFn: func(ctx context.Context, jobID string) (*model.Job, error) {
			job := model.NewJob(jobID, "uploads/a.mp4", model.AllResolutions, model.JobMetadata{}, 0)
			_ = job.TransitionTo(model.StatusProcessing)
			return job, nil
		},
	}

	err := newService(jobs, &mockQueue{}, &mockObjectStore{}).Cancel(context.Background(), "job-1")
	if !errors.Is(err, ErrJobNotCancellable) {
		t.Errorf("error = %v, want ErrJobNotCancellable", err)
	}
}

func TestRetry_FailedJob(t *testing.T) {
	var statusSet model.Status
	var enqueuedJob string

	jobs := &mockJobStore{
		getJobFn: func(ctx context.Context, jobID string) (*model.Job, error) {
			job := model.NewJob(jobID, "uploads/a.mp4", model.AllResolutions, model.JobMetadata{VideoName: "a"}, 0)
			_ = job.TransitionTo(model.StatusProcessing)
			_ = job.TransitionTo(model.StatusFailed)
			return job, nil
		},
		updateStatusFn: func(ctx context.Context, jobID string, next model.Status) error {
			statusSet = next
			return nil
		},
	}
	queue := &mockQueue{
		addFn: func(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts repository.AddOptions) (string, error) {
			enqueuedJob = jobID
			return "entry-2", nil
		},
	}

	if err := newService(jobs, queue, &mockObjectStore{}).Retry(context.Background(), "job-1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if statusSet != model.StatusQueued {
		t.Errorf("status = %q, want queued", statusSet)
	}
	if enqueuedJob != "job-1" {
		t.Error("a fresh queue entry should be added for the job")
	}
}

func TestRetry_NonFailedJobRejected(t *testing.T) {
	jobs := &mockJobStore{
		getJobFn: func(ctx context.Context, jobID string) (*model.Job, error) {
			return model.NewJob(jobID, "uploads/a.mp4", model.AllResolutions, model.JobMetadata{}, 0), nil
		},
	}

	err := newService(jobs, &mockQueue{}, &mockObjectStore{}).Retry(context.Background(), "job-1")
	if !errors.Is(err, ErrJobNotRetryable) {
		t.Errorf("error = %v, want ErrJobNotRetryable", err)
	}
}

func TestQueueStats(t *testing.T) {
	queue := &mockQueue{
		countsFn: func(ctx context.Context) (repository.QueueCounts, error) {
			return repository.QueueCounts{Waiting: 2, Active: 1, Total: 3}, nil
		},
		isPausedFn: func(ctx context.Context) (bool, error) { return true, nil },
	}

	stats, err := newService(&mockJobStore{}, queue, &mockObjectStore{}).QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Counts.Waiting != 2 || !stats.Paused {
		t.Errorf("stats = %+v", stats)
	}
}
