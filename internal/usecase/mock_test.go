package usecase

import (
	"context"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

// mockJobStore provides a configurable mock for JobStore.
type mockJobStore struct {
	createJobFn      func(ctx context.Context, job *model.Job) error
	getJobFn         func(ctx context.Context, jobID string) (*model.Job, error)
	getJobWithLogsFn func(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error)
	updateStatusFn   func(ctx context.Context, jobID string, next model.Status) error
	setErrorFn       func(ctx context.Context, jobID, message string) error
	listFn           func(ctx context.Context, limit, offset int) ([]*model.Job, error)
	listByStatusFn   func(ctx context.Context, status model.Status) ([]*model.Job, error)
	countsFn         func(ctx context.Context) (repository.JobCounts, error)
}

func (m *mockJobStore) CreateJob(ctx context.Context, job *model.Job) error {
	if m.createJobFn != nil {
		return m.createJobFn(ctx, job)
	}
	return nil
}

func (m *mockJobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if m.getJobFn != nil {
		return m.getJobFn(ctx, jobID)
	}
	return nil, repository.ErrJobNotFound
}

func (m *mockJobStore) GetJobWithLogs(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error) {
	if m.getJobWithLogsFn != nil {
		return m.getJobWithLogsFn(ctx, jobID)
	}
	return nil, nil, repository.ErrJobNotFound
}

func (m *mockJobStore) UpdateStatus(ctx context.Context, jobID string, next model.Status) error {
	if m.updateStatusFn != nil {
		return m.updateStatusFn(ctx, jobID, next)
	}
	return nil
}

func (m *mockJobStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return nil
}

func (m *mockJobStore) SetError(ctx context.Context, jobID, message string) error {
	if m.setErrorFn != nil {
		return m.setErrorFn(ctx, jobID, message)
	}
	return nil
}

func (m *mockJobStore) CompleteJob(ctx context.Context, jobID, outputKey string, fileSize int64, durationSecs float64) error {
	return nil
}

func (m *mockJobStore) List(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit, offset)
	}
	return nil, nil
}

func (m *mockJobStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Job, error) {
	if m.listByStatusFn != nil {
		return m.listByStatusFn(ctx, status)
	}
	return nil, nil
}

func (m *mockJobStore) Counts(ctx context.Context) (repository.JobCounts, error) {
	if m.countsFn != nil {
		return m.countsFn(ctx)
	}
	return repository.JobCounts{}, nil
}

func (m *mockJobStore) Recent(ctx context.Context, limit int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobStore) AddLog(ctx context.Context, log model.JobLog) error { return nil }

func (m *mockJobStore) GetLogs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	return nil, nil
}

func (m *mockJobStore) GetRecentLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	return nil, nil
}

func (m *mockJobStore) GetErrorLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	return nil, nil
}

func (m *mockJobStore) DeleteJob(ctx context.Context, jobID string) error { return nil }

// mockQueue provides a configurable mock for Queue.
type mockQueue struct {
	addFn           func(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts repository.AddOptions) (string, error)
	removeByJobIDFn func(ctx context.Context, jobID string) error
	countsFn        func(ctx context.Context) (repository.QueueCounts, error)
	isPausedFn      func(ctx context.Context) (bool, error)
	pauseFn         func(ctx context.Context) error
	resumeFn        func(ctx context.Context) error
}

func (m *mockQueue) Add(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts repository.AddOptions) (string, error) {
	if m.addFn != nil {
		return m.addFn(ctx, jobID, payload, priority, opts)
	}
	return "entry-1", nil
}

func (m *mockQueue) Process(ctx context.Context, name string, concurrency int, handler repository.Handler) error {
	return nil
}

func (m *mockQueue) Events() <-chan repository.LifecycleEvent { return nil }

func (m *mockQueue) Pause(ctx context.Context) error {
	if m.pauseFn != nil {
		return m.pauseFn(ctx)
	}
	return nil
}

func (m *mockQueue) Resume(ctx context.Context) error {
	if m.resumeFn != nil {
		return m.resumeFn(ctx)
	}
	return nil
}

func (m *mockQueue) IsPaused(ctx context.Context) (bool, error) {
	if m.isPausedFn != nil {
		return m.isPausedFn(ctx)
	}
	return false, nil
}

func (m *mockQueue) Counts(ctx context.Context) (repository.QueueCounts, error) {
	if m.countsFn != nil {
		return m.countsFn(ctx)
	}
	return repository.QueueCounts{}, nil
}

func (m *mockQueue) ActiveEntries(ctx context.Context) ([]model.QueueEntry, error) {
	return nil, nil
}

func (m *mockQueue) FailedEntries(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	return nil, nil
}

func (m *mockQueue) Retry(ctx context.Context, entryID string) error { return nil }

func (m *mockQueue) Remove(ctx context.Context, entryID string) error { return nil }

func (m *mockQueue) RemoveByJobID(ctx context.Context, jobID string) error {
	if m.removeByJobIDFn != nil {
		return m.removeByJobIDFn(ctx, jobID)
	}
	return nil
}

func (m *mockQueue) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (m *mockQueue) Close() error { return nil }

// mockObjectStore provides a configurable mock for ObjectStore.
type mockObjectStore struct {
	headFn func(ctx context.Context, key string, bucket repository.Bucket) (*repository.ObjectInfo, error)
}

func (m *mockObjectStore) Download(ctx context.Context, key, localPath string, bucket repository.Bucket) error {
	return nil
}

func (m *mockObjectStore) Upload(ctx context.Context, localPath, key, contentType string, bucket repository.Bucket) (*repository.UploadResult, error) {
	return &repository.UploadResult{}, nil
}

func (m *mockObjectStore) Head(ctx context.Context, key string, bucket repository.Bucket) (*repository.ObjectInfo, error) {
	if m.headFn != nil {
		return m.headFn(ctx, key, bucket)
	}
	return &repository.ObjectInfo{Key: key, Size: 1}, nil
}

func (m *mockObjectStore) List(ctx context.Context, prefix string, max int, bucket repository.Bucket) ([]repository.ObjectInfo, error) {
	return nil, nil
}

func (m *mockObjectStore) Delete(ctx context.Context, key string, bucket repository.Bucket) error {
	return nil
}

func (m *mockObjectStore) PublicURL(key string, bucket repository.Bucket) string { return "" }
