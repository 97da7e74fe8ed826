package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

// mockJobStore records the writes the pipeline and adapter issue.
type mockJobStore struct {
	mu          sync.Mutex
	logs        []model.JobLog
	statuses    []model.Status
	progresses  []int
	errors      []string
	completed   []string
	completeErr error
	job         *model.Job
}

var _ repository.JobStore = (*mockJobStore)(nil)

func (m *mockJobStore) CreateJob(ctx context.Context, job *model.Job) error { return nil }

func (m *mockJobStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if m.job == nil {
		return nil, repository.ErrJobNotFound
	}
	return m.job, nil
}

func (m *mockJobStore) GetJobWithLogs(ctx context.Context, jobID string) (*model.Job, []model.JobLog, error) {
	job, err := m.GetJob(ctx, jobID)
	return job, m.logs, err
}

func (m *mockJobStore) UpdateStatus(ctx context.Context, jobID string, next model.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, next)
	return nil
}

func (m *mockJobStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progresses = append(m.progresses, progress)
	return nil
}

func (m *mockJobStore) SetError(ctx context.Context, jobID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, message)
	return nil
}

func (m *mockJobStore) CompleteJob(ctx context.Context, jobID, outputKey string, fileSize int64, durationSecs float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed = append(m.completed, outputKey)
	return nil
}

func (m *mockJobStore) List(ctx context.Context, limit, offset int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobStore) Counts(ctx context.Context) (repository.JobCounts, error) {
	return repository.JobCounts{}, nil
}

func (m *mockJobStore) Recent(ctx context.Context, limit int) ([]*model.Job, error) {
	return nil, nil
}

func (m *mockJobStore) AddLog(ctx context.Context, log model.JobLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *mockJobStore) GetLogs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	return m.logs, nil
}

func (m *mockJobStore) GetRecentLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	return m.logs, nil
}

func (m *mockJobStore) GetErrorLogs(ctx context.Context, limit int) ([]model.JobLog, error) {
	return nil, nil
}

func (m *mockJobStore) DeleteJob(ctx context.Context, jobID string) error { return nil }

func (m *mockJobStore) logsWithLevel(level model.LogLevel) []model.JobLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.JobLog
	for _, l := range m.logs {
		if l.Level == level {
			out = append(out, l)
		}
	}
	return out
}

// mockObjectStore keeps uploaded keys in memory and fabricates downloads.
type mockObjectStore struct {
	mu          sync.Mutex
	uploads     map[string]int64
	uploadOrder []string
	downloadErr error
	uploadErr   error
	deleted     []string
}

var _ repository.ObjectStore = (*mockObjectStore)(nil)

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{uploads: map[string]int64{}}
}

func (m *mockObjectStore) Download(ctx context.Context, key, localPath string, bucket repository.Bucket) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	return os.WriteFile(localPath, []byte("source-video-bytes"), 0644)
}

func (m *mockObjectStore) Upload(ctx context.Context, localPath, key, contentType string, bucket repository.Bucket) (*repository.UploadResult, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.uploads[key] = info.Size()
	m.uploadOrder = append(m.uploadOrder, key)
	m.mu.Unlock()
	return &repository.UploadResult{Size: info.Size(), ETag: "etag", UploadedAt: time.Now()}, nil
}

func (m *mockObjectStore) Head(ctx context.Context, key string, bucket repository.Bucket) (*repository.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size, ok := m.uploads[key]; ok {
		return &repository.ObjectInfo{Key: key, Size: size}, nil
	}
	return nil, nil
}

func (m *mockObjectStore) List(ctx context.Context, prefix string, max int, bucket repository.Bucket) ([]repository.ObjectInfo, error) {
	return nil, nil
}

func (m *mockObjectStore) Delete(ctx context.Context, key string, bucket repository.Bucket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	delete(m.uploads, key)
	return nil
}

func (m *mockObjectStore) PublicURL(key string, bucket repository.Bucket) string {
	return "https://cdn.example/" + key
}

func (m *mockObjectStore) uploadCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.uploadOrder {
		if k == key {
			n++
		}
	}
	return n
}

// mockEncoder fabricates rendition directories and thumbnails on disk.
type mockEncoder struct {
	mu           sync.Mutex
	probe        repository.ProbeResult
	probeErr     error
	transcoded   []model.Resolution
	transcodeErr map[model.Resolution]error
	thumbErr     error
	segments     int
}

var _ repository.Encoder = (*mockEncoder)(nil)

func newMockEncoder(width, height int) *mockEncoder {
	return &mockEncoder{
		probe: repository.ProbeResult{
			DurationSecs: 42.5,
			Width:        width,
			Height:       height,
			BitrateKbps:  3000,
			Codec:        "h264",
			SizeBytes:    1 << 20,
		},
		segments: 3,
	}
}

func (m *mockEncoder) Probe(ctx context.Context, path string) (*repository.ProbeResult, error) {
	if m.probeErr != nil {
		return nil, m.probeErr
	}
	probe := m.probe
	return &probe, nil
}

func (m *mockEncoder) TranscodeHLS(ctx context.Context, input, outputDir string, profile model.EncodingProfile, progress repository.ProgressFunc) error {
	if err := m.transcodeErr[profile.Resolution]; err != nil {
		return err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outputDir, "index.m3u8"), []byte("#EXTM3U\n"), 0644); err != nil {
		return err
	}
	for i := 0; i < m.segments; i++ {
		name := fmt.Sprintf("index-%05d.ts", i)
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte("segment"), 0644); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(50)
		progress(100)
	}
	m.mu.Lock()
	m.transcoded = append(m.transcoded, profile.Resolution)
	m.mu.Unlock()
	return nil
}

func (m *mockEncoder) Thumbnail(ctx context.Context, input, outputPath string, timestampSecs float64, width, height int) error {
	if m.thumbErr != nil {
		return m.thumbErr
	}
	return os.WriteFile(outputPath, []byte("thumb"), 0644)
}

// mockHandle satisfies repository.EntryHandle for driving Handle directly.
type mockHandle struct {
	entry      model.QueueEntry
	mu         sync.Mutex
	progresses []int
}

func (h *mockHandle) Entry() model.QueueEntry { return h.entry }

func (h *mockHandle) Progress(p int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progresses = append(h.progresses, p)
}

func (h *mockHandle) lastProgress() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.progresses) == 0 {
		return -1
	}
	return h.progresses[len(h.progresses)-1]
}
