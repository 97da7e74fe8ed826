// Package checkpoint persists per-job pipeline progress to a local file so a
// crashed worker can resume a job instead of starting over.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

// UploadedFile is one artifact the pipeline has already placed in the output
// bucket; recorded so a resumed run can skip re-uploading it.
type UploadedFile struct {
	Name string `json:"name"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// VideoInfo mirrors the probed source video's characteristics.
type VideoInfo struct {
	DurationSecs float64 `json:"duration_secs"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	BitrateKbps  int     `json:"bitrate_kbps"`
	Codec        string  `json:"codec"`
	SizeBytes    int64   `json:"size_bytes"`
}

// State is the whole-file JSON document persisted at
// {scratch_root}/{job_id}/job_state.json.
type State struct {
	JobID                string             `json:"job_id"`
	Stage                model.Stage        `json:"stage"`
	CompletedResolutions []model.Resolution `json:"completed_resolutions"`
	UploadedFiles        []UploadedFile     `json:"uploaded_files"`
	VideoInfo            *VideoInfo         `json:"video_info,omitempty"`
	ValidResolutions     []model.Resolution `json:"valid_resolutions"`
	ThumbnailPaths       []string           `json:"thumbnail_paths"`
	DownloadedFile       string             `json:"downloaded_file,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// New creates the initial in-memory state for a job. It is not persisted
// until Save is called.
func New(jobID string) *State {
	return &State{
		JobID:                jobID,
		Stage:                model.StageInitialized,
		CompletedResolutions: []model.Resolution{},
		UploadedFiles:        []UploadedFile{},
		ValidResolutions:     []model.Resolution{},
		ThumbnailPaths:       []string{},
		UpdatedAt:            time.Now(),
	}
}

// IsStageCompleted reports whether the recorded stage is strictly past s.
func (s *State) IsStageCompleted(stage model.Stage) bool {
	return s.Stage.IsAfter(stage)
}

// AddUploadedFile appends f, idempotent by key.
func (s *State) AddUploadedFile(f UploadedFile) {
	for _, existing := range s.UploadedFiles {
		if existing.Key == f.Key {
			return
		}
	}
	s.UploadedFiles = append(s.UploadedFiles, f)
}

// HasUploadedKey reports whether key has already been recorded as uploaded.
func (s *State) HasUploadedKey(key string) bool {
	for _, f := range s.UploadedFiles {
		if f.Key == key {
			return true
		}
	}
	return false
}

// AddCompletedResolution appends r, idempotent by value.
func (s *State) AddCompletedResolution(r model.Resolution) {
	for _, existing := range s.CompletedResolutions {
		if existing == r {
			return
		}
	}
	s.CompletedResolutions = append(s.CompletedResolutions, r)
}

// HasCompletedResolution reports whether r is already recorded as completed.
func (s *State) HasCompletedResolution(r model.Resolution) bool {
	for _, existing := range s.CompletedResolutions {
		if existing == r {
			return true
		}
	}
	return false
}

// DurationSecs returns the probed source duration, or 0 when the source was
// never analyzed.
func (s *State) DurationSecs() float64 {
	if s.VideoInfo == nil {
		return 0
	}
	return s.VideoInfo.DurationSecs
}

// TotalUploadedSize sums the size of every recorded uploaded file.
func (s *State) TotalUploadedSize() int64 {
	var total int64
	for _, f := range s.UploadedFiles {
		total += f.Size
	}
	return total
}

// Store reads and writes State under a scratch root directory, one file per
// job. The owning pipeline goroutine is the only writer; other readers (the
// reaper) must treat the file as read-only.
type Store struct {
	scratchRoot string
}

// NewStore creates a Store rooted at scratchRoot.
func NewStore(scratchRoot string) *Store {
	return &Store{scratchRoot: scratchRoot}
}

// JobDir returns the scratch directory for jobID.
func (st *Store) JobDir(jobID string) string {
	return filepath.Join(st.scratchRoot, jobID)
}

func (st *Store) statePath(jobID string) string {
	return filepath.Join(st.JobDir(jobID), "job_state.json")
}

// Load reads the checkpoint for jobID, or returns a fresh State if none
// exists yet on disk.
func (st *Store) Load(jobID string) (*State, error) {
	data, err := os.ReadFile(st.statePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return New(jobID), nil
		}
		return nil, fmt.Errorf("read checkpoint for %s: %w", jobID, err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode checkpoint for %s: %w", jobID, err)
	}
	return &s, nil
}

// Save writes s as the whole file, fsync'd, under the job's scratch directory.
func (st *Store) Save(s *State) error {
	s.UpdatedAt = time.Now()

	dir := st.JobDir(s.JobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create scratch dir for %s: %w", s.JobID, err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint for %s: %w", s.JobID, err)
	}

	tmpPath := st.statePath(s.JobID) + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open checkpoint temp file for %s: %w", s.JobID, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write checkpoint for %s: %w", s.JobID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fsync checkpoint for %s: %w", s.JobID, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close checkpoint temp file for %s: %w", s.JobID, err)
	}

	if err := os.Rename(tmpPath, st.statePath(s.JobID)); err != nil {
		return fmt.Errorf("install checkpoint for %s: %w", s.JobID, err)
	}
	return nil
}

// Delete removes the job's entire scratch directory, including its
// checkpoint file.
func (st *Store) Delete(jobID string) error {
	return os.RemoveAll(st.JobDir(jobID))
}

// Exists reports whether a checkpoint file is present for jobID.
func (st *Store) Exists(jobID string) bool {
	_, err := os.Stat(st.statePath(jobID))
	return err == nil
}
