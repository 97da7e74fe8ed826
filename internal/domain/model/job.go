package model

import (
	"errors"
	"time"
)

var (
	ErrEmptyOriginalKey  = errors.New("original key cannot be empty")
	ErrNoResolutions     = errors.New("at least one resolution must be requested")
	ErrInvalidResolution = errors.New("resolution is not in the supported set")
	ErrInvalidVideoName  = errors.New("videoName must contain only alphanumeric characters, hyphens, and underscores")
	ErrInvalidCallback   = errors.New("callback_url must be an http or https URL")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Job is the durable record of one transcoding request.
type Job struct {
	JobID        string
	OriginalKey  string
	OutputKey    string
	Status       Status
	Progress     int
	ErrorMessage string
	Resolutions  []Resolution
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FileSize     int64
	DurationSecs float64
	Metadata     JobMetadata
	Priority     int
}

// NewJob constructs a queued job from validated submission input.
func NewJob(jobID, originalKey string, resolutions []Resolution, metadata JobMetadata, priority int) *Job {
	return &Job{
		JobID:       jobID,
		OriginalKey: originalKey,
		Status:      StatusQueued,
		Progress:    0,
		Resolutions: resolutions,
		CreatedAt:   time.Now(),
		Metadata:    metadata,
		Priority:    priority,
	}
}

// TransitionTo attempts to change the job status, enforcing the legal
// transition set and the started_at/completed_at invariants.
func (j *Job) TransitionTo(next Status) error {
	if !next.IsValid() {
		return ErrInvalidTransition
	}
	if !j.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}

	now := time.Now()
	switch next {
	case StatusProcessing:
		j.StartedAt = &now
	case StatusCompleted, StatusFailed:
		j.CompletedAt = &now
	case StatusQueued:
		// Retry: reset progress and error, clear completion markers.
		j.Progress = 0
		j.ErrorMessage = ""
		j.StartedAt = nil
		j.CompletedAt = nil
	}

	j.Status = next
	return nil
}

// IsTerminal reports whether the job has reached a state with no further
// automatic transitions (completed or failed).
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
