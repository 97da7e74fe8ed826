package repository

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the job store.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when attempting to create a job that already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrObjectNotFound is returned when an object cannot be found in storage.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the specified bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrQueueEntryNotFound is returned when a queue entry cannot be found.
	ErrQueueEntryNotFound = errors.New("queue entry not found")

	// ErrQueuePaused names the paused state. RedisQueue does not return it:
	// Add accepts entries while paused and Process only stops reserving them.
	ErrQueuePaused = errors.New("queue is paused")
)
