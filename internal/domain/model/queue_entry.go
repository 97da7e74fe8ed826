package model

import "time"

// QueueEntryState is the lifecycle state of a queue entry.
type QueueEntryState string

const (
	QueueEntryWaiting   QueueEntryState = "waiting"
	QueueEntryActive    QueueEntryState = "active"
	QueueEntryCompleted QueueEntryState = "completed"
	QueueEntryFailed    QueueEntryState = "failed"
	QueueEntryDelayed   QueueEntryState = "delayed"
)

// QueuePayload is the body carried by a queue entry.
type QueuePayload struct {
	OriginalKey string       `json:"original_key"`
	Resolutions []Resolution `json:"resolutions"`
	VideoName   string       `json:"video_name"`
	Environment Environment  `json:"environment"`
	CallbackURL string       `json:"callback_url"`
}

// QueueEntry is the Queue's own record of one reservation, owned
// entirely by the Queue component; the job_id is the join key back to the
// job store's Job record.
type QueueEntry struct {
	EntryID      string
	JobID        string
	Payload      QueuePayload
	Priority     int
	AttemptsMade int
	State        QueueEntryState
	EnqueuedAt   time.Time
	ProcessedAt  *time.Time
	FinishedAt   *time.Time
	LastError    string
}
