package model

import "time"

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// JobLog is one append-only entry in a job's stage-annotated history.
type JobLog struct {
	ID        int64
	JobID     string
	Level     LogLevel
	Message   string
	Stage     string
	Details   string
	CreatedAt time.Time
}
