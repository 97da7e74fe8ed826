package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hszk-dev/transcoder/internal/callback"
	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
	"github.com/hszk-dev/transcoder/internal/infrastructure/metrics"
)

// EventAdapter consumes the queue's lifecycle events and projects them into
// job-store writes, keeping the queue backend decoupled from persistence.
// It also owns terminal-failure side effects: the error message on the job
// record and the once-per-terminal-failure callback.
type EventAdapter struct {
	jobs     repository.JobStore
	notifier *callback.Client
	logger   *slog.Logger
}

// NewEventAdapter creates an EventAdapter.
func NewEventAdapter(jobs repository.JobStore, notifier *callback.Client, logger *slog.Logger) *EventAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventAdapter{jobs: jobs, notifier: notifier, logger: logger}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (a *EventAdapter) Run(ctx context.Context, events <-chan repository.LifecycleEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *EventAdapter) handle(ctx context.Context, ev repository.LifecycleEvent) {
	jobID := ev.Entry.JobID

	switch ev.Type {
	case repository.EventActive:
		// First attempt moves queued -> processing; a retry attempt finds
		// the job already processing, which is fine.
		err := a.jobs.UpdateStatus(ctx, jobID, model.StatusProcessing)
		if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
			a.logger.Error("failed to mark job processing",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}

	case repository.EventProgress:
		if err := a.jobs.UpdateProgress(ctx, jobID, ev.Progress); err != nil {
			a.logger.Warn("failed to update job progress",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}

	case repository.EventCompleted:
		// The pipeline finalizes the job record itself; nothing to project.
		metrics.JobsFinishedTotal.WithLabelValues(metrics.OutcomeCompleted).Inc()
		a.logger.Info("queue entry completed",
			slog.String("job_id", jobID),
			slog.String("entry_id", ev.Entry.EntryID),
		)

	case repository.EventFailed:
		a.handleFailed(ctx, ev)

	case repository.EventStalled:
		a.logger.Warn("queue entry stalled, returned to waiting",
			slog.String("job_id", jobID),
			slog.String("entry_id", ev.Entry.EntryID),
			slog.Int("attempts_made", ev.Entry.AttemptsMade),
		)
		a.addAttemptLog(ctx, ev, "worker stalled, entry returned to queue")
	}
}

// handleFailed distinguishes a retry-scheduled failure (entry delayed) from
// a terminal one (entry failed, attempts exhausted). Only the terminal
// failure flips the job status and fires the failure callback.
func (a *EventAdapter) handleFailed(ctx context.Context, ev repository.LifecycleEvent) {
	jobID := ev.Entry.JobID
	message := ev.Entry.LastError
	if message == "" && ev.Err != nil {
		message = ev.Err.Error()
	}

	a.addAttemptLog(ctx, ev, message)

	if ev.Entry.State != model.QueueEntryFailed {
		a.logger.Warn("job attempt failed, retry scheduled",
			slog.String("job_id", jobID),
			slog.Int("attempts_made", ev.Entry.AttemptsMade),
			slog.String("error", message),
		)
		return
	}

	metrics.JobsFinishedTotal.WithLabelValues(metrics.OutcomeFailed).Inc()

	if err := a.jobs.SetError(ctx, jobID, message); err != nil {
		a.logger.Error("failed to record job error",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	err := a.jobs.UpdateStatus(ctx, jobID, model.StatusFailed)
	if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		a.logger.Error("failed to mark job failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	// Best effort: a callback delivery problem is logged, never retried.
	payload := ev.Entry.Payload
	cbErr := a.notifier.NotifyFailure(ctx, payload.CallbackURL, callback.FailurePayload{
		JobID:       jobID,
		OriginalKey: payload.OriginalKey,
		Environment: payload.Environment,
		Error:       message,
	})
	if cbErr != nil {
		a.logger.Warn("failure callback not delivered",
			slog.String("job_id", jobID),
			slog.String("error", cbErr.Error()),
		)
	}
}

func (a *EventAdapter) addAttemptLog(ctx context.Context, ev repository.LifecycleEvent, message string) {
	err := a.jobs.AddLog(ctx, model.JobLog{
		JobID:     ev.Entry.JobID,
		Level:     model.LogLevelError,
		Message:   message,
		Stage:     string(ev.Type),
		CreatedAt: time.Now(),
	})
	if err != nil {
		a.logger.Warn("failed to append attempt log",
			slog.String("job_id", ev.Entry.JobID),
			slog.String("error", err.Error()),
		)
	}
}
