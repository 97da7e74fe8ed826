package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

func setupTestQueue(t *testing.T) (*RedisQueue, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueue(client, "transcode")

	cleanup := func() {
		q.Close()
		client.Close()
		mr.Close()
	}

	return q, cleanup
}

func testPayload() model.QueuePayload {
	return model.QueuePayload{
		OriginalKey: "videos/in.mp4",
		Resolutions: []model.Resolution{model.Resolution720p},
		VideoName:   "in.mp4",
		Environment: model.EnvironmentProduction,
	}
}

func TestRedisQueue_AddAndCounts(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	entryID, err := q.Add(ctx, "job-1", testPayload(), 5, repository.DefaultAddOptions())
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if entryID == "" {
		t.Fatal("expected a non-empty entry ID")
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Waiting != 1 || counts.Total != 1 {
		t.Errorf("Counts() = %+v, want Waiting=1 Total=1", counts)
	}
}

func TestRedisQueue_PriorityOrdering(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := q.Add(ctx, "job-low", testPayload(), 1, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := q.Add(ctx, "job-high", testPayload(), 10, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := q.Add(ctx, "job-mid", testPayload(), 5, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		entryID, ok, err := q.reserveNext(ctx)
		if err != nil || !ok {
			t.Fatalf("reserveNext() failed at %d: ok=%v err=%v", i, ok, err)
		}
		record, err := q.loadEntry(ctx, entryID)
		if err != nil {
			t.Fatalf("loadEntry() failed: %v", err)
		}
		order = append(order, record.Entry.JobID)
	}

	want := []string{"job-high", "job-mid", "job-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("reservation order = %v, want %v", order, want)
		}
	}
}

func TestRedisQueue_FIFOWithinEqualPriority(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := q.Add(ctx, "job-first", testPayload(), 5, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if _, err := q.Add(ctx, "job-second", testPayload(), 5, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	entryID, ok, err := q.reserveNext(ctx)
	if err != nil || !ok {
		t.Fatalf("reserveNext() failed: ok=%v err=%v", ok, err)
	}
	record, err := q.loadEntry(ctx, entryID)
	if err != nil {
		t.Fatalf("loadEntry() failed: %v", err)
	}
	if record.Entry.JobID != "job-first" {
		t.Errorf("reserved job = %s, want job-first", record.Entry.JobID)
	}
}

func TestRedisQueue_ProcessCompletesEntry(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := q.Add(ctx, "job-1", testPayload(), 0, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	processed := make(chan string, 1)
	go func() {
		_ = q.Process(runCtx, "transcode", 2, func(ctx context.Context, entry repository.EntryHandle) error {
			entry.Progress(50)
			processed <- entry.Entry().JobID
			return nil
		})
	}()

	select {
	case jobID := <-processed:
		if jobID != "job-1" {
			t.Errorf("processed job = %s, want job-1", jobID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to run")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		counts, err := q.Counts(context.Background())
		if err != nil {
			t.Fatalf("Counts() failed: %v", err)
		}
		if counts.Completed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("entry never reached completed state: %+v", counts)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestRedisQueue_ProcessRetriesOnFailure(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	opts := repository.DefaultAddOptions()
	opts.Attempts = 2
	opts.Backoff.BaseMs = 1

	if _, err := q.Add(ctx, "job-1", testPayload(), 0, opts); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var attempts int
	done := make(chan struct{})
	go func() {
		_ = q.Process(runCtx, "transcode", 1, func(ctx context.Context, entry repository.EntryHandle) error {
			attempts++
			if attempts < 2 {
				return errors.New("transient failure")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not succeed after retry, attempts=%d", attempts)
	}
	cancel()

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRedisQueue_PauseResume(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause() failed: %v", err)
	}
	paused, err := q.IsPaused(ctx)
	if err != nil || !paused {
		t.Fatalf("IsPaused() = %v, %v, want true, nil", paused, err)
	}

	if err := q.Resume(ctx); err != nil {
		t.Fatalf("Resume() failed: %v", err)
	}
	paused, err = q.IsPaused(ctx)
	if err != nil || paused {
		t.Fatalf("IsPaused() = %v, %v, want false, nil", paused, err)
	}
}

func TestRedisQueue_RemoveByJobID(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := q.Add(ctx, "job-1", testPayload(), 0, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	if err := q.RemoveByJobID(ctx, "job-1"); err != nil {
		t.Fatalf("RemoveByJobID() failed: %v", err)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	if counts.Total != 0 {
		t.Errorf("Counts() = %+v, want all zero after removal", counts)
	}
}

func TestRedisQueue_FailedEntriesAfterExhaustion(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	opts := repository.DefaultAddOptions()
	opts.Attempts = 1
	opts.Backoff.BaseMs = 1

	if _, err := q.Add(ctx, "job-1", testPayload(), 0, opts); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	go func() {
		_ = q.Process(runCtx, "transcode", 1, func(ctx context.Context, entry repository.EntryHandle) error {
			return errors.New("permanent failure")
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		entries, err := q.FailedEntries(context.Background(), 10)
		if err != nil {
			t.Fatalf("FailedEntries() failed: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].JobID != "job-1" {
				t.Errorf("failed entry job = %s, want job-1", entries[0].JobID)
			}
			if entries[0].LastError == "" {
				t.Error("expected LastError to be recorded")
			}
			cancel()
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry never reached failed state")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestComputeBackoffDelay(t *testing.T) {
	tests := []struct {
		attemptsMade int
		want         time.Duration
	}{
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
	}

	for _, tt := range tests {
		got := computeBackoffDelay(2000, tt.attemptsMade)
		if got != tt.want {
			t.Errorf("computeBackoffDelay(2000, %d) = %v, want %v", tt.attemptsMade, got, tt.want)
		}
	}
}

func TestRedisQueue_HeartbeatKeepsSlowHandlerLeased(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()
	ctx := context.Background()

	// Lease far shorter than the handler's runtime: without heartbeats the
	// entry would be reclaimed as stalled mid-run.
	q.leaseTTL = 300 * time.Millisecond

	if _, err := q.Add(ctx, "job-slow", testPayload(), 0, repository.DefaultAddOptions()); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stalled := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev := <-q.Events():
				if ev.Type == repository.EventStalled {
					select {
					case stalled <- struct{}{}:
					default:
					}
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	var runs int
	done := make(chan struct{})
	go func() {
		_ = q.Process(runCtx, "transcode", 1, func(ctx context.Context, entry repository.EntryHandle) error {
			runs++
			time.Sleep(1200 * time.Millisecond)
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("slow handler never finished")
	}
	cancel()

	select {
	case <-stalled:
		t.Error("healthy slow handler was reclaimed as stalled")
	default:
	}
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1 (no concurrent re-dispatch)", runs)
	}

	record, err := q.loadEntry(context.Background(), mustOnlyEntryID(t, q))
	if err != nil {
		t.Fatalf("loadEntry() failed: %v", err)
	}
	if record.Entry.AttemptsMade != 1 {
		t.Errorf("AttemptsMade = %d, want 1 for a single slow run", record.Entry.AttemptsMade)
	}
}

// mustOnlyEntryID returns the single entry ID present in the entries hash.
func mustOnlyEntryID(t *testing.T, q *RedisQueue) string {
	t.Helper()
	ids, err := q.client.HKeys(context.Background(), q.entriesKey()).Result()
	if err != nil || len(ids) != 1 {
		t.Fatalf("entries hash: ids=%v err=%v, want exactly one", ids, err)
	}
	return ids[0]
}

func TestRedisQueue_TerminalEventSurvivesFullBuffer(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()

	entry := model.QueueEntry{EntryID: "entry-1", JobID: "job-1", State: model.QueueEntryFailed}

	// Saturate the buffer with droppable progress ticks.
	for i := 0; i < 100; i++ {
		q.emitProgress(repository.LifecycleEvent{Type: repository.EventProgress, Entry: entry, Progress: i})
	}

	delivered := make(chan struct{})
	go func() {
		q.emit(repository.LifecycleEvent{Type: repository.EventFailed, Entry: entry})
		close(delivered)
	}()

	// The blocked terminal event must arrive once the subscriber drains.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-q.Events():
			if ev.Type == repository.EventFailed {
				select {
				case <-delivered:
				case <-time.After(time.Second):
					t.Fatal("emit did not return after delivery")
				}
				return
			}
		case <-deadline:
			t.Fatal("terminal failed event was dropped")
		}
	}
}

func TestRedisQueue_EmitProgressDropsWhenFull(t *testing.T) {
	q, cleanup := setupTestQueue(t)
	defer cleanup()

	entry := model.QueueEntry{EntryID: "entry-1", JobID: "job-1"}

	done := make(chan struct{})
	go func() {
		// Far more ticks than the buffer holds; must never block.
		for i := 0; i < 500; i++ {
			q.emitProgress(repository.LifecycleEvent{Type: repository.EventProgress, Entry: entry, Progress: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitProgress blocked on a full buffer")
	}
}
