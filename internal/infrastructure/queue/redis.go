// Package queue implements a persistent, priority-ordered job queue on top
// of Redis: sorted sets for waiting/delayed/active entries (scored for
// ordering and lease expiry), and a hash for entry bodies.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
)

const (
	priorityScale = 1e15

	pollInterval  = 250 * time.Millisecond
	cleanInterval = time.Hour
	cleanMaxAge   = 24 * time.Hour

	// defaultLeaseTTL is how long an active entry may go without a
	// heartbeat before it is considered stalled. Running handlers refresh
	// their lease continuously, so this measures time-since-heartbeat, not
	// total processing time; an hours-long encode stays leased as long as
	// its worker is alive.
	defaultLeaseTTL = 5 * time.Minute
)

// entryRecord is the JSON body stored in the entries hash: the entry itself
// plus the add-time options governing its retry/retention behavior.
type entryRecord struct {
	Entry model.QueueEntry      `json:"entry"`
	Opts  repository.AddOptions `json:"opts"`
}

// RedisQueue implements repository.Queue using Redis.
type RedisQueue struct {
	client   *redis.Client
	name     string
	leaseTTL time.Duration

	events    chan repository.LifecycleEvent
	closeOnce sync.Once
	stop      chan struct{}
}

var _ repository.Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue named name over client, starting its
// background cleaning loop (interval 1h, retention 24h).
func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	q := &RedisQueue{
		client:   client,
		name:     name,
		leaseTTL: defaultLeaseTTL,
		events:   make(chan repository.LifecycleEvent, 64),
		stop:     make(chan struct{}),
	}
	go q.runCleanLoop()
	return q
}

func (q *RedisQueue) key(suffix string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, suffix)
}

func (q *RedisQueue) waitingKey() string   { return q.key("waiting") }
func (q *RedisQueue) delayedKey() string   { return q.key("delayed") }
func (q *RedisQueue) activeKey() string    { return q.key("active") }
func (q *RedisQueue) entriesKey() string   { return q.key("entries") }
func (q *RedisQueue) completedKey() string { return q.key("completed") }
func (q *RedisQueue) failedKey() string    { return q.key("failed") }
func (q *RedisQueue) pausedKey() string    { return q.key("paused") }
func (q *RedisQueue) seqKey() string       { return q.key("seq") }

// Add enqueues a new entry referencing jobID.
func (q *RedisQueue) Add(ctx context.Context, jobID string, payload model.QueuePayload, priority int, opts repository.AddOptions) (string, error) {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("queue add: sequence: %w", err)
	}

	entryID := uuid.New().String()
	record := entryRecord{
		Entry: model.QueueEntry{
			EntryID:      entryID,
			JobID:        jobID,
			Payload:      payload,
			Priority:     priority,
			AttemptsMade: 0,
			State:        model.QueueEntryWaiting,
			EnqueuedAt:   time.Now(),
		},
		Opts: opts,
	}

	if err := q.saveEntry(ctx, record); err != nil {
		return "", err
	}

	score := priorityScore(priority, seq)
	if err := q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: entryID}).Err(); err != nil {
		return "", fmt.Errorf("queue add: enqueue waiting: %w", err)
	}

	return entryID, nil
}

// priorityScore orders higher priority first, FIFO within equal priority.
func priorityScore(priority int, seq int64) float64 {
	return -float64(priority)*priorityScale + float64(seq)
}

func (q *RedisQueue) saveEntry(ctx context.Context, record entryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.client.HSet(ctx, q.entriesKey(), record.Entry.EntryID, data).Err(); err != nil {
		return fmt.Errorf("save queue entry: %w", err)
	}
	return nil
}

func (q *RedisQueue) loadEntry(ctx context.Context, entryID string) (*entryRecord, error) {
	data, err := q.client.HGet(ctx, q.entriesKey(), entryID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, repository.ErrQueueEntryNotFound
		}
		return nil, fmt.Errorf("load queue entry: %w", err)
	}
	var record entryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &record, nil
}

// Events returns a channel of lifecycle events for external subscribers.
func (q *RedisQueue) Events() <-chan repository.LifecycleEvent {
	return q.events
}

// emit delivers a lifecycle event, waiting for the subscriber if the buffer
// is full. Terminal state projection (job failed/completed) rides on these
// events, so they must not be dropped; only progress updates are expendable.
func (q *RedisQueue) emit(ev repository.LifecycleEvent) {
	select {
	case q.events <- ev:
	case <-q.stop:
	}
}

// emitProgress is best-effort: under backpressure a progress tick is dropped
// rather than stalling the worker.
func (q *RedisQueue) emitProgress(ev repository.LifecycleEvent) {
	select {
	case q.events <- ev:
	default:
	}
}

// Pause stops new entries from being reserved.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume reverses Pause.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// IsPaused reports the current pause state.
func (q *RedisQueue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.client.Exists(ctx, q.pausedKey()).Result()
	if err != nil {
		return false, fmt.Errorf("check paused: %w", err)
	}
	return n > 0, nil
}

// Counts returns aggregate entry counts by state.
func (q *RedisQueue) Counts(ctx context.Context) (repository.QueueCounts, error) {
	waiting, err := q.client.ZCard(ctx, q.waitingKey()).Result()
	if err != nil {
		return repository.QueueCounts{}, fmt.Errorf("count waiting: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return repository.QueueCounts{}, fmt.Errorf("count delayed: %w", err)
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return repository.QueueCounts{}, fmt.Errorf("count active: %w", err)
	}
	completed, err := q.client.LLen(ctx, q.completedKey()).Result()
	if err != nil {
		return repository.QueueCounts{}, fmt.Errorf("count completed: %w", err)
	}
	failed, err := q.client.LLen(ctx, q.failedKey()).Result()
	if err != nil {
		return repository.QueueCounts{}, fmt.Errorf("count failed: %w", err)
	}

	return repository.QueueCounts{
		Waiting:   int(waiting),
		Active:    int(active),
		Completed: int(completed),
		Failed:    int(failed),
		Delayed:   int(delayed),
		Total:     int(waiting + delayed + active + completed + failed),
	}, nil
}

// ActiveEntries returns all currently active entries.
func (q *RedisQueue) ActiveEntries(ctx context.Context) ([]model.QueueEntry, error) {
	ids, err := q.client.ZRange(ctx, q.activeKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}
	return q.loadEntries(ctx, ids)
}

// FailedEntries returns up to limit failed entries, most recent first.
func (q *RedisQueue) FailedEntries(ctx context.Context, limit int) ([]model.QueueEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	ids, err := q.client.LRange(ctx, q.failedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	return q.loadEntries(ctx, ids)
}

func (q *RedisQueue) loadEntries(ctx context.Context, ids []string) ([]model.QueueEntry, error) {
	entries := make([]model.QueueEntry, 0, len(ids))
	for _, id := range ids {
		record, err := q.loadEntry(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrQueueEntryNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, record.Entry)
	}
	return entries, nil
}

// Retry re-enqueues a failed entry, resetting its attempt counter.
func (q *RedisQueue) Retry(ctx context.Context, entryID string) error {
	record, err := q.loadEntry(ctx, entryID)
	if err != nil {
		return err
	}

	record.Entry.AttemptsMade = 0
	record.Entry.State = model.QueueEntryWaiting
	record.Entry.LastError = ""
	if err := q.saveEntry(ctx, *record); err != nil {
		return err
	}

	if err := q.client.LRem(ctx, q.failedKey(), 0, entryID).Err(); err != nil {
		return fmt.Errorf("retry: remove from failed list: %w", err)
	}

	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("retry: sequence: %w", err)
	}
	score := priorityScore(record.Entry.Priority, seq)
	return q.client.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: entryID}).Err()
}

// Remove deletes an entry by ID regardless of state.
func (q *RedisQueue) Remove(ctx context.Context, entryID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.waitingKey(), entryID)
	pipe.ZRem(ctx, q.delayedKey(), entryID)
	pipe.ZRem(ctx, q.activeKey(), entryID)
	pipe.LRem(ctx, q.completedKey(), 0, entryID)
	pipe.LRem(ctx, q.failedKey(), 0, entryID)
	pipe.HDel(ctx, q.entriesKey(), entryID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

// RemoveByJobID removes the waiting/delayed entry for a job.
func (q *RedisQueue) RemoveByJobID(ctx context.Context, jobID string) error {
	for _, key := range []string{q.waitingKey(), q.delayedKey()} {
		ids, err := q.client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("remove by job id: scan %s: %w", key, err)
		}
		for _, id := range ids {
			record, err := q.loadEntry(ctx, id)
			if err != nil {
				continue
			}
			if record.Entry.JobID == jobID {
				return q.Remove(ctx, id)
			}
		}
	}
	return nil
}

// Clean purges completed/failed entries older than maxAge.
func (q *RedisQueue) Clean(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	purged := 0

	for _, key := range []string{q.completedKey(), q.failedKey()} {
		ids, err := q.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return purged, fmt.Errorf("clean: scan %s: %w", key, err)
		}
		for _, id := range ids {
			record, err := q.loadEntry(ctx, id)
			if err != nil {
				continue
			}
			finishedAt := record.Entry.FinishedAt
			if finishedAt != nil && finishedAt.Before(cutoff) {
				if err := q.Remove(ctx, id); err != nil {
					return purged, err
				}
				purged++
			}
		}
	}
	return purged, nil
}

func (q *RedisQueue) runCleanLoop() {
	ticker := time.NewTicker(cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = q.Clean(context.Background(), cleanMaxAge)
		case <-q.stop:
			return
		}
	}
}

// Close stops the background loops and releases blocked event senders. The
// events channel is left open so late senders cannot panic; subscribers exit
// via their own context.
func (q *RedisQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.stop)
	})
	return nil
}

// Process registers a consumer that reserves up to concurrency entries at a
// time, invoking handler for each. It blocks until ctx is cancelled.
func (q *RedisQueue) Process(ctx context.Context, name string, concurrency int, handler repository.Handler) error {
	if concurrency <= 0 {
		concurrency = 2
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			q.promoteDelayed(ctx)
			q.reclaimStalled(ctx)

			paused, err := q.IsPaused(ctx)
			if err != nil || paused {
				continue
			}

		reserve:
			for {
				select {
				case sem <- struct{}{}:
				default:
					break reserve
				}

				entryID, ok, err := q.reserveNext(ctx)
				if err != nil || !ok {
					<-sem
					break reserve
				}

				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					defer func() { <-sem }()
					q.runEntry(ctx, id, handler)
				}(entryID)
			}
		}
	}
}

// reserveNext pops the highest-priority waiting entry and marks it active.
func (q *RedisQueue) reserveNext(ctx context.Context) (string, bool, error) {
	res, err := q.client.ZPopMin(ctx, q.waitingKey(), 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("reserve next: %w", err)
	}
	if len(res) == 0 {
		return "", false, nil
	}
	entryID, _ := res[0].Member.(string)

	expiry := float64(time.Now().Add(q.leaseTTL).UnixNano())
	if err := q.client.ZAdd(ctx, q.activeKey(), redis.Z{Score: expiry, Member: entryID}).Err(); err != nil {
		return "", false, fmt.Errorf("mark active: %w", err)
	}
	return entryID, true, nil
}

// refreshLease pushes an active entry's stall deadline out by a full lease.
// XX: only entries still in the active set are refreshed; a reclaimed or
// finished entry must not be resurrected.
func (q *RedisQueue) refreshLease(ctx context.Context, entryID string) {
	expiry := float64(time.Now().Add(q.leaseTTL).UnixNano())
	_ = q.client.ZAddXX(ctx, q.activeKey(), redis.Z{Score: expiry, Member: entryID}).Err()
}

// heartbeat keeps an entry's lease fresh while its handler runs.
func (q *RedisQueue) heartbeat(ctx context.Context, entryID string) {
	interval := q.leaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.refreshLease(ctx, entryID)
		}
	}
}

// promoteDelayed moves delayed entries whose due time has passed into waiting.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		record, err := q.loadEntry(ctx, id)
		if err != nil {
			continue
		}
		seq, err := q.client.Incr(ctx, q.seqKey()).Result()
		if err != nil {
			continue
		}
		score := priorityScore(record.Entry.Priority, seq)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: id})
		_, _ = pipe.Exec(ctx)
	}
}

// reclaimStalled returns active entries whose heartbeat lease has expired to
// waiting and emits a stalled event. The lost attempt is the one counted at
// reservation time.
func (q *RedisQueue) reclaimStalled(ctx context.Context) {
	now := float64(time.Now().UnixNano())
	ids, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		record, err := q.loadEntry(ctx, id)
		if err != nil {
			_ = q.client.ZRem(ctx, q.activeKey(), id).Err()
			continue
		}

		// The stalled attempt was already counted when the entry was
		// reserved; returning it to waiting consumes that attempt without
		// charging a second one.
		record.Entry.State = model.QueueEntryWaiting
		_ = q.saveEntry(ctx, *record)

		seq, _ := q.client.Incr(ctx, q.seqKey()).Result()
		score := priorityScore(record.Entry.Priority, seq)
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.activeKey(), id)
		pipe.ZAdd(ctx, q.waitingKey(), redis.Z{Score: score, Member: id})
		_, _ = pipe.Exec(ctx)

		q.emit(repository.LifecycleEvent{Type: repository.EventStalled, Entry: record.Entry})
	}
}

// runEntry loads the reserved entry, invokes handler, and applies the
// completion/retry/failure transition based on its outcome.
func (q *RedisQueue) runEntry(ctx context.Context, entryID string, handler repository.Handler) {
	record, err := q.loadEntry(ctx, entryID)
	if err != nil {
		_ = q.client.ZRem(ctx, q.activeKey(), entryID).Err()
		return
	}

	record.Entry.AttemptsMade++
	record.Entry.State = model.QueueEntryActive
	now := time.Now()
	record.Entry.ProcessedAt = &now
	_ = q.saveEntry(ctx, *record)

	handle := &entryHandle{q: q, entryID: entryID, entry: record.Entry}
	q.emit(repository.LifecycleEvent{Type: repository.EventActive, Entry: record.Entry})

	// Keep the lease alive while the handler runs; without this a healthy
	// long encode would be reclaimed as stalled mid-flight.
	hbCtx, hbCancel := context.WithCancel(ctx)
	go q.heartbeat(hbCtx, entryID)

	err = handler(ctx, handle)
	hbCancel()

	// A handler cut short by shutdown leaves its entry active for stall
	// reclaim; an outcome reached before shutdown is still recorded.
	if err != nil && ctx.Err() != nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	record, loadErr := q.loadEntry(ctx, entryID)
	if loadErr != nil {
		return
	}

	finished := time.Now()
	_ = q.client.ZRem(ctx, q.activeKey(), entryID).Err()

	if err == nil {
		record.Entry.State = model.QueueEntryCompleted
		record.Entry.FinishedAt = &finished
		_ = q.saveEntry(ctx, *record)
		_ = q.client.LPush(ctx, q.completedKey(), entryID).Err()
		_ = q.client.LTrim(ctx, q.completedKey(), 0, int64(record.Opts.RemoveOnComplete-1)).Err()
		q.emit(repository.LifecycleEvent{Type: repository.EventCompleted, Entry: record.Entry})
		return
	}

	record.Entry.LastError = err.Error()

	if record.Entry.AttemptsMade < record.Opts.Attempts {
		delay := computeBackoffDelay(record.Opts.Backoff.BaseMs, record.Entry.AttemptsMade)
		record.Entry.State = model.QueueEntryDelayed
		_ = q.saveEntry(ctx, *record)

		due := float64(time.Now().Add(delay).UnixNano())
		_ = q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: entryID}).Err()
		q.emit(repository.LifecycleEvent{Type: repository.EventFailed, Entry: record.Entry, Err: err})
		return
	}

	record.Entry.State = model.QueueEntryFailed
	record.Entry.FinishedAt = &finished
	_ = q.saveEntry(ctx, *record)
	_ = q.client.LPush(ctx, q.failedKey(), entryID).Err()
	_ = q.client.LTrim(ctx, q.failedKey(), 0, int64(record.Opts.RemoveOnFail-1)).Err()
	q.emit(repository.LifecycleEvent{Type: repository.EventFailed, Entry: record.Entry, Err: err})
}

// entryHandle implements repository.EntryHandle, letting handlers report
// incremental progress that is relayed as lifecycle events.
type entryHandle struct {
	q       *RedisQueue
	entryID string
	entry   model.QueueEntry
}

func (h *entryHandle) Entry() model.QueueEntry {
	return h.entry
}

func (h *entryHandle) Progress(p int) {
	// A progress report doubles as a heartbeat.
	h.q.refreshLease(context.Background(), h.entryID)
	h.q.emitProgress(repository.LifecycleEvent{Type: repository.EventProgress, Entry: h.entry, Progress: p})
}

// computeBackoffDelay returns base_ms x 2^(attemptsMade-1) using
// backoff.ExponentialBackOff with randomization disabled, giving a
// deterministic doubling sequence for retry delays.
func computeBackoffDelay(baseMs int64, attemptsMade int) time.Duration {
	if attemptsMade <= 0 {
		return time.Duration(baseMs) * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(baseMs) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attemptsMade; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
