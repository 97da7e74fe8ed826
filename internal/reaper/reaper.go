// Package reaper periodically sweeps the scratch directory, deleting job
// directories whose work is long since finished and orphans with no
// checkpoint at all.
package reaper

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hszk-dev/transcoder/internal/domain/model"
	"github.com/hszk-dev/transcoder/internal/infrastructure/checkpoint"
)

// Retention thresholds: completed jobs are reclaimed quickly, failed ones
// linger a day for operator inspection.
const (
	CompletedRetention = time.Hour
	FailedRetention    = 24 * time.Hour

	DefaultInterval = time.Hour
)

// Reaper sweeps the scratch root on a fixed interval.
type Reaper struct {
	scratchRoot string
	checkpoints *checkpoint.Store
	interval    time.Duration
	logger      *slog.Logger

	// now is swapped in tests to control the clock.
	now func() time.Time
}

// New creates a Reaper over scratchRoot.
func New(scratchRoot string, checkpoints *checkpoint.Store, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		scratchRoot: scratchRoot,
		checkpoints: checkpoints,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
	}
}

// Run sweeps once immediately, then on every interval tick until ctx is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.sweepAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAndLog(ctx)
		}
	}
}

func (r *Reaper) sweepAndLog(ctx context.Context) {
	removed, freed, err := r.Sweep(ctx)
	if err != nil {
		r.logger.Error("scratch sweep failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		r.logger.Info("scratch sweep finished",
			slog.Int("directories_removed", removed),
			slog.Int64("bytes_freed", freed),
		)
	}
}

// Sweep scans the scratch root once, returning how many job directories were
// removed and how many bytes they held.
func (r *Reaper) Sweep(ctx context.Context) (int, int64, error) {
	entries, err := os.ReadDir(r.scratchRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	removed := 0
	var freed int64

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, freed, ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		dir := filepath.Join(r.scratchRoot, jobID)

		if !r.checkpoints.Exists(jobID) {
			freed += dirSize(dir)
			if err := os.RemoveAll(dir); err != nil {
				r.logger.Warn("failed to remove orphan directory",
					slog.String("dir", dir),
					slog.String("error", err.Error()),
				)
				continue
			}
			removed++
			continue
		}

		st, err := r.checkpoints.Load(jobID)
		if err != nil {
			r.logger.Warn("unreadable checkpoint, skipping",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if !r.expired(st) {
			continue
		}

		freed += dirSize(dir)
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove job directory",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}

	return removed, freed, nil
}

func (r *Reaper) expired(st *checkpoint.State) bool {
	age := r.now().Sub(st.UpdatedAt)
	switch st.Stage {
	case model.StageCompleted:
		return age > CompletedRetention
	case model.StageFailed:
		return age > FailedRetention
	default:
		// An in-flight job's directory belongs to its worker.
		return false
	}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
