package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/transcoder/internal/callback"
	"github.com/hszk-dev/transcoder/internal/config"
	"github.com/hszk-dev/transcoder/internal/domain/repository"
	"github.com/hszk-dev/transcoder/internal/infrastructure/checkpoint"
	"github.com/hszk-dev/transcoder/internal/infrastructure/encoder"
	"github.com/hszk-dev/transcoder/internal/infrastructure/metrics"
	"github.com/hszk-dev/transcoder/internal/infrastructure/objectstore"
	"github.com/hszk-dev/transcoder/internal/infrastructure/postgres"
	"github.com/hszk-dev/transcoder/internal/infrastructure/queue"
	"github.com/hszk-dev/transcoder/internal/pipeline"
	"github.com/hszk-dev/transcoder/internal/reaper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Worker.ScratchDir, 0755); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}

	// Initialize infrastructure clients; order matters: job store first,
	// then queue, then the consumers on top.
	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	objectClient, err := objectstore.NewClient(objectstore.ClientConfig{
		Endpoint:      cfg.ObjectStore.Endpoint,
		AccessKey:     cfg.ObjectStore.KeyID,
		SecretKey:     cfg.ObjectStore.ApplicationKey,
		SourceBucket:  cfg.ObjectStore.SourceBucket,
		OutputBucket:  cfg.ObjectStore.OutputBucket,
		UseSSL:        cfg.ObjectStore.UseSSL,
		PublicURLBase: cfg.ObjectStore.PublicURLBase,
	})
	if err != nil {
		return fmt.Errorf("failed to create object-store client: %w", err)
	}

	transcodeQueue := queue.NewRedisQueue(redisClient, "transcode")
	defer func() { _ = transcodeQueue.Close() }()

	jobStore := postgres.NewJobStore(pgClient.Pool())
	checkpoints := checkpoint.NewStore(cfg.Worker.ScratchDir)
	enc := encoder.NewFFmpegEncoder(encoder.DefaultFFmpegConfig())
	notifier := callback.NewClient(callback.ClientConfig{
		DefaultURL: cfg.Callback.DefaultURL,
		Token:      cfg.Callback.Token,
		Timeout:    cfg.Callback.Timeout,
	})

	pipe := pipeline.New(jobStore, objectClient, enc, checkpoints, notifier, logger)
	adapter := pipeline.NewEventAdapter(jobStore, notifier, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		adapter.Run(ctx, transcodeQueue.Events())
	}()

	sweeper := reaper.New(cfg.Worker.ScratchDir, checkpoints, cfg.Worker.ReaperInterval, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reportQueueDepth(ctx, transcodeQueue)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker",
			slog.Int("concurrency", cfg.Worker.MaxConcurrentJobs),
			slog.String("scratch_dir", cfg.Worker.ScratchDir),
		)
		err := transcodeQueue.Process(ctx, "transcode", cfg.Worker.MaxConcurrentJobs, pipe.Handle)
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	// Stop reserving new entries; active jobs persist their checkpoints and
	// the queue's stall handling re-dispatches them on next start.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	select {
	case <-done:
		logger.Info("background loops stopped")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded")
	}

	logger.Info("worker stopped")
	return nil
}

// reportQueueDepth refreshes the queue-depth gauges until ctx is cancelled.
func reportQueueDepth(ctx context.Context, q repository.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := q.Counts(ctx)
			if err != nil {
				continue
			}
			metrics.QueueDepth.WithLabelValues("waiting").Set(float64(counts.Waiting))
			metrics.QueueDepth.WithLabelValues("active").Set(float64(counts.Active))
			metrics.QueueDepth.WithLabelValues("completed").Set(float64(counts.Completed))
			metrics.QueueDepth.WithLabelValues("failed").Set(float64(counts.Failed))
			metrics.QueueDepth.WithLabelValues("delayed").Set(float64(counts.Delayed))
		}
	}
}
