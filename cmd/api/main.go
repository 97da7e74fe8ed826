package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/transcoder/internal/api/handler"
	"github.com/hszk-dev/transcoder/internal/api/middleware"
	"github.com/hszk-dev/transcoder/internal/config"
	"github.com/hszk-dev/transcoder/internal/infrastructure/objectstore"
	"github.com/hszk-dev/transcoder/internal/infrastructure/postgres"
	"github.com/hszk-dev/transcoder/internal/infrastructure/queue"
	"github.com/hszk-dev/transcoder/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Initialize infrastructure clients; order matters: job store first,
	// then queue, then the HTTP surface.
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
	jobSvc := usecase.NewJobService(jobStore, transcodeQueue, objectClient, logger, usecase.DefaultJobServiceConfig())

	jobHandler := handler.NewJobHandler(jobSvc)
	queueHandler := handler.NewQueueHandler(jobSvc)

	r := setupRouter(logger, cfg.Server.APIKey, jobHandler, queueHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, apiKey string, jobHandler *handler.JobHandler, queueHandler *handler.QueueHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Read-only queries.
	r.Get("/job/{id}", jobHandler.Get)
	r.Get("/jobs", jobHandler.List)
	r.Get("/queue/stats", queueHandler.Stats)
	r.Get("/queue/status", queueHandler.Status)

	// Mutations require the API key.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(apiKey))

		r.Post("/transcode", jobHandler.Submit)
		r.Delete("/job/{id}", jobHandler.Cancel)
		r.Post("/job/{id}/retry", jobHandler.Retry)
		r.Post("/queue/pause", queueHandler.Pause)
		r.Post("/queue/resume", queueHandler.Resume)
	})

	return r
}
