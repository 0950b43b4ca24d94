package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/audiodrop-back/internal/cleanup"
	"github.com/iago/audiodrop-back/internal/config"
	"github.com/iago/audiodrop-back/internal/events"
	httpserver "github.com/iago/audiodrop-back/internal/http"
	"github.com/iago/audiodrop-back/internal/http/handlers"
	"github.com/iago/audiodrop-back/internal/media"
	"github.com/iago/audiodrop-back/internal/queue"
	"github.com/iago/audiodrop-back/internal/ratelimit"
	"github.com/iago/audiodrop-back/internal/repository"
	"github.com/iago/audiodrop-back/internal/service"
	"github.com/iago/audiodrop-back/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[audiodrop] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	if err := config.LoadYAMLFile(os.Getenv("CONFIG_FILE")); err != nil {
		logger.Printf("failed loading config file: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Fatalf("failed to create upload dir %s: %v", cfg.UploadDir, err)
	}

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	mediaClient := media.NewToolClient(media.NewExecRunner(logger), media.ToolConfig{
		YTDLPBin:  cfg.YTDLPBin,
		FFmpegBin: cfg.FFmpegBin,
		OutputDir: cfg.UploadDir,
	}, logger)
	if err := mediaClient.CheckTools(ctx); err != nil {
		logger.Printf("media tools unavailable, downloads will fail: %v", err)
	} else if !mediaClient.CheckFFmpeg(ctx) {
		logger.Printf("ffmpeg not found at %s, downloads will fail", cfg.FFmpegBin)
	}

	hub := events.NewHub(logger)
	go hub.Run(ctx)

	downloads := service.NewDownloadsService(repo, producer, mediaClient, hub, service.DownloadsConfig{
		MetadataTimeout: cfg.MetadataTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
	}, logger)
	if _, err := downloads.Recover(ctx); err != nil {
		logger.Printf("startup recovery failed: %v", err)
	}

	var processor *worker.Processor
	if cfg.WorkerEnabled {
		processor = worker.NewProcessor(consumer, downloads.Execute, cfg.WorkerConcurrency, logger)
		processor.Start(ctx)
		logger.Printf("worker enabled and started")
	} else {
		logger.Printf("worker disabled by configuration")
	}

	cleanupService := cleanup.NewService(repo, cleanup.Config{
		ArtifactDir:     cfg.UploadDir,
		Retention:       time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		FailedRetention: cfg.FailedRetention,
		Interval:        cfg.CleanupInterval,
	}, logger)
	if cfg.CleanupEnabled {
		go cleanupService.Start(ctx)
	} else {
		logger.Printf("scheduled cleanup disabled by configuration")
	}

	admission := ratelimit.NewSlidingWindow(ratelimit.Config{
		Limit:         cfg.DownloadLimitPerMinute,
		Window:        cfg.DownloadLimitWindow,
		SweepInterval: cfg.LimiterSweepInterval,
		Horizon:       cfg.LimiterHorizon,
	}, logger)
	go admission.Run(ctx)

	api, err := handlers.NewAPI(handlers.Dependencies{
		Downloads: downloads,
		Cleanup:   cleanupService,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("failed to build api: %v", err)
	}

	handler := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Admission:      admission,
	})

	// No WriteTimeout: artifact downloads and the websocket feed are long-lived.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	if processor != nil {
		processor.Wait()
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.JobsRepository, func()) {
	if cfg.DatabaseURL != "" {
		pgRepo, err := repository.NewPostgresJobsRepository(ctx, cfg.DatabaseURL)
		if err == nil {
			logger.Printf("postgres repository initialized")
			return pgRepo, pgRepo.Close
		}
		logger.Printf("failed to initialize postgres repository, trying sqlite: %v", err)
	}

	if cfg.SQLitePath != "" {
		sqliteRepo, err := repository.NewSQLiteJobsRepository(ctx, cfg.SQLitePath)
		if err == nil {
			logger.Printf("sqlite repository initialized path=%s", cfg.SQLitePath)
			return sqliteRepo, sqliteRepo.Close
		}
		logger.Printf("failed to initialize sqlite repository, fallback to memory: %v", err)
	}

	logger.Printf("using in-memory repository")
	return repository.NewMemoryJobsRepository(), func() {}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue")
		local := queue.NewLocalQueue(cfg.QueueBuffer, logger)
		return local, local, func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		Stream:    cfg.RedisStream,
		DLQStream: cfg.RedisDLQ,
		Group:     cfg.RedisGroup,
		Consumer:  cfg.RedisConsumer,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		local := queue.NewLocalQueue(cfg.QueueBuffer, logger)
		return local, local, func() {}
	}

	logger.Printf("redis streams queue initialized stream=%s group=%s", cfg.RedisStream, cfg.RedisGroup)
	return streams, streams, func() {
		_ = streams.Close()
	}
}
