package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/artifact"
	"github.com/stemsi/exstem-proctor/internal/backend"
	"github.com/stemsi/exstem-proctor/internal/clock"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("backend", cfg.BackendURL).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor Gateway")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Exam Backend Client ───────────────────────────────────────────
	client, err := backend.New(backend.Config{
		BaseURL: cfg.BackendURL,
		Timeout: cfg.BackendTimeout,
		Log:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid exam backend configuration")
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	violationRepo := repository.NewViolationRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)

	// ─── Background Pipelines ──────────────────────────────────────────
	sink := service.NewEventSink(service.NewRedisQueue(rdb), cfg.EventBufferSize, log)
	checkpoints := service.NewCheckpointStore(rdb, cfg.CheckpointTTL)
	uploader := artifact.New(artifact.Options{
		Sink:      func(token string) artifact.Sink { return client.WithToken(token) },
		Workers:   cfg.UploadWorkers,
		QueueSize: cfg.UploadQueueSize,
		Timeout:   cfg.BackendTimeout * 4,
		Log:       log,
	})

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	proctorService := service.NewProctorService(service.ProctorOptions{
		Backend:     func(token string) service.ExamBackend { return client.WithToken(token) },
		Checkpoints: checkpoints,
		Sink:        sink,
		Clock:       clock.Real(),
		Log:         log,
		IdleTimeout: cfg.SessionIdleTimeout,
		Controller: service.ControllerSettings{
			SamplingInterval:   cfg.SamplingInterval,
			AlertCooldown:      cfg.AlertCooldown,
			AudioThreshold:     cfg.AudioLevelThreshold,
			FaceMaxAge:         cfg.FaceSampleMaxAge,
			AudioMaxAge:        cfg.AudioSampleMaxAge,
			SubmitTimeout:      cfg.SubmitTimeout,
			AutoSubmitAttempts: cfg.AutoSubmitAttempts,
			RetryBackoff:       cfg.SubmitRetryBackoff,
		},
	})
	monitorService := service.NewMonitorService(checkpoints, violationRepo, log)
	auditService := service.NewAuditService(violationRepo, submissionRepo)

	stats := handler.StatsFunc{
		SessionsFn:    proctorService.Count,
		UploadsFn:     uploader.Stats,
		DroppedFn:     sink.Dropped,
		ClientDropsFn: proctorService.ClientEventsDropped,
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Proctor: handler.NewProctorHandler(proctorService, uploader, cfg.MaxUploadBytes, log),
		WS:      handler.NewWSHandler(proctorService, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, monitorService, auditService, log),
		System:  handler.NewSystemHandler(pool, rdb, stats, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	// Each stage gets its own context so shutdown can stop them in order.
	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	workerCtx, workerCancel := context.WithCancel(context.Background())

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).ByStudent()
	go limiter.Run(serviceCtx)
	go proctorService.Run(serviceCtx)

	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		sink.Run(sinkCtx)
	}()

	uploadDone := make(chan struct{})
	go func() {
		defer close(uploadDone)
		if err := uploader.Run(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Artifact uploader stopped")
		}
	}()

	var workers sync.WaitGroup
	violationWorker := worker.NewViolationWorker(pool, rdb, log)
	submissionWorker := worker.NewSubmissionWorker(pool, rdb, log)
	workers.Add(2)
	go func() { defer workers.Done(); violationWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); submissionWorker.Start(workerCtx) }()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, limiter, cfg, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Int("sessions", proctorService.Count()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down every live session; this also ends open WebSocket streams.
	serviceCancel()
	proctorService.CloseAll()

	// 3. Flush audit records to Redis, then let the workers persist them.
	sinkCancel()
	<-sinkDone
	workerCancel()
	workers.Wait()

	// 4. Finish queued uploads, bounded.
	uploader.Close()
	select {
	case <-uploadDone:
	case <-time.After(10 * time.Second):
		log.Warn().Interface("uploads", uploader.Stats()).Msg("Abandoning pending uploads")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
