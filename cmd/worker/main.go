package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/reelforge/render-worker/internal/cache"
	"github.com/reelforge/render-worker/internal/config"
	"github.com/reelforge/render-worker/internal/disk"
	"github.com/reelforge/render-worker/internal/health"
	"github.com/reelforge/render-worker/internal/logger"
	"github.com/reelforge/render-worker/internal/media"
	"github.com/reelforge/render-worker/internal/observability"
	"github.com/reelforge/render-worker/internal/pipeline"
	"github.com/reelforge/render-worker/internal/queue"
	"github.com/reelforge/render-worker/internal/recorder"
	"github.com/reelforge/render-worker/internal/storage"
	"github.com/reelforge/render-worker/internal/worker"
)

const (
	serviceName     = "render-worker"
	shutdownTimeout = 5 * time.Second

	// maskSize is the edge length of the baked facecam mask. The overlay
	// graph scales it to the configured picture-in-picture size.
	maskSize = 512
)

func main() {
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Error(ctx, log, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Error(sctx, log, "Tracer shutdown failed", "error", err)
		}
	}()

	db, err := sql.Open("pgx", cfg.Database.URL)
	if err != nil {
		logger.Error(ctx, log, "Failed to open queue database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Worker.MaxConcurrentJobs * 2)

	q := queue.New(db, logger.Component(log, "queue"))
	if err := q.Ping(ctx); err != nil {
		logger.Error(ctx, log, "Queue database unreachable", "error", err)
		os.Exit(1)
	}

	diskMgr, err := disk.NewManager(disk.Options{
		Root:           cfg.Disk.WorkRoot,
		CacheDir:       cfg.Disk.CacheDir,
		CacheTTL:       time.Duration(cfg.Disk.CacheTTLHours) * time.Hour,
		MaxAge:         time.Duration(cfg.Disk.CleanupMaxAgeDays) * 24 * time.Hour,
		CleanupEnabled: cfg.Disk.CleanupEnabled,
	}, logger.Component(log, "disk"))
	if err != nil {
		logger.Error(ctx, log, "Failed to prepare work root", "error", err)
		os.Exit(1)
	}
	diskMgr.StartReaper()
	defer diskMgr.Stop()

	mediaOps := media.NewOps("", "", logger.Component(log, "media"))

	maskPath := filepath.Join(cfg.Disk.WorkRoot, "facecam-mask.png")
	if err := media.BakeMask(maskPath, maskSize, media.DefaultMaskCornerRadius); err != nil {
		logger.Error(ctx, log, "Failed to bake facecam mask", "error", err)
		os.Exit(1)
	}

	captureCache, err := cache.NewStore(cfg.Disk.CacheDir, mediaOps, logger.Component(log, "cache"))
	if err != nil {
		logger.Error(ctx, log, "Failed to prepare capture cache", "error", err)
		os.Exit(1)
	}

	rec := recorder.New(recorder.Options{
		Endpoint:        cfg.Browser.Endpoint,
		Token:           cfg.Browser.Token,
		SessionTimeout:  cfg.Browser.SessionTimeout,
		PageLoadWait:    cfg.Browser.PageLoadWait,
		NetworkIdleWait: cfg.Browser.NetworkIdleWait,
	}, logger.Component(log, "recorder"))

	store := storage.NewClient(storage.Options{
		Endpoint:       cfg.Storage.Endpoint,
		Zone:           cfg.Storage.Zone,
		AccessKey:      cfg.Storage.AccessKey,
		CDNBaseURL:     cfg.Storage.CDNBaseURL,
		PullZoneID:     cfg.Storage.PullZoneID,
		PullZoneAPIKey: cfg.Storage.PullZoneAPIKey,
		UploadTimeout:  cfg.Storage.UploadTimeout,
	}, logger.Component(log, "storage"))

	renderer := pipeline.New(rec, captureCache, mediaOps, maskPath, logger.Component(log, "pipeline"))

	w := worker.New(q, store, renderer, diskMgr, worker.Options{
		PollInterval:     cfg.Worker.PollInterval,
		CapRefresh:       cfg.Worker.CapRefreshPeriod,
		KillTimeout:      cfg.Worker.KillTimeout,
		SuccessRetention: time.Duration(cfg.Disk.SuccessRetentionHours) * time.Hour,
		FailureRetention: time.Duration(cfg.Disk.FailureRetentionDays) * 24 * time.Hour,
	}, logger.Component(log, "worker"))

	healthSrv := health.NewServer(w, logger.Component(log, "health"))
	if err := healthSrv.Start(cfg.Worker.HealthPort); err != nil {
		logger.Error(ctx, log, "Failed to start health server", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info(ctx, log, "Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	logger.Info(ctx, log, "Render worker starting",
		"environment", cfg.Environment,
		"workRoot", cfg.Disk.WorkRoot,
		"healthPort", healthSrv.BoundPort(),
	)

	w.Run(runCtx)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := healthSrv.Shutdown(sctx); err != nil {
		logger.Error(sctx, log, "Health server shutdown failed", "error", err)
	}
	logger.Info(ctx, log, "Render worker stopped")
}
