package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	_ "github.com/lib/pq"

	"github.com/invosync/invosync/internal/api"
	"github.com/invosync/invosync/internal/auth"
	"github.com/invosync/invosync/internal/captcha"
	"github.com/invosync/invosync/internal/config"
	"github.com/invosync/invosync/internal/database"
	"github.com/invosync/invosync/internal/importer"
	"github.com/invosync/invosync/internal/logging"
	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/portal"
	"github.com/invosync/invosync/internal/runner"
	"github.com/invosync/invosync/internal/scheduler"
	"github.com/invosync/invosync/internal/server"
	"github.com/invosync/invosync/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting invosync")

	// Connect to database.
	dbConfig := database.DefaultConfig()
	dbConfig.URL = os.Getenv("DATABASE_URL")

	logger.Info("connecting to database")
	db, err := database.Connect(context.Background(), dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database connected")

	// Run pending migrations (non-fatal to allow the app to start even if
	// migrations fail).
	if err := database.RunMigrations(db, "./migrations", logger); err != nil {
		logger.Warn("failed to run migrations, continuing anyway", "error", err)
	}

	collector, err := metrics.NewHTTPCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	// Captcha solver: portal logins cannot work without it.
	solver, err := captcha.NewSolver(captcha.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to init captcha solver", "error", err)
		os.Exit(1)
	}

	// Portal services.
	portalClient := portal.NewClient(cfg.Portal, logger)
	listService := portal.NewListService(portalClient, logger)
	exportService := portal.NewExportService(portalClient, logger)
	detailService := portal.NewDetailService(portalClient, logger)
	authenticator := portal.NewAuthenticator(portalClient, solver, logger)
	sessions := portal.NewSessionCache(authenticator, listService, logger)

	// Lifecycle event delivery, disabled when no webhook is configured.
	var sink importer.EventSink
	if emitter := webhook.NewEmitter(cfg.Webhook, logger); emitter != nil {
		sink = emitter
		logger.Info("webhook emitter configured", "url", cfg.Webhook.URL)
	}

	discovery := importer.NewDiscoveryEngine(listService, exportService, collector, logger)
	orchestrator := importer.NewOrchestrator(
		sessions,
		discovery,
		detailService,
		importer.DefaultBatchTuning(),
		collector,
		sink,
		logger,
	)

	// Run substrate.
	runStore := database.NewPostgresRunRepository(db)
	runs := runner.NewService(runStore, cfg.Import.Workers, cfg.Import.DedupWindow, collector, logger)
	runs.Start()
	defer runs.Stop()

	executor := api.NewImportExecutor(orchestrator, runs, logger)

	// Daily schedules.
	scheduleStore := database.NewPostgresScheduleRepository(db)
	importScheduler := scheduler.NewImportScheduler(scheduleStore, executor, logger)

	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	go importScheduler.Start(schedulerCtx)

	// HTTP surface.
	authConfig := auth.LoadConfigFromEnv()
	logger.Info("auth configured", "jwt_secret_set", authConfig.JWTSecret != "change-this-secret")

	mux := http.NewServeMux()
	api.SetupRoutes(mux, db, executor, runs, scheduleStore, collector, authConfig, logger)

	srv := server.New(cfg.Server, logger, collector.InstrumentHandler(mux))

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	}

	importScheduler.Stop()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
