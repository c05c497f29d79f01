package api

import (
	"database/sql"
	"net/http"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/auth"
	"github.com/invosync/invosync/internal/database"
	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/runner"
)

// SetupRoutes configures all API routes. Mutating routes sit behind the JWT
// middleware; health, metrics and login are public.
func SetupRoutes(
	mux *http.ServeMux,
	db *sql.DB,
	executor *ImportExecutor,
	runs *runner.Service,
	scheduleStore ScheduleStore,
	collector *metrics.HTTPCollector,
	authConfig auth.Config,
	logger *slog.Logger,
) {
	runHandler := NewRunHandler(executor, runs, logger)
	scheduleHandler := NewScheduleHandler(scheduleStore, executor, logger)
	authHandler := NewAuthHandler(authConfig, logger)

	authMiddleware := auth.AuthMiddleware(authConfig)
	guarded := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	// Public routes.
	mux.HandleFunc("/api/auth/login", authHandler.Login)
	mux.HandleFunc("/healthz", healthHandler(db))
	if collector != nil {
		mux.Handle("/metrics", collector.Handler())
	}

	// Run control surface.
	mux.Handle("/api/runs", guarded(runHandler.HandleRuns))
	mux.Handle("/api/runs/", guarded(runHandler.HandleRunByID))

	// Daily schedule management.
	mux.Handle("/api/schedules", guarded(scheduleHandler.HandleSchedules))
	mux.Handle("/api/schedules/", guarded(scheduleHandler.HandleScheduleByID))
}

// healthHandler reports service liveness and database connectivity.
func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK

		if db != nil {
			if err := database.HealthCheck(r.Context(), db); err != nil {
				status["status"] = "degraded"
				status["database"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				status["database"] = "ok"
				status["database_pool"] = database.Stats(db)
			}
		}

		writeJSON(w, code, status)
	}
}
