package scheduler

import (
	"context"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/api"
)

// ImportScheduler fires each company's daily import: once per day at the
// schedule's configured time it imports the previous full day.
type ImportScheduler struct {
	store         api.ScheduleStore
	executor      *api.ImportExecutor
	logger        *slog.Logger
	stopChan      chan struct{}
	checkInterval time.Duration
}

// NewImportScheduler creates a new daily import scheduler.
func NewImportScheduler(store api.ScheduleStore, executor *api.ImportExecutor, logger *slog.Logger) *ImportScheduler {
	return &ImportScheduler{
		store:         store,
		executor:      executor,
		logger:        logger,
		stopChan:      make(chan struct{}),
		checkInterval: 1 * time.Minute,
	}
}

// Start begins the scheduler loop.
func (s *ImportScheduler) Start(ctx context.Context) {
	s.logger.Info("starting import scheduler", "check_interval", s.checkInterval)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.checkAndRun(ctx)

	for {
		select {
		case <-ticker.C:
			s.checkAndRun(ctx)
		case <-s.stopChan:
			s.logger.Info("import scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("import scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler.
func (s *ImportScheduler) Stop() {
	close(s.stopChan)
}

// checkAndRun fires every schedule that is due.
func (s *ImportScheduler) checkAndRun(ctx context.Context) {
	schedules, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("failed to list schedules", "error", err)
		return
	}

	now := time.Now()
	for i := range schedules {
		schedule := schedules[i]
		if !schedule.DueAt(now) {
			continue
		}

		yesterday := now.UTC().AddDate(0, 0, -1)
		day := time.Date(yesterday.Year(), yesterday.Month(), yesterday.Day(), 0, 0, 0, 0, time.UTC)

		s.logger.Info("firing scheduled import",
			"schedule_id", schedule.ID,
			"company_id", schedule.CompanyID,
			"day", day.Format("2006-01-02"))

		record, created, err := s.executor.Launch(ctx, api.ImportParams{
			CompanyID: schedule.CompanyID,
			Username:  schedule.Username,
			Password:  schedule.Password,
			Flows:     schedule.Flows,
			Start:     day,
			End:       day,
		})
		if err != nil {
			s.logger.Error("scheduled import failed to launch",
				"schedule_id", schedule.ID,
				"error", err)
			continue
		}

		// Mark the fire date even when the submission mapped to an
		// existing run: the day's work is already accounted for.
		schedule.LastRunDate = now.UTC().Format("2006-01-02")
		schedule.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, &schedule); err != nil {
			s.logger.Error("failed to record schedule fire",
				"schedule_id", schedule.ID,
				"error", err)
		}

		s.logger.Info("scheduled import launched",
			"schedule_id", schedule.ID,
			"run_id", record.ID,
			"created", created)
	}
}
