package api

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/importer"
	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/runner"
)

// ImportParams describe one import launch.
type ImportParams struct {
	CompanyID string
	Username  string
	Password  string
	Flows     []models.FlowType
	Start     time.Time
	End       time.Time
}

// ImportExecutor bridges the control surface (API handlers, the daily
// scheduler) to the run service: it builds the run identity and hands the
// orchestrator invocation to the worker pool.
type ImportExecutor struct {
	orchestrator *importer.Orchestrator
	runs         *runner.Service
	logger       *slog.Logger
}

// NewImportExecutor creates an executor.
func NewImportExecutor(orchestrator *importer.Orchestrator, runs *runner.Service, logger *slog.Logger) *ImportExecutor {
	return &ImportExecutor{
		orchestrator: orchestrator,
		runs:         runs,
		logger:       logger,
	}
}

// Launch submits an import run. Identical parameters within the dedup
// window return the existing run; the bool reports whether a new run was
// created.
func (e *ImportExecutor) Launch(ctx context.Context, p ImportParams) (*models.RunRecord, bool, error) {
	if p.CompanyID == "" || p.Username == "" || p.Password == "" {
		return nil, false, fmt.Errorf("company_id, username and password are required")
	}
	if p.Start.IsZero() || p.End.IsZero() || p.Start.After(p.End) {
		return nil, false, fmt.Errorf("invalid date range")
	}

	identity := models.RunIdentity{
		TaskType:  models.TaskTypeInvoiceImport,
		CompanyID: p.CompanyID,
		DateRange: models.DateRange{Start: p.Start, End: p.End},
	}

	request := importer.ImportRequest{
		CompanyID: p.CompanyID,
		Username:  p.Username,
		Password:  p.Password,
		Flows:     p.Flows,
		Start:     p.Start,
		End:       p.End,
	}

	task := runner.Task{
		Identity: identity,
		Execute: func(runCtx context.Context, progress func(models.RunProgress)) (*models.ImportSummary, error) {
			return e.orchestrator.Run(runCtx, request, progress)
		},
	}

	return e.runs.Submit(ctx, task)
}
