package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/portal"
)

// Run phases, reported through progress snapshots and lifecycle events.
const (
	PhaseAuthenticating = "authenticating"
	PhaseDiscovering    = "discovering"
	PhaseFetching       = "fetching"
	PhaseAggregating    = "aggregating"
	PhaseCompleted      = "completed"
	PhaseFailed         = "failed"
)

// EventSink receives lifecycle events after each orchestrator phase. The
// orchestrator knows nothing about where events go; webhook delivery lives
// entirely behind this interface.
type EventSink interface {
	Emit(ctx context.Context, eventName string, payload map[string]any)
}

// SessionSource hands out portal sessions and drops dead ones.
type SessionSource interface {
	Session(ctx context.Context, creds portal.Credentials) (*models.Session, error)
	Invalidate(creds portal.Credentials)
}

// ImportRequest describes one import run.
type ImportRequest struct {
	CompanyID string
	Username  string
	Password  string
	Flows     []models.FlowType
	Start     time.Time
	End       time.Time
}

// Orchestrator drives a run through authenticate, then per-chunk discover
// and fetch, then aggregate. Chunk failures are isolated; only terminal auth
// failure fails the run.
type Orchestrator struct {
	sessions  SessionSource
	discovery *DiscoveryEngine
	fetcher   DetailFetcher
	tuning    BatchTuning
	collector *metrics.HTTPCollector
	sink      EventSink
	logger    *slog.Logger
}

// NewOrchestrator wires the orchestrator. sink and collector may be nil.
func NewOrchestrator(sessions SessionSource, discovery *DiscoveryEngine, fetcher DetailFetcher, tuning BatchTuning, collector *metrics.HTTPCollector, sink EventSink, logger *slog.Logger) *Orchestrator {
	if tuning.BatchSize <= 0 {
		tuning = DefaultBatchTuning()
	}
	return &Orchestrator{
		sessions:  sessions,
		discovery: discovery,
		fetcher:   fetcher,
		tuning:    tuning,
		collector: collector,
		sink:      sink,
		logger:    logger,
	}
}

// Run executes one import. The progress callback (optional) is invoked from
// the run's control loop after every phase and batch barrier; the summary is
// returned even on partial failure. The error return is non-nil only for
// run-level failure: terminal auth failure or cancellation.
func (o *Orchestrator) Run(ctx context.Context, req ImportRequest, progress func(models.RunProgress)) (*models.ImportSummary, error) {
	started := time.Now()
	dateRange := models.DateRange{Start: req.Start, End: req.End}
	summary := &models.ImportSummary{CompanyID: req.CompanyID, DateRange: dateRange}

	report := func(phase string, chunkIdx, chunkCount int) {
		if progress != nil {
			progress(models.RunProgress{
				Phase:      phase,
				Total:      summary.Total,
				Completed:  summary.Completed,
				Failed:     summary.Failed,
				ChunkIndex: chunkIdx,
				ChunkCount: chunkCount,
			})
		}
	}

	o.emit(ctx, "run.started", map[string]any{
		"company_id": req.CompanyID,
		"date_range": dateRange.String(),
	})

	creds := portal.Credentials{CompanyID: req.CompanyID, Username: req.Username, Password: req.Password}
	chunks := ChunkByMonth(req.Start, req.End)
	report(PhaseAuthenticating, 0, len(chunks))

	session, err := o.authenticate(ctx, creds)
	if err != nil {
		return o.fail(ctx, summary, started, err)
	}

	scheduler := NewFetchScheduler(o.fetcher, o.tuning, o.collector, o.logger)
	failedFlows := make(map[models.FlowType]bool)

	for idx, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, summary, started, err)
		}

		report(PhaseDiscovering, idx, len(chunks))
		discovered, err := o.discoverChunk(ctx, &session, creds, req.Flows, chunk)
		if err != nil {
			var allFailed *portal.AllFlowsFailedError
			if errors.As(err, &allFailed) {
				// The chunk is lost but the run keeps going.
				o.logger.Error("all flows failed for chunk",
					"company_id", req.CompanyID,
					"range", chunk.String())
				for _, f := range discovered.Flows {
					failedFlows[f] = true
				}
				continue
			}
			if ctx.Err() != nil {
				return o.fail(ctx, summary, started, ctx.Err())
			}
			return o.fail(ctx, summary, started, err)
		}
		for _, f := range discovered.FailedFlows {
			failedFlows[f] = true
		}

		o.emit(ctx, "discovery.completed", map[string]any{
			"company_id":   req.CompanyID,
			"date_range":   chunk.String(),
			"invoices":     len(discovered.Invoices),
			"failed_flows": len(discovered.FailedFlows),
		})

		if len(discovered.Invoices) == 0 {
			continue
		}

		summary.Total += len(discovered.Invoices)
		chunkBase := struct{ completed, failed int }{summary.Completed, summary.Failed}
		scheduler.OnProgress = func(p FetchProgress) {
			summary.Completed = chunkBase.completed + p.Completed
			summary.Failed = chunkBase.failed + p.Failed
			report(PhaseFetching, idx, len(chunks))
		}

		report(PhaseFetching, idx, len(chunks))
		results, err := scheduler.FetchAll(ctx, session, discovered.Invoices)
		if err != nil {
			return o.fail(ctx, summary, started, err)
		}

		completed, failed := 0, 0
		for _, r := range results {
			if r.Success {
				completed++
			} else {
				failed++
			}
		}
		summary.Completed = chunkBase.completed + completed
		summary.Failed = chunkBase.failed + failed

		o.emit(ctx, "fetch.completed", map[string]any{
			"company_id": req.CompanyID,
			"date_range": chunk.String(),
			"completed":  completed,
			"failed":     failed,
		})
	}

	report(PhaseAggregating, len(chunks), len(chunks))
	for f := range failedFlows {
		summary.FailedFlows = append(summary.FailedFlows, f)
	}
	summary.Duration = time.Since(started).Seconds()

	o.observeRun("completed")
	o.emit(ctx, "run.completed", map[string]any{
		"company_id":   req.CompanyID,
		"date_range":   dateRange.String(),
		"total":        summary.Total,
		"completed":    summary.Completed,
		"failed":       summary.Failed,
		"success_rate": summary.SuccessRate(),
	})
	o.logger.Info("import run completed",
		"company_id", req.CompanyID,
		"range", dateRange.String(),
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"duration_s", summary.Duration)

	report(PhaseCompleted, len(chunks), len(chunks))
	return summary, nil
}

// authenticate opens the run's session. Terminal credential failures come
// back as-is; transient ones get the login retry budget inside the cache.
func (o *Orchestrator) authenticate(ctx context.Context, creds portal.Credentials) (*models.Session, error) {
	session, err := o.sessions.Session(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return session, nil
}

// discoverChunk runs discovery, re-authenticating once if the session was
// rejected mid-chunk.
func (o *Orchestrator) discoverChunk(ctx context.Context, session **models.Session, creds portal.Credentials, flows []models.FlowType, chunk models.DateRange) (*models.DiscoveryResult, error) {
	result, err := o.discovery.Discover(ctx, *session, flows, chunk)
	if err == nil || !portal.IsAuthExpired(err) {
		return result, err
	}

	o.logger.Info("session rejected mid-run, re-authenticating",
		"company_id", creds.CompanyID)
	o.sessions.Invalidate(creds)
	fresh, authErr := o.sessions.Session(ctx, creds)
	if authErr != nil {
		return result, fmt.Errorf("re-authentication failed: %w", authErr)
	}
	*session = fresh

	return o.discovery.Discover(ctx, fresh, flows, chunk)
}

func (o *Orchestrator) fail(ctx context.Context, summary *models.ImportSummary, started time.Time, err error) (*models.ImportSummary, error) {
	summary.Duration = time.Since(started).Seconds()
	o.observeRun("failed")
	o.emit(ctx, "run.failed", map[string]any{
		"company_id": summary.CompanyID,
		"date_range": summary.DateRange.String(),
		"error":      err.Error(),
		"total":      summary.Total,
		"completed":  summary.Completed,
		"failed":     summary.Failed,
	})
	return summary, err
}

func (o *Orchestrator) emit(ctx context.Context, name string, payload map[string]any) {
	if o.sink != nil {
		o.sink.Emit(ctx, name, payload)
	}
}

func (o *Orchestrator) observeRun(state string) {
	if o.collector != nil {
		o.collector.ObserveRun(state)
	}
}
