package importer

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/portal"
)

// InvoiceLister is the primary discovery strategy (paginated list API).
type InvoiceLister interface {
	ListInvoices(ctx context.Context, session *models.Session, flow models.FlowType, status int, dr models.DateRange) ([]models.Invoice, error)
}

// InvoiceExporter is the fallback strategy (spreadsheet export).
type InvoiceExporter interface {
	ExportInvoices(ctx context.Context, session *models.Session, flow models.FlowType, status int, dr models.DateRange) ([]models.Invoice, error)
}

// groupTuning mirrors the fetch scheduler's adaptation but operates on
// flows: shrink the concurrent group on any rate limit inside it, grow after
// a clean group.
type groupTuning struct {
	size      int
	minSize   int
	maxSize   int
	delay     time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
}

func defaultGroupTuning() groupTuning {
	return groupTuning{
		size:      2,
		minSize:   1,
		maxSize:   4,
		delay:     500 * time.Millisecond,
		baseDelay: 500 * time.Millisecond,
		maxDelay:  5 * time.Second,
	}
}

// DiscoveryEngine enumerates candidate invoices for one chunk across the
// requested flows. Flows run in small adaptive concurrent groups; a failed
// flow is recorded and isolated rather than poisoning the rest.
type DiscoveryEngine struct {
	lister    InvoiceLister
	exporter  InvoiceExporter
	logger    *slog.Logger
	collector *metrics.HTTPCollector

	// Fallback controls whether the export strategy runs when the list API
	// errors or comes back empty.
	Fallback bool
}

// NewDiscoveryEngine creates an engine with the export fallback enabled.
// collector may be nil.
func NewDiscoveryEngine(lister InvoiceLister, exporter InvoiceExporter, collector *metrics.HTTPCollector, logger *slog.Logger) *DiscoveryEngine {
	return &DiscoveryEngine{
		lister:    lister,
		exporter:  exporter,
		logger:    logger,
		collector: collector,
		Fallback:  exporter != nil,
	}
}

type flowOutcome struct {
	flow        models.FlowType
	invoices    []models.Invoice
	err         error
	rateLimited bool
}

// Discover enumerates invoices for the chunk. Partial failure yields the
// successful flows' invoices plus a non-empty FailedFlows; AllFlowsFailedError
// is returned only when every flow failed. A rejected session aborts
// discovery immediately so the caller can re-authenticate.
//
// The export fallback is a chunk-level decision: it runs at most once per
// chunk, and only when the primary strategy errored or found nothing at all.
func (e *DiscoveryEngine) Discover(ctx context.Context, session *models.Session, flows []models.FlowType, dr models.DateRange) (*models.DiscoveryResult, error) {
	if len(flows) == 0 {
		flows = models.DefaultFlows()
	}

	result, err := e.listChunk(ctx, session, flows, dr)
	if err != nil && (portal.IsAuthExpired(err) || ctx.Err() != nil) {
		return result, err
	}

	if e.Fallback && (err != nil || len(result.Invoices) == 0) {
		if err != nil {
			e.logger.Warn("list strategy failed, trying export",
				"company_id", session.CompanyID,
				"range", dr.String(),
				"error", err)
		} else {
			e.logger.Debug("list strategy found nothing, trying export",
				"company_id", session.CompanyID,
				"range", dr.String())
		}

		exported, exportErr := e.exportChunk(ctx, session, flows, dr)
		switch {
		case exportErr == nil:
			result, err = exported, nil
		case portal.IsAuthExpired(exportErr):
			return result, exportErr
		case err != nil:
			// Both strategies failed; the primary error wins.
			e.logger.Warn("export fallback also failed",
				"company_id", session.CompanyID,
				"range", dr.String(),
				"error", exportErr)
		default:
			e.logger.Warn("export fallback failed after an empty list result",
				"company_id", session.CompanyID,
				"range", dr.String(),
				"error", exportErr)
		}
	}

	if err != nil {
		return result, err
	}

	e.logger.Info("discovery completed",
		"company_id", session.CompanyID,
		"range", dr.String(),
		"invoices", len(result.Invoices),
		"raw_count", result.RawCount,
		"failed_flows", len(result.FailedFlows))
	return result, nil
}

// listChunk runs the primary (paginated list API) strategy across all flows.
func (e *DiscoveryEngine) listChunk(ctx context.Context, session *models.Session, flows []models.FlowType, dr models.DateRange) (*models.DiscoveryResult, error) {
	result := &models.DiscoveryResult{
		CompanyID: session.CompanyID,
		DateRange: dr,
		Flows:     flows,
	}

	tuning := defaultGroupTuning()
	seen := make(map[string]bool)

	for start := 0; start < len(flows); {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + tuning.size
		if end > len(flows) {
			end = len(flows)
		}
		group := flows[start:end]

		outcomes := make([]flowOutcome, len(group))
		var wg sync.WaitGroup
		for i, flow := range group {
			wg.Add(1)
			go func(slot int, flow models.FlowType) {
				defer wg.Done()
				outcomes[slot] = e.discoverFlow(ctx, session, flow, dr)
			}(i, flow)
		}
		wg.Wait()

		rateLimits := 0
		for _, outcome := range outcomes {
			if outcome.rateLimited {
				rateLimits++
			}
			if outcome.err != nil {
				if portal.IsAuthExpired(outcome.err) {
					return result, outcome.err
				}
				e.logger.Warn("flow discovery failed",
					"company_id", session.CompanyID,
					"flow", outcome.flow,
					"range", dr.String(),
					"error", outcome.err)
				result.FailedFlows = append(result.FailedFlows, outcome.flow)
				continue
			}

			result.RawCount += len(outcome.invoices)
			added := 0
			for _, inv := range outcome.invoices {
				if seen[inv.ID] {
					continue
				}
				seen[inv.ID] = true
				result.Invoices = append(result.Invoices, inv)
				added++
			}
			if e.collector != nil {
				e.collector.ObserveDiscovered(string(outcome.flow), added)
			}
		}

		tuning.adapt(rateLimits)
		if e.collector != nil && rateLimits > 0 {
			e.collector.ObserveRateLimit("discovery")
		}

		start = end
		if start < len(flows) {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(tuning.delay):
			}
		}
	}

	if len(result.FailedFlows) == len(flows) {
		return result, &portal.AllFlowsFailedError{Flows: flowNames(flows)}
	}
	return result, nil
}

// discoverFlow runs every (flow, status) list pass for one flow.
func (e *DiscoveryEngine) discoverFlow(ctx context.Context, session *models.Session, flow models.FlowType, dr models.DateRange) flowOutcome {
	outcome := flowOutcome{flow: flow}
	for _, status := range flowStatuses(flow) {
		invoices, err := e.lister.ListInvoices(ctx, session, flow, status, dr)
		if err != nil {
			if portal.IsRateLimited(err) {
				outcome.rateLimited = true
			}
			outcome.err = err
			return outcome
		}
		outcome.invoices = append(outcome.invoices, invoices...)
	}
	return outcome
}

// exportChunk runs the spreadsheet-export strategy once over the whole
// chunk. Flows run sequentially; the export endpoint is heavy and carries
// its own retry and cooldown.
func (e *DiscoveryEngine) exportChunk(ctx context.Context, session *models.Session, flows []models.FlowType, dr models.DateRange) (*models.DiscoveryResult, error) {
	result := &models.DiscoveryResult{
		CompanyID: session.CompanyID,
		DateRange: dr,
		Flows:     flows,
	}
	seen := make(map[string]bool)

	for _, flow := range flows {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var invoices []models.Invoice
		var flowErr error
		for _, status := range flowStatuses(flow) {
			exported, err := e.exporter.ExportInvoices(ctx, session, flow, status, dr)
			if err != nil {
				flowErr = err
				break
			}
			invoices = append(invoices, exported...)
		}
		if flowErr != nil {
			if portal.IsAuthExpired(flowErr) {
				return result, flowErr
			}
			e.logger.Warn("flow export failed",
				"company_id", session.CompanyID,
				"flow", flow,
				"range", dr.String(),
				"error", flowErr)
			result.FailedFlows = append(result.FailedFlows, flow)
			continue
		}

		result.RawCount += len(invoices)
		added := 0
		for _, inv := range invoices {
			if seen[inv.ID] {
				continue
			}
			seen[inv.ID] = true
			result.Invoices = append(result.Invoices, inv)
			added++
		}
		if e.collector != nil {
			e.collector.ObserveDiscovered(string(flow), added)
		}
	}

	if len(result.FailedFlows) == len(flows) {
		return result, &portal.AllFlowsFailedError{Flows: flowNames(flows)}
	}
	return result, nil
}

// flowStatuses returns the processing-status passes for a flow. Only
// purchase flows enumerate statuses; others take a single unfiltered pass.
func flowStatuses(flow models.FlowType) []int {
	if flow.IsPurchase() {
		return models.PurchaseProcessingStatuses
	}
	return []int{-1}
}

func flowNames(flows []models.FlowType) []string {
	names := make([]string, len(flows))
	for i, f := range flows {
		names[i] = string(f)
	}
	return names
}

func (t *groupTuning) adapt(rateLimits int) {
	if rateLimits > 0 {
		if t.size > t.minSize {
			t.size--
		}
		delay := t.delay + time.Duration(rateLimits)*t.baseDelay
		if delay > t.maxDelay {
			delay = t.maxDelay
		}
		t.delay = delay
		return
	}
	if t.size < t.maxSize {
		t.size++
	}
	t.delay = t.baseDelay
}
