package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/metrics"
	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/portal"
	"github.com/invosync/invosync/internal/retry"
)

// BatchTuning holds the adaptive batch parameters. It is owned and mutated
// exclusively by the scheduler's sequential control loop between barriers;
// fetch tasks never touch it.
type BatchTuning struct {
	BatchSize       int
	MinBatchSize    int
	MaxBatchSize    int
	Delay           time.Duration
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	GrowthThreshold float64
}

// DefaultBatchTuning returns the starting parameters. The thresholds are
// heuristics carried as configuration, not invariants.
func DefaultBatchTuning() BatchTuning {
	return BatchTuning{
		BatchSize:       8,
		MinBatchSize:    4,
		MaxBatchSize:    10,
		Delay:           time.Second,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		GrowthThreshold: 0.8,
	}
}

const (
	maxRetryBatchSize = 3
	retryDelay        = 10 * time.Second
)

// DetailFetcher fetches the full detail payload for one invoice.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, session *models.Session, inv models.Invoice) (map[string]any, error)
}

// FetchProgress is reported after every batch barrier and retry pass.
type FetchProgress struct {
	Total     int
	Completed int
	Failed    int
}

// FetchScheduler pulls invoice detail in sequential batches of concurrent
// fetches, adapting batch size and inter-batch delay to observed rate
// limiting, then mops up transient failures in a bounded fixed-size retry
// pass.
type FetchScheduler struct {
	fetcher   DetailFetcher
	logger    *slog.Logger
	collector *metrics.HTTPCollector
	tuning    BatchTuning

	// OnProgress, when set, receives a snapshot after each barrier. Called
	// from the control loop only.
	OnProgress func(FetchProgress)
}

// NewFetchScheduler creates a scheduler with the given tuning. collector may
// be nil.
func NewFetchScheduler(fetcher DetailFetcher, tuning BatchTuning, collector *metrics.HTTPCollector, logger *slog.Logger) *FetchScheduler {
	if tuning.BatchSize <= 0 {
		tuning = DefaultBatchTuning()
	}
	return &FetchScheduler{
		fetcher:   fetcher,
		logger:    logger,
		collector: collector,
		tuning:    tuning,
	}
}

type fetchOutcome struct {
	result      models.FetchResult
	rateLimited bool
	retryable   bool
}

// FetchAll fetches detail for every invoice and returns exactly one result
// per invoice, in discovery order. The error return is reserved for
// cancellation; per-invoice failures live in the results.
func (s *FetchScheduler) FetchAll(ctx context.Context, session *models.Session, invoices []models.Invoice) ([]models.FetchResult, error) {
	results := make([]models.FetchResult, len(invoices))
	retryable := make([]bool, len(invoices))
	completed, failed := 0, 0

	// Phase 1: adaptive main pass.
	for start := 0; start < len(invoices); {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		end := start + s.tuning.BatchSize
		if end > len(invoices) {
			end = len(invoices)
		}

		outcomes := s.runBatch(ctx, session, invoices[start:end])

		rateLimits := 0
		succeeded := 0
		for i, outcome := range outcomes {
			results[start+i] = outcome.result
			retryable[start+i] = outcome.retryable
			if outcome.result.Success {
				succeeded++
				completed++
			} else {
				failed++
			}
			if outcome.rateLimited {
				rateLimits++
			}
		}

		s.adapt(session.CompanyID, len(outcomes), succeeded, rateLimits)
		s.reportProgress(len(invoices), completed, failed)

		start = end
		if start < len(invoices) {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(s.tuning.Delay):
			}
		}
	}

	// Phase 2: fixed-size mop-up over retryable failures. No adaptation.
	var retryIdx []int
	for i := range results {
		if !results[i].Success && retryable[i] {
			retryIdx = append(retryIdx, i)
		}
	}
	if len(retryIdx) == 0 {
		return results, nil
	}

	retrySize := s.retryBatchSize()
	s.logger.Info("retrying failed invoice fetches",
		"company_id", session.CompanyID,
		"count", len(retryIdx),
		"batch_size", retrySize)

	for start := 0; start < len(retryIdx); {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		end := start + retrySize
		if end > len(retryIdx) {
			end = len(retryIdx)
		}

		batch := make([]models.Invoice, 0, end-start)
		for _, idx := range retryIdx[start:end] {
			batch = append(batch, invoices[idx])
		}

		outcomes := s.runBatch(ctx, session, batch)
		for i, outcome := range outcomes {
			if !outcome.result.Success {
				continue
			}
			// Promotion: the successful retry replaces the failed slot and
			// moves exactly one unit from failed to completed.
			results[retryIdx[start+i]] = outcome.result
			completed++
			failed--
		}

		s.reportProgress(len(invoices), completed, failed)

		start = end
		if start < len(retryIdx) {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return results, nil
}

// retryBatchSize keeps the mop-up batches strictly below the adaptive
// floor, so the retry pass cannot re-trigger the rate-limit storm it is
// cleaning up.
func (s *FetchScheduler) retryBatchSize() int {
	size := maxRetryBatchSize
	if size >= s.tuning.MinBatchSize {
		size = s.tuning.MinBatchSize - 1
	}
	if size < 1 {
		size = 1
	}
	return size
}

// runBatch launches one fetch task per invoice and waits for the whole batch
// at the barrier. Outcomes are positional.
func (s *FetchScheduler) runBatch(ctx context.Context, session *models.Session, batch []models.Invoice) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(batch))

	var wg sync.WaitGroup
	for i, inv := range batch {
		wg.Add(1)
		go func(slot int, inv models.Invoice) {
			defer wg.Done()
			outcomes[slot] = s.fetchOne(ctx, session, inv)
		}(i, inv)
	}
	wg.Wait()

	return outcomes
}

// fetchOne performs a single invoice fetch with its own short retry budget.
func (s *FetchScheduler) fetchOne(ctx context.Context, session *models.Session, inv models.Invoice) fetchOutcome {
	var data map[string]any
	rateLimited := false

	err := retry.Do(ctx, retry.FetchPolicy(), func() error {
		detail, fetchErr := s.fetcher.FetchDetail(ctx, session, inv)
		if fetchErr == nil {
			data = detail
			return nil
		}
		return s.classify(fetchErr, &rateLimited)
	})

	if err == nil {
		s.observeFetch("success")
		return fetchOutcome{
			result: models.FetchResult{InvoiceID: inv.ID, Success: true, Data: data},
		}
	}

	outcome := fetchOutcome{
		result:      models.FetchResult{InvoiceID: inv.ID, Err: err.Error()},
		rateLimited: rateLimited,
		retryable:   true,
	}

	switch {
	case isMissingParams(err):
		outcome.retryable = false
		s.observeFetch("missing_params")
	case portal.IsAuthExpired(err):
		outcome.retryable = false
		s.observeFetch("auth_expired")
	case rateLimited:
		s.observeFetch("rate_limited")
	default:
		s.observeFetch("failed")
	}

	s.logger.Debug("invoice fetch failed",
		"invoice_id", inv.ID,
		"rate_limited", rateLimited,
		"error", err)
	return outcome
}

// classify maps portal errors to the retry layer. Missing parameters and
// rejected sessions are never retried; 429 is retried with the portal's
// hint when present.
func (s *FetchScheduler) classify(err error, rateLimited *bool) error {
	if isMissingParams(err) || portal.IsAuthExpired(err) {
		return err
	}
	if portal.IsRateLimited(err) {
		*rateLimited = true
		s.observeRateLimit()
		return retry.TransientWithDelay(err, 2*time.Second)
	}
	return retry.Transient(err)
}

// adapt applies the batch outcome to the tuning. Any rate limit shrinks the
// batch and stretches the delay; an otherwise clean, mostly-successful batch
// grows the batch and resets the delay.
func (s *FetchScheduler) adapt(companyID string, batchLen, succeeded, rateLimits int) {
	if batchLen == 0 {
		return
	}

	if rateLimits > 0 {
		shrunk := s.tuning.BatchSize * 4 / 5
		if shrunk < s.tuning.MinBatchSize {
			shrunk = s.tuning.MinBatchSize
		}
		delay := s.tuning.Delay + time.Duration(rateLimits)*s.tuning.BaseDelay
		if delay > s.tuning.MaxDelay {
			delay = s.tuning.MaxDelay
		}

		s.logger.Warn("rate limits in batch, backing off",
			"company_id", companyID,
			"rate_limits", rateLimits,
			"batch_size", shrunk,
			"delay", delay)
		s.tuning.BatchSize = shrunk
		s.tuning.Delay = delay
	} else if float64(succeeded)/float64(batchLen) >= s.tuning.GrowthThreshold {
		grown := s.tuning.BatchSize + 1
		if grown > s.tuning.MaxBatchSize {
			grown = s.tuning.MaxBatchSize
		}
		s.tuning.BatchSize = grown
		s.tuning.Delay = s.tuning.BaseDelay
	}

	if s.collector != nil {
		s.collector.SetBatchSize(companyID, s.tuning.BatchSize)
	}
}

func (s *FetchScheduler) reportProgress(total, completed, failed int) {
	if s.OnProgress != nil {
		s.OnProgress(FetchProgress{Total: total, Completed: completed, Failed: failed})
	}
}

func (s *FetchScheduler) observeFetch(outcome string) {
	if s.collector != nil {
		s.collector.ObserveFetch(outcome)
	}
}

func (s *FetchScheduler) observeRateLimit() {
	if s.collector != nil {
		s.collector.ObserveRateLimit("fetch")
	}
}

func isMissingParams(err error) bool {
	var mp *portal.MissingParametersError
	return errors.As(err, &mp)
}
