package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/models"
	"github.com/invosync/invosync/internal/portal"
)

func testTuning() BatchTuning {
	return BatchTuning{
		BatchSize:       4,
		MinBatchSize:    2,
		MaxBatchSize:    6,
		Delay:           time.Millisecond,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		GrowthThreshold: 0.8,
	}
}

func testSession() *models.Session {
	return &models.Session{
		CompanyID:   "0101234567",
		AccessToken: "token",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func testInvoices(n int) []models.Invoice {
	invoices := make([]models.Invoice, n)
	for i := range invoices {
		invoices[i] = models.Invoice{
			ID:              fmt.Sprintf("inv-%03d", i),
			Number:          fmt.Sprintf("%d", i+1),
			SupplierTaxCode: "0101234567",
			Meta: models.InvoiceMeta{
				EndpointKind: models.EndpointStandard,
				InvoiceCode:  "C26T",
				TemplateCode: "1",
			},
		}
	}
	return invoices
}

// scriptedFetcher returns canned errors per invoice, tracking attempts.
type scriptedFetcher struct {
	mu       sync.Mutex
	attempts map[string]int
	// failures maps an invoice ID to the number of leading attempts that
	// fail, and the error they fail with.
	failCount map[string]int
	failWith  map[string]error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		attempts:  make(map[string]int),
		failCount: make(map[string]int),
		failWith:  make(map[string]error),
	}
}

func (f *scriptedFetcher) failFirst(id string, n int, err error) {
	f.failCount[id] = n
	f.failWith[id] = err
}

func (f *scriptedFetcher) attemptCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[id]
}

func (f *scriptedFetcher) FetchDetail(_ context.Context, _ *models.Session, inv models.Invoice) (map[string]any, error) {
	f.mu.Lock()
	f.attempts[inv.ID]++
	attempt := f.attempts[inv.ID]
	limit := f.failCount[inv.ID]
	err := f.failWith[inv.ID]
	f.mu.Unlock()

	if attempt <= limit {
		return nil, err
	}
	return map[string]any{"invoice_number": inv.Number}, nil
}

func TestFetchAllSuccess(t *testing.T) {
	fetcher := newScriptedFetcher()
	s := NewFetchScheduler(fetcher, testTuning(), nil, slog.Default())

	invoices := testInvoices(10)
	results, err := s.FetchAll(context.Background(), testSession(), invoices)
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if len(results) != len(invoices) {
		t.Fatalf("expected %d results, got %d", len(invoices), len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("result %d failed: %s", i, r.Err)
		}
		if r.InvoiceID != invoices[i].ID {
			t.Errorf("result %d order broken: got %s, want %s", i, r.InvoiceID, invoices[i].ID)
		}
	}
}

func TestFetchAllRetryPromotion(t *testing.T) {
	fetcher := newScriptedFetcher()
	// Three Phase-1 attempts fail; the Phase-2 retry succeeds.
	fetcher.failFirst("inv-002", 3, errors.New("upstream hiccup"))

	s := NewFetchScheduler(fetcher, testTuning(), nil, slog.Default())

	var snapshots []FetchProgress
	s.OnProgress = func(p FetchProgress) { snapshots = append(snapshots, p) }

	results, err := s.FetchAll(context.Background(), testSession(), testInvoices(6))
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if !results[2].Success {
		t.Fatalf("expected retried invoice to end successful, got error %q", results[2].Err)
	}

	final := snapshots[len(snapshots)-1]
	if final.Completed != 6 || final.Failed != 0 {
		t.Errorf("final aggregate = completed %d / failed %d, want 6/0", final.Completed, final.Failed)
	}

	// One unit moved failed -> completed exactly once: some earlier
	// snapshot must have recorded the failure.
	sawFailure := false
	for _, p := range snapshots {
		if p.Failed == 1 {
			sawFailure = true
		}
		if p.Failed > 1 {
			t.Errorf("failed count overshot: %+v", p)
		}
	}
	if !sawFailure {
		t.Error("expected an intermediate snapshot with failed=1")
	}
}

func TestFetchAllMissingParamsNeverRetried(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.failFirst("inv-001", 100, &portal.MissingParametersError{
		InvoiceID: "inv-001",
		Missing:   []string{"template_code"},
	})

	s := NewFetchScheduler(fetcher, testTuning(), nil, slog.Default())

	results, err := s.FetchAll(context.Background(), testSession(), testInvoices(4))
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if results[1].Success {
		t.Fatal("expected missing-params invoice to fail")
	}
	if got := fetcher.attemptCount("inv-001"); got != 1 {
		t.Errorf("missing-params invoice attempted %d times, want exactly 1", got)
	}
}

func TestFetchAllAuthExpiredNotRetried(t *testing.T) {
	fetcher := newScriptedFetcher()
	fetcher.failFirst("inv-000", 100, &portal.AuthExpiredError{StatusCode: 401, Endpoint: "/query/invoices/detail"})

	s := NewFetchScheduler(fetcher, testTuning(), nil, slog.Default())

	results, err := s.FetchAll(context.Background(), testSession(), testInvoices(2))
	if err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	if results[0].Success {
		t.Fatal("expected auth-expired invoice to fail")
	}
	if got := fetcher.attemptCount("inv-000"); got != 1 {
		t.Errorf("auth-expired invoice attempted %d times, want exactly 1", got)
	}
}

func TestRetryBatchSizeBelowAdaptiveFloor(t *testing.T) {
	tests := []struct {
		min  int
		want int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 3},
		{10, 3},
	}
	for _, tt := range tests {
		tuning := testTuning()
		tuning.MinBatchSize = tt.min
		s := NewFetchScheduler(nil, tuning, nil, slog.Default())
		if got := s.retryBatchSize(); got != tt.want {
			t.Errorf("min batch %d: retry batch size = %d, want %d", tt.min, got, tt.want)
		}
	}
}

func TestAdaptMonotonicity(t *testing.T) {
	s := NewFetchScheduler(newScriptedFetcher(), testTuning(), nil, slog.Default())

	// Clean, fully successful batches never shrink the batch size.
	previous := s.tuning.BatchSize
	for i := 0; i < 5; i++ {
		s.adapt("co", 10, 10, 0)
		if s.tuning.BatchSize < previous {
			t.Fatalf("batch size shrank on clean batch: %d -> %d", previous, s.tuning.BatchSize)
		}
		previous = s.tuning.BatchSize
	}
	if s.tuning.BatchSize != s.tuning.MaxBatchSize {
		t.Errorf("expected growth to ceiling %d, got %d", s.tuning.MaxBatchSize, s.tuning.BatchSize)
	}

	// A batch with any rate limit never grows the batch size.
	before := s.tuning.BatchSize
	s.adapt("co", 10, 9, 1)
	if s.tuning.BatchSize > before {
		t.Errorf("batch size grew despite rate limit: %d -> %d", before, s.tuning.BatchSize)
	}
	if s.tuning.Delay <= s.tuning.BaseDelay {
		t.Errorf("delay did not increase after rate limit: %v", s.tuning.Delay)
	}

	// Shrinking floors at the minimum.
	for i := 0; i < 10; i++ {
		s.adapt("co", 10, 0, 5)
	}
	if s.tuning.BatchSize != s.tuning.MinBatchSize {
		t.Errorf("expected floor %d, got %d", s.tuning.MinBatchSize, s.tuning.BatchSize)
	}
	if s.tuning.Delay > s.tuning.MaxDelay {
		t.Errorf("delay exceeded cap: %v > %v", s.tuning.Delay, s.tuning.MaxDelay)
	}

	// Recovery resets the delay to base.
	s.adapt("co", 10, 10, 0)
	if s.tuning.Delay != s.tuning.BaseDelay {
		t.Errorf("delay not reset after clean batch: %v", s.tuning.Delay)
	}
}

// barrierFetcher records start/end times per call to verify the full-batch
// barrier: no task of batch N+1 may start before every task of batch N ends.
type barrierFetcher struct {
	mu     sync.Mutex
	starts map[string]time.Time
	ends   map[string]time.Time
}

func (f *barrierFetcher) FetchDetail(_ context.Context, _ *models.Session, inv models.Invoice) (map[string]any, error) {
	f.mu.Lock()
	f.starts[inv.ID] = time.Now()
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.ends[inv.ID] = time.Now()
	f.mu.Unlock()
	return map[string]any{}, nil
}

func TestFullBatchBarrier(t *testing.T) {
	fetcher := &barrierFetcher{starts: make(map[string]time.Time), ends: make(map[string]time.Time)}

	tuning := testTuning()
	tuning.BatchSize = 3
	tuning.MinBatchSize = 3
	tuning.MaxBatchSize = 3
	s := NewFetchScheduler(fetcher, tuning, nil, slog.Default())

	invoices := testInvoices(9)
	if _, err := s.FetchAll(context.Background(), testSession(), invoices); err != nil {
		t.Fatalf("FetchAll returned error: %v", err)
	}

	for batch := 1; batch < 3; batch++ {
		var prevEnd time.Time
		for i := (batch - 1) * 3; i < batch*3; i++ {
			if end := fetcher.ends[invoices[i].ID]; end.After(prevEnd) {
				prevEnd = end
			}
		}
		for i := batch * 3; i < (batch+1)*3; i++ {
			if start := fetcher.starts[invoices[i].ID]; start.Before(prevEnd) {
				t.Errorf("invoice %s started at %v before batch %d finished at %v",
					invoices[i].ID, start, batch, prevEnd)
			}
		}
	}
}

func TestFetchAllCancellation(t *testing.T) {
	fetcher := newScriptedFetcher()
	s := NewFetchScheduler(fetcher, testTuning(), nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FetchAll(ctx, testSession(), testInvoices(8))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
