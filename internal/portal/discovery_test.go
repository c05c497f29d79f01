package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/models"
)

func marchRange() models.DateRange {
	return models.DateRange{
		Start: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 31, 0, 0, 0, 0, time.UTC),
	}
}

func listItems(prefix string, n int) []map[string]any {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{
			"id":              fmt.Sprintf("%s-%03d", prefix, i),
			"invoice_number":  fmt.Sprintf("%d", i+1),
			"invoice_date":    "2026-03-10",
			"total_amount":    float64(100 + i),
			"seller_tax_code": "0101234567",
			"invoice_code":    "C26T",
			"template_code":   "1",
		}
	}
	return items
}

// pagedStub serves scripted list pages keyed by the incoming state token.
type pagedStub struct {
	mu      sync.Mutex
	queries []map[string]string
	pages   map[string]listResponse
}

func (p *pagedStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		seen := map[string]string{}
		for key := range q {
			seen[key] = q.Get(key)
		}
		p.mu.Lock()
		p.queries = append(p.queries, seen)
		p.mu.Unlock()

		json.NewEncoder(w).Encode(p.pages[q.Get("state")])
	})
}

func (p *pagedStub) query(i int) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[i]
}

func (p *pagedStub) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queries)
}

func TestListInvoicesPaginatesUntilShortPage(t *testing.T) {
	stub := &pagedStub{pages: map[string]listResponse{
		"":      {Items: listItems("p1", listPageSize), State: "tok-1"},
		"tok-1": {Items: listItems("p2", 7)},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	svc := NewListService(testClient(srv.URL), slog.Default())

	invoices, err := svc.ListInvoices(context.Background(), activeSession(), models.FlowSoldElectronic, -1, marchRange())
	if err != nil {
		t.Fatalf("ListInvoices returned error: %v", err)
	}

	if len(invoices) != listPageSize+7 {
		t.Errorf("expected %d invoices, got %d", listPageSize+7, len(invoices))
	}
	if stub.queryCount() != 2 {
		t.Fatalf("expected 2 page requests, got %d", stub.queryCount())
	}

	first := stub.query(0)
	if first["from"] != "2026-03-01T00:00:00" || first["to"] != "2026-03-31T23:59:59" {
		t.Errorf("date params = from %q to %q", first["from"], first["to"])
	}
	if first["size"] != "50" {
		t.Errorf("size = %q, want 50", first["size"])
	}
	if _, ok := first["state"]; ok {
		t.Error("first page must not carry a state token")
	}
	if _, ok := first["status"]; ok {
		t.Error("unfiltered pass must not carry a status param")
	}

	second := stub.query(1)
	if second["state"] != "tok-1" {
		t.Errorf("continuation token = %q, want tok-1", second["state"])
	}
}

func TestListInvoicesStopsAtServerTotal(t *testing.T) {
	stub := &pagedStub{pages: map[string]listResponse{
		"":      {Items: listItems("p1", listPageSize), Total: 2 * listPageSize, State: "tok-1"},
		"tok-1": {Items: listItems("p2", listPageSize), Total: 2 * listPageSize, State: "tok-2"},
		// tok-2 would loop back to an empty default; reaching it is the bug.
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	svc := NewListService(testClient(srv.URL), slog.Default())

	invoices, err := svc.ListInvoices(context.Background(), activeSession(), models.FlowSoldElectronic, -1, marchRange())
	if err != nil {
		t.Fatalf("ListInvoices returned error: %v", err)
	}

	if len(invoices) != 2*listPageSize {
		t.Errorf("expected %d invoices, got %d", 2*listPageSize, len(invoices))
	}
	if stub.queryCount() != 2 {
		t.Errorf("expected pagination to stop at the server total, got %d requests", stub.queryCount())
	}
}

func TestListInvoicesStatusFilter(t *testing.T) {
	stub := &pagedStub{pages: map[string]listResponse{
		"": {Items: listItems("p1", 3)},
	}}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	svc := NewListService(testClient(srv.URL), slog.Default())

	invoices, err := svc.ListInvoices(context.Background(), activeSession(), models.FlowPurchaseElectronic, 5, marchRange())
	if err != nil {
		t.Fatalf("ListInvoices returned error: %v", err)
	}

	if got := stub.query(0)["status"]; got != "5" {
		t.Errorf("status param = %q, want 5", got)
	}
	for _, inv := range invoices {
		if inv.Meta.ProcessingStatus != "5" {
			t.Errorf("invoice %s processing status = %q, want 5", inv.ID, inv.Meta.ProcessingStatus)
		}
	}
}

func TestFlowListPath(t *testing.T) {
	tests := []struct {
		flow models.FlowType
		want string
	}{
		{models.FlowSoldElectronic, "/query/invoices/sold"},
		{models.FlowPurchaseElectronic, "/query/invoices/purchase"},
		{models.FlowSoldPOS, "/sco-query/invoices/sold"},
		{models.FlowPurchasePOS, "/sco-query/invoices/purchase"},
	}
	for _, tt := range tests {
		if got := flowListPath(tt.flow); got != tt.want {
			t.Errorf("flowListPath(%s) = %q, want %q", tt.flow, got, tt.want)
		}
	}
}

func TestMapInvoice(t *testing.T) {
	item := map[string]any{
		"id":              "abc",
		"invoice_number":  "42",
		"invoice_date":    "2026-03-15",
		"total_amount":    "1,234.50",
		"tax_amount":      123.45,
		"seller_name":     "Acme Ltd",
		"seller_tax_code": "0101234567",
		"invoice_code":    "C26T",
		"template_code":   "1",
		"custom_field":    "kept",
		"numeric_extra":   float64(9),
	}

	inv := mapInvoice(item, models.FlowSoldElectronic, -1)

	if inv.ID != "abc" || inv.Number != "42" {
		t.Errorf("identity = %q/%q", inv.ID, inv.Number)
	}
	if inv.TaxAmount != 123.45 {
		t.Errorf("TaxAmount = %v", inv.TaxAmount)
	}
	if inv.Meta.EndpointKind != models.EndpointStandard {
		t.Errorf("EndpointKind = %q", inv.Meta.EndpointKind)
	}
	if inv.Meta.Extra["custom_field"] != "kept" {
		t.Errorf("unknown string field not preserved: %v", inv.Meta.Extra)
	}
	if _, ok := inv.Meta.Extra["numeric_extra"]; ok {
		t.Error("non-string extras must be dropped")
	}
}

func TestMapInvoiceCompositeIDFallback(t *testing.T) {
	item := map[string]any{
		"invoice_number":  "42",
		"seller_tax_code": "0101234567",
		"template_code":   "1",
	}

	inv := mapInvoice(item, models.FlowSoldElectronic, -1)
	if inv.ID != "0101234567-1-42" {
		t.Errorf("composite ID = %q, want 0101234567-1-42", inv.ID)
	}
}

func TestProbe(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
		expired bool
	}{
		{"accepted", http.StatusOK, false, false},
		{"rate limited tolerated", http.StatusTooManyRequests, false, false},
		{"rejected", http.StatusUnauthorized, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.status == http.StatusOK {
					w.Write([]byte(`{}`))
				}
			}))
			defer srv.Close()

			svc := NewListService(testClient(srv.URL), slog.Default())
			err := svc.Probe(context.Background(), activeSession())

			if (err != nil) != tt.wantErr {
				t.Fatalf("Probe error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.expired {
				var expired *AuthExpiredError
				if !errors.As(err, &expired) {
					t.Errorf("expected AuthExpiredError, got %v", err)
				}
			}
		})
	}
}
