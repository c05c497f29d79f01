package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"log/slog"

	"github.com/invosync/invosync/internal/models"
)

func detailInvoice() models.Invoice {
	return models.Invoice{
		ID:              "inv-1",
		Number:          "42",
		SupplierTaxCode: "0101234567",
		FlowType:        models.FlowSoldElectronic,
		Meta: models.InvoiceMeta{
			EndpointKind: models.EndpointStandard,
			InvoiceCode:  "C26T",
			TemplateCode: "1",
		},
	}
}

func TestFetchDetailBuildsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query/invoices/detail" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("seller_tax_code") != "0101234567" ||
			q.Get("invoice_code") != "C26T" ||
			q.Get("invoice_number") != "42" ||
			q.Get("template_code") != "1" {
			t.Errorf("query = %v", q)
		}
		w.Write([]byte(`{"invoice_number":"42","lines":[]}`))
	}))
	defer srv.Close()

	svc := NewDetailService(testClient(srv.URL), slog.Default())

	detail, err := svc.FetchDetail(context.Background(), activeSession(), detailInvoice())
	if err != nil {
		t.Fatalf("FetchDetail returned error: %v", err)
	}
	if detail["invoice_number"] != "42" {
		t.Errorf("detail = %v", detail)
	}
}

func TestFetchDetailPOSEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sco-query/invoices/detail" {
			t.Errorf("path = %q, want the POS endpoint family", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	svc := NewDetailService(testClient(srv.URL), slog.Default())

	inv := detailInvoice()
	inv.FlowType = models.FlowSoldPOS
	inv.Meta.EndpointKind = models.EndpointPOS

	if _, err := svc.FetchDetail(context.Background(), activeSession(), inv); err != nil {
		t.Fatalf("FetchDetail returned error: %v", err)
	}
}

func TestFetchDetailMissingParamsNeverSent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	svc := NewDetailService(testClient(srv.URL), slog.Default())

	inv := detailInvoice()
	inv.Meta.TemplateCode = ""
	inv.Meta.InvoiceCode = ""

	_, err := svc.FetchDetail(context.Background(), activeSession(), inv)
	var missing *MissingParametersError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingParametersError, got %v", err)
	}
	if len(missing.Missing) != 2 {
		t.Errorf("missing fields = %v, want invoice_code and template_code", missing.Missing)
	}
	if calls.Load() != 0 {
		t.Error("incomplete detail request must never reach the portal")
	}
}
