package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPCollectorRecordsMetrics(t *testing.T) {
	collector, err := NewHTTPCollector()
	if err != nil {
		t.Fatalf("NewHTTPCollector returned error: %v", err)
	}

	handlerInvoked := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerInvoked = true
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	})

	instrumented := collector.InstrumentHandler(handler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	instrumented.ServeHTTP(rr, req)

	if !handlerInvoked {
		t.Fatal("expected handler to be invoked")
	}

	if rr.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: %d", rr.Code)
	}

	metricsRR := httptest.NewRecorder()
	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	collector.Handler().ServeHTTP(metricsRR, metricsReq)

	if metricsRR.Code != http.StatusOK {
		t.Fatalf("expected metrics handler to return 200, got %d", metricsRR.Code)
	}

	body := metricsRR.Body.String()
	if !strings.Contains(body, `invosync_http_requests_total{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("requests_total metric not recorded, body=%q", body)
	}

	if !strings.Contains(body, `invosync_http_request_duration_seconds_count{method="GET",path="/test",status="202"} 1`) {
		t.Fatalf("request_duration_seconds_count metric not recorded, body=%q", body)
	}
}

func TestImportCollectors(t *testing.T) {
	collector, err := NewHTTPCollector()
	if err != nil {
		t.Fatalf("NewHTTPCollector returned error: %v", err)
	}

	collector.ObserveFetch("success")
	collector.ObserveFetch("success")
	collector.ObserveFetch("rate_limited")
	collector.ObserveRateLimit("fetch")
	collector.SetBatchSize("0101234567", 8)
	collector.ObserveRun("completed")
	collector.ObserveDiscovered("purchase_electronic", 42)

	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	expected := []string{
		`invosync_import_invoice_fetches_total{outcome="success"} 2`,
		`invosync_import_invoice_fetches_total{outcome="rate_limited"} 1`,
		`invosync_import_rate_limit_hits_total{phase="fetch"} 1`,
		`invosync_import_batch_size{company_id="0101234567"} 8`,
		`invosync_import_runs_total{state="completed"} 1`,
		`invosync_import_invoices_discovered_total{flow="purchase_electronic"} 42`,
	}
	for _, want := range expected {
		if !strings.Contains(body, want) {
			t.Errorf("metric %q not found in output", want)
		}
	}
}
