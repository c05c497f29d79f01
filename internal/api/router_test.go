package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthHandlerWithoutDatabase(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(nil)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
	if _, ok := body["database_pool"]; ok {
		t.Error("pool stats reported without a database")
	}
}

func TestHealthHandlerDegradedDatabase(t *testing.T) {
	// Port 1 refuses connections immediately; the handler must degrade
	// instead of erroring out.
	db, err := sql.Open("postgres", "postgres://127.0.0.1:1/invosync?sslmode=disable&connect_timeout=1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	rec := httptest.NewRecorder()
	healthHandler(db)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want degraded", body["status"])
	}
}
