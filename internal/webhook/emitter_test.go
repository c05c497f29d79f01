package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/invosync/invosync/internal/config"
)

func TestNewEmitterDisabledWithoutURL(t *testing.T) {
	if e := NewEmitter(config.WebhookConfig{}, slog.Default()); e != nil {
		t.Fatal("expected nil emitter when no URL is configured")
	}
}

func TestSign(t *testing.T) {
	got := Sign([]byte("secret"), []byte("body"))
	if got != "sha256=dc46983557fea127b43af721467eb9b3fde2338fe3e14f51952aa8478c13d355" {
		t.Errorf("Sign = %q", got)
	}

	if Sign([]byte("secret"), []byte("body")) != got {
		t.Error("signature not deterministic")
	}
	if Sign([]byte("other"), []byte("body")) == got {
		t.Error("signature must depend on the secret")
	}
}

func TestEmitDeliversSignedEnvelope(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		received <- r
	}))
	defer srv.Close()

	emitter := NewEmitter(config.WebhookConfig{
		URL:     srv.URL,
		Secret:  "hook-secret",
		Timeout: 2 * time.Second,
	}, slog.Default())
	if emitter == nil {
		t.Fatal("emitter unexpectedly disabled")
	}

	emitter.Emit(t.Context(), "run.completed", map[string]any{
		"company_id": "0101234567",
		"total":      float64(42),
	})

	var req *http.Request
	var body []byte
	select {
	case req = <-received:
		body = <-bodies
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never delivered")
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("body is not a valid envelope: %v", err)
	}
	if envelope.EventName != "run.completed" {
		t.Errorf("event name = %q", envelope.EventName)
	}
	if envelope.EventID == "" {
		t.Error("event ID not assigned")
	}
	if envelope.Payload["company_id"] != "0101234567" {
		t.Errorf("payload = %v", envelope.Payload)
	}

	sig := req.Header.Get(SignatureHeader)
	want := Sign([]byte("hook-secret"), body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		t.Errorf("signature = %q, want %q", sig, want)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", req.Header.Get("Content-Type"))
	}
}

func TestEmitSurvivesRejection(t *testing.T) {
	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		delivered <- struct{}{}
	}))
	defer srv.Close()

	emitter := NewEmitter(config.WebhookConfig{URL: srv.URL, Secret: "s"}, slog.Default())

	// Rejection is logged, never panics or propagates.
	emitter.Emit(t.Context(), "run.failed", map[string]any{"error": "boom"})

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never attempted")
	}
}
