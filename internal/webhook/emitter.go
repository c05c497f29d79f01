package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/invosync/invosync/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// Envelope is the delivery format for lifecycle events.
type Envelope struct {
	EventID   string         `json:"event_id"`
	EventName string         `json:"event_name"`
	Payload   map[string]any `json:"payload"`
}

// Emitter delivers lifecycle events to a configured endpoint, fire and
// forget: delivery failures are logged, never propagated, and never block
// the import pipeline.
type Emitter struct {
	url        string
	secret     []byte
	httpClient *http.Client
	logger     *slog.Logger
}

// NewEmitter creates an emitter. Returns nil when no URL is configured so
// callers can pass it straight through as a disabled sink.
func NewEmitter(cfg config.WebhookConfig, logger *slog.Logger) *Emitter {
	if cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Emitter{
		url:        cfg.URL,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Emit sends one event. Safe to call from the orchestrator's control loop;
// the network call runs on its own goroutine.
func (e *Emitter) Emit(ctx context.Context, eventName string, payload map[string]any) {
	envelope := Envelope{
		EventID:   uuid.New().String(),
		EventName: eventName,
		Payload:   payload,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		e.logger.Error("failed to encode webhook event",
			"event_name", eventName,
			"error", err)
		return
	}

	go e.deliver(envelope.EventID, eventName, body)
}

func (e *Emitter) deliver(eventID, eventName string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to build webhook request",
			"event_id", eventID,
			"error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(e.secret, body))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("webhook delivery failed",
			"event_id", eventID,
			"event_name", eventName,
			"error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		e.logger.Warn("webhook endpoint rejected event",
			"event_id", eventID,
			"event_name", eventName,
			"status", resp.StatusCode)
		return
	}

	e.logger.Debug("webhook delivered",
		"event_id", eventID,
		"event_name", eventName)
}

// Sign computes the signature header value for a raw body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
