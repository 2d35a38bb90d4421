package satchel

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteSyncer delivers one queue entry to the backend. Delivery must be
// idempotent on the entry's IdempotencyKey: redelivering an entry the
// backend already applied is a success, not an error.
type RemoteSyncer interface {
	Deliver(ctx context.Context, entry *SyncQueueEntry) error
}

// syncEnvelope is the wire shape posted to the sync endpoint.
type syncEnvelope struct {
	Version    int             `json:"version"`
	Action     SyncAction      `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Timestamp  int64           `json:"timestamp"`
	DeviceID   string          `json:"deviceId"`
	Payload    json.RawMessage `json:"payload"`
}

// HTTPSyncer posts queue entries to {BaseURL}/sync as gzip-compressed
// JSON. A circuit breaker stops deliveries after repeated failures so an
// unreachable backend does not burn every entry's retry budget.
type HTTPSyncer struct {
	config  RemoteConfig
	client  HTTPDoer
	retryer *Retryer
	breaker *CircuitBreaker
}

// NewHTTPSyncer creates an HTTP delivery backend.
func NewHTTPSyncer(cfg RemoteConfig) (*HTTPSyncer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	cfg.normalize()

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSyncer{
		config: cfg,
		client: client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			RetryIf:        IsRetryable,
		}),
		breaker: NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
	}, nil
}

// BreakerState exposes the delivery circuit state for status reporting.
func (h *HTTPSyncer) BreakerState() string {
	return h.breaker.State()
}

// Deliver posts one entry, retrying transient failures within the
// configured in-flight budget.
func (h *HTTPSyncer) Deliver(ctx context.Context, entry *SyncQueueEntry) error {
	payload, err := h.preparePayload(entry)
	if err != nil {
		return err
	}

	return h.breaker.Execute(func() error {
		result := h.retryer.Do(ctx, func() error {
			return h.post(ctx, entry, payload)
		})
		return result.LastErr
	})
}

func (h *HTTPSyncer) preparePayload(entry *SyncQueueEntry) ([]byte, error) {
	hostname, _ := os.Hostname()
	env := syncEnvelope{
		Version:    entry.SchemaVersion,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Timestamp:  toMillis(entry.Timestamp),
		DeviceID:   hostname,
		Payload:    entry.Payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal sync envelope: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *HTTPSyncer) post(ctx context.Context, entry *SyncQueueEntry, payload []byte) error {
	// Request is rebuilt per attempt: the body reader is consumed by each send.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		h.config.BaseURL+"/sync", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Idempotency-Key", entry.IdempotencyKey())

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		// Already applied under this idempotency key.
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited")
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("client error %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
