package satchel

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testEntry() *SyncQueueEntry {
	return &SyncQueueEntry{
		ID:            1,
		Action:        ActionUpdate,
		EntityType:    "user_progress",
		EntityID:      "u1",
		Payload:       json.RawMessage(`{"deltaXP":42}`),
		SchemaVersion: 1,
		Timestamp:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestHTTPSyncerDeliver(t *testing.T) {
	var gotKey string
	var gotBody syncEnvelope

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")

		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("gzip: %v", err)
			return
		}
		body, _ := io.ReadAll(gz)
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	syncer, err := NewHTTPSyncer(RemoteConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}

	if err := syncer.Deliver(context.Background(), testEntry()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if gotKey != "user_progress:u1:update:1" {
		t.Errorf("idempotency key = %q", gotKey)
	}
	if gotBody.EntityType != "user_progress" || gotBody.Action != ActionUpdate {
		t.Errorf("envelope = %+v", gotBody)
	}
	var delta XPDelta
	if err := json.Unmarshal(gotBody.Payload, &delta); err != nil || delta.DeltaXP != 42 {
		t.Errorf("payload = %s (%v)", gotBody.Payload, err)
	}
}

func TestHTTPSyncerConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	syncer, err := NewHTTPSyncer(RemoteConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	if err := syncer.Deliver(context.Background(), testEntry()); err != nil {
		t.Errorf("conflict should be treated as delivered, got %v", err)
	}
}

func TestHTTPSyncerClientErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	syncer, err := NewHTTPSyncer(RemoteConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	if err := syncer.Deliver(context.Background(), testEntry()); err == nil {
		t.Error("expected error on 400")
	}
}

func TestHTTPSyncerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	syncer, err := NewHTTPSyncer(RemoteConfig{
		BaseURL:        srv.URL,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}
	if err := syncer.Deliver(context.Background(), testEntry()); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPSyncerCircuitBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	syncer, err := NewHTTPSyncer(RemoteConfig{
		BaseURL:         srv.URL,
		BreakerFailures: 2,
		BreakerReset:    time.Hour,
	})
	if err != nil {
		t.Fatalf("syncer: %v", err)
	}

	ctx := context.Background()
	entry := testEntry()
	for i := 0; i < 2; i++ {
		if err := syncer.Deliver(ctx, entry); err == nil {
			t.Fatalf("delivery %d should fail", i)
		}
	}
	if syncer.BreakerState() != "open" {
		t.Fatalf("breaker state = %s, want open", syncer.BreakerState())
	}
	if err := syncer.Deliver(ctx, entry); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestNewHTTPSyncerRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPSyncer(RemoteConfig{}); err == nil {
		t.Error("expected error for missing base URL")
	}
}
