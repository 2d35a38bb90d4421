package satchel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSyncer struct {
	mu        sync.Mutex
	delivered []string
	failFor   map[string]error
}

func (f *fakeSyncer) Deliver(ctx context.Context, entry *SyncQueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[entry.EntityID]; ok {
		return err
	}
	f.delivered = append(f.delivered, entry.EntityID)
	return nil
}

func (f *fakeSyncer) deliveredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

func newTestOrchestrator(t *testing.T, s *Store, remote RemoteSyncer) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(s, remote)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	return o
}

func TestSyncNowDrainsFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", id, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	remote := &fakeSyncer{}
	o := newTestOrchestrator(t, s, remote)
	o.SetOnline(true)

	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := remote.deliveredIDs()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("delivery order = %v", got)
	}

	pending, _ := s.PendingSyncCount(ctx)
	if pending != 0 {
		t.Errorf("pending after drain = %d", pending)
	}
}

func TestSyncNowOfflineFails(t *testing.T) {
	s := openTestStore(t)
	o := newTestOrchestrator(t, s, &fakeSyncer{})

	err := o.SyncNow(context.Background())
	if !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}
}

func TestDrainPartialFailureContinues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "bad", "c"} {
		if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", id, nil); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	remote := &fakeSyncer{failFor: map[string]error{"bad": errors.New("boom")}}
	o := newTestOrchestrator(t, s, remote)
	o.SetOnline(true)

	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := remote.deliveredIDs()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("delivered = %v, want [a c]", got)
	}

	// The failed entry keeps its place and its charged retry.
	entries, _ := s.GetPendingSyncItems(ctx)
	if len(entries) != 1 || entries[0].EntityID != "bad" {
		t.Fatalf("pending after drain = %+v", entries)
	}
	if entries[0].Retries != 1 {
		t.Errorf("retries = %d, want 1", entries[0].Retries)
	}
}

func TestDrainDeadLettersAtCap(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir + "/test.db")
	cfg.Sync.MaxRetries = 2
	s, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	remote := &fakeSyncer{failFor: map[string]error{"q1": errors.New("boom")}}
	o := newTestOrchestrator(t, s, remote)
	o.SetOnline(true)

	for i := 0; i < 2; i++ {
		if err := o.SyncNow(ctx); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
	}

	pending, _ := s.PendingSyncCount(ctx)
	if pending != 0 {
		t.Errorf("dead entry still pending")
	}
	dead, _ := s.DeadLetterCount(ctx)
	if dead != 1 {
		t.Errorf("dead = %d, want 1", dead)
	}

	// A drained-out queue is quiet: no further delivery attempts.
	before := len(remote.deliveredIDs())
	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(remote.deliveredIDs()) != before {
		t.Error("dead letter was redelivered")
	}
}

func TestDoubleDrainIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	remote := &fakeSyncer{}
	o := newTestOrchestrator(t, s, remote)
	o.SetOnline(true)

	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := remote.deliveredIDs(); len(got) != 1 {
		t.Errorf("delivered %d times, want 1", len(got))
	}
}

func TestOnlineEdgeTriggersDrain(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir + "/test.db")
	cfg.Sync.SettleDelay = 10 * time.Millisecond
	s, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	remote := &fakeSyncer{}
	o := newTestOrchestrator(t, s, remote)
	o.Start()
	defer o.Stop()

	o.SetOnline(true)

	deadline := time.After(2 * time.Second)
	for {
		if len(remote.deliveredIDs()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("settle-delay drain never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOfflineBeforeSettleCancelsDrain(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir + "/test.db")
	cfg.Sync.SettleDelay = 50 * time.Millisecond
	s, err := Open(cfg.Path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	remote := &fakeSyncer{}
	o := newTestOrchestrator(t, s, remote)
	o.Start()
	defer o.Stop()

	// Flap: back offline before the settle delay elapses.
	o.SetOnline(true)
	time.Sleep(10 * time.Millisecond)
	o.SetOnline(false)
	time.Sleep(100 * time.Millisecond)

	if got := remote.deliveredIDs(); len(got) != 0 {
		t.Errorf("flapping connection triggered a drain: %v", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o := newTestOrchestrator(t, s, &fakeSyncer{})
	o.SetOnline(true)
	o.refreshStats()

	status := o.Status(ctx)
	if !status.IsOnline {
		t.Error("expected online")
	}
	if status.PendingSyncCount != 1 {
		t.Errorf("pending = %d, want 1", status.PendingSyncCount)
	}
	if status.StorageUsed <= 0 {
		t.Errorf("storage used = %d", status.StorageUsed)
	}

	if err := o.SyncNow(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	status = o.Status(ctx)
	if status.PendingSyncCount != 0 {
		t.Errorf("pending after drain = %d", status.PendingSyncCount)
	}
	if status.LastSyncAt.IsZero() {
		t.Error("LastSyncAt not set after successful drain")
	}
}

func TestDrainWithoutRemote(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueMutation(ctx, ActionCreate, "quizzes", "q1", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	o := newTestOrchestrator(t, s, nil)
	o.SetOnline(true)

	if err := o.SyncNow(ctx); !errors.Is(err, ErrNoRemote) {
		t.Errorf("expected ErrNoRemote, got %v", err)
	}
}
