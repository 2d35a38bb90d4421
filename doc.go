// Package satchel provides an embedded offline-first store for learning
// devices: durable local persistence, a content cache, a gamification
// ledger, and a durable sync queue drained when connectivity returns.
//
// Satchel keeps every mutation on-device first. Writes land in SQLite
// together with an outbox entry in the same transaction, and a background
// orchestrator delivers the outbox to a remote endpoint when the host
// reports connectivity.
//
// # Basic Usage
//
// Open a store with default configuration:
//
//	store, err := satchel.Open("satchel.db", satchel.DefaultConfig("satchel.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// Register a student and run a session:
//
//	student, err := store.RegisterStudent(ctx, satchel.RegisterStudentParams{
//	    SchoolIDOrName: "greenhill-primary",
//	    Grade:          "5",
//	    Name:           "Amara",
//	})
//	sess, err := store.StartLearningSession(ctx, student.UserID, "math", "5", "fractions-1")
//	_, err = store.EndLearningSession(ctx, sess.ID, satchel.SessionResults{
//	    CompletionStatus: satchel.SessionCompleted,
//	    XPEarned:         60,
//	    Accuracy:         0.85,
//	})
//
// Cache content for offline use:
//
//	err := store.CacheContent(ctx, "fractions-1", satchel.ContentTopic, payload)
//	entry, err := store.GetCachedContent(ctx, "fractions-1", satchel.ContentTopic)
//
// Drain the sync queue on connectivity:
//
//	orch, err := satchel.NewOrchestrator(store, nil)
//	orch.Start()
//	defer orch.Stop()
//	orch.SetOnline(true)
//
// # Features
//
// Local Store:
//   - Single-file SQLite storage with forward-only schema migrations
//   - Write-plus-enqueue atomicity for every synced mutation
//   - Fail-soft degraded mode that keeps the host app navigable
//
// Content Cache:
//   - Optional snappy compression and AES-GCM encryption per blob
//   - Access-time refresh with age-based eviction
//   - Fetch-through to an S3-compatible content origin
//
// Sync:
//   - FIFO outbox with retry budget and dead-lettering
//   - Idempotent delivery keyed by entity and action
//   - Circuit breaker and jittered backoff around the remote endpoint
//   - WebSocket status streaming and Prometheus remote-write telemetry
package satchel
