package satchel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// enqueue appends an outbox record inside the caller's transaction. Every
// local mutation that must reach the remote goes through here, in the same
// transaction as the entity write itself.
func (s *Store) enqueue(tx *sql.Tx, action SyncAction, entityType, entityID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO sync_queue (action, entity_type, entity_id, payload, created_at, retries, status, schema_version)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		string(action), entityType, entityID, data, toMillis(s.now()), string(SyncPending), queuePayloadVersion)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to enqueue mutation", s.path, err)
	}
	return nil
}

// EnqueueMutation appends a standalone outbox record for host-layer
// entities the store has no table for (published quizzes, daily
// challenges). Entries from this path share the queue's ordering and
// delivery guarantees.
func (s *Store) EnqueueMutation(ctx context.Context, action SyncAction, entityType, entityID string, payload any) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.enqueue(tx, action, entityType, entityID, payload)
	})
}

// GetPendingSyncItems returns undelivered entries in insertion order.
// FIFO is the delivery-order contract: creates must reach the remote
// before the updates that follow them.
func (s *Store) GetPendingSyncItems(ctx context.Context) ([]SyncQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queueEntries(ctx, SyncPending)
}

// DeadLetters returns entries that exhausted their retry budget.
func (s *Store) DeadLetters(ctx context.Context) ([]SyncQueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queueEntries(ctx, SyncDead)
}

func (s *Store) queueEntries(ctx context.Context, status SyncStatus) ([]SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, payload, created_at, retries, status, schema_version
		FROM sync_queue WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to query sync queue", s.path, err)
	}
	defer rows.Close()

	var entries []SyncQueueEntry
	for rows.Next() {
		var e SyncQueueEntry
		var action, st string
		var createdAt int64
		if err := rows.Scan(&e.ID, &action, &e.EntityType, &e.EntityID, &e.Payload,
			&createdAt, &e.Retries, &st, &e.SchemaVersion); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "failed to scan queue entry", s.path, err)
		}
		e.Action = SyncAction(action)
		e.Status = SyncStatus(st)
		e.Timestamp = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingSyncCount returns the number of undelivered entries.
func (s *Store) PendingSyncCount(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.countQueue(ctx, SyncPending)
}

// DeadLetterCount returns the number of dead-lettered entries.
func (s *Store) DeadLetterCount(ctx context.Context) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.countQueue(ctx, SyncDead)
}

func (s *Store) countQueue(ctx context.Context, status SyncStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeRead, "failed to count queue", s.path, err)
	}
	return n, nil
}

// markSynced transitions an entry to its terminal synced state. One-way:
// an already-terminal entry is left untouched, which is what makes
// concurrent drains idempotent.
func (s *Store) markSynced(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?`,
		string(SyncSynced), id, string(SyncPending))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to mark synced", s.path, err)
	}
	return nil
}

// recordFailure increments the retry counter and dead-letters the entry
// once the budget is exhausted.
func (s *Store) recordFailure(ctx context.Context, id int64, maxRetries int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET retries = retries + 1,
		    status = CASE WHEN retries + 1 >= ? THEN ? ELSE status END
		WHERE id = ? AND status = ?`,
		maxRetries, string(SyncDead), id, string(SyncPending))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to record sync failure", s.path, err)
	}
	return nil
}

// PruneSynced garbage-collects synced entries older than the cutoff and
// returns the number removed. Dead letters are kept for operator
// inspection.
func (s *Store) PruneSynced(ctx context.Context, olderThanMillis int64) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE status = ? AND created_at < ?`,
		string(SyncSynced), olderThanMillis)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to prune queue", s.path, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
