package satchel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// schemaVersion is the current schema version. Migrations are strictly
// additive: new columns and tables only, never renames or drops, so any
// older database upgrades in place without touching existing rows.
const currentSchemaVersion = 2

// migrations[i] upgrades a database from version i to version i+1.
var migrations = []string{
	// v0 -> v1: base schema.
	`
	CREATE TABLE IF NOT EXISTS users (
		user_id            TEXT PRIMARY KEY,
		role               TEXT NOT NULL,
		name               TEXT NOT NULL,
		grade              TEXT NOT NULL,
		preferred_language TEXT NOT NULL DEFAULT 'en',
		school_id          TEXT NOT NULL DEFAULT '',
		school_name_or_id  TEXT NOT NULL DEFAULT '',
		student_id         TEXT NOT NULL DEFAULT '',
		subject            TEXT NOT NULL DEFAULT '',
		created_at         INTEGER NOT NULL,
		last_sync_at       INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_progress (
		user_id            TEXT PRIMARY KEY,
		total_xp           INTEGER NOT NULL DEFAULT 0,
		level              INTEGER NOT NULL DEFAULT 1,
		current_streak     INTEGER NOT NULL DEFAULT 0,
		longest_streak     INTEGER NOT NULL DEFAULT 0,
		badges_earned      TEXT NOT NULL DEFAULT '[]',
		last_activity_at   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS learning_sessions (
		id                   TEXT PRIMARY KEY,
		user_id              TEXT NOT NULL,
		subject              TEXT NOT NULL,
		grade                TEXT NOT NULL,
		topic_id             TEXT NOT NULL,
		start_time           INTEGER NOT NULL,
		end_time             INTEGER NOT NULL,
		xp_earned            INTEGER NOT NULL DEFAULT 0,
		accuracy             REAL NOT NULL DEFAULT 0,
		completion_status    TEXT NOT NULL DEFAULT 'partial',
		challenges_attempted INTEGER NOT NULL DEFAULT 0,
		challenges_correct   INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS offline_content (
		content_id       TEXT NOT NULL,
		content_type     TEXT NOT NULL,
		data             BLOB NOT NULL,
		downloaded_at    INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		size             INTEGER NOT NULL,
		is_stale         INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (content_id, content_type)
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		payload     BLOB,
		created_at  INTEGER NOT NULL,
		retries     INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS badges (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		icon        TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		rarity      TEXT NOT NULL DEFAULT 'common',
		xp_reward   INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_users_school ON users(school_name_or_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_start ON learning_sessions(user_id, start_time);
	CREATE INDEX IF NOT EXISTS idx_content_accessed ON offline_content(last_accessed_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status, id);
	`,

	// v1 -> v2: weekly goal tracking and versioned queue payloads.
	`
	ALTER TABLE user_progress ADD COLUMN weekly_goal_progress INTEGER NOT NULL DEFAULT 0;
	ALTER TABLE user_progress ADD COLUMN weekly_goal_target INTEGER NOT NULL DEFAULT 100;
	ALTER TABLE sync_queue ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 1;
	`,
}

// queuePayloadVersion tags queue entries so the remote reconciler can
// deserialize payloads safely across releases.
const queuePayloadVersion = 1

func openDatabase(cfg Config) (*sql.DB, error) {
	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		cfg.Path, cfg.Storage.CacheSize, cfg.Storage.JournalMode, cfg.Storage.Synchronous, cfg.Storage.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeOpen, "failed to open database", cfg.Path, err)
	}

	db.SetMaxOpenConns(cfg.Storage.MaxConnections)
	db.SetMaxIdleConns(cfg.Storage.MaxConnections / 2)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies any pending schema migrations in order.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return newStorageError(StorageErrorTypeMigrate, "failed to create schema_version", "", err)
	}

	var version int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return newStorageError(StorageErrorTypeMigrate, "failed to seed schema_version", "", err)
		}
	case err != nil:
		return newStorageError(StorageErrorTypeMigrate, "failed to read schema_version", "", err)
	}

	for v := version; v < currentSchemaVersion; v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return newStorageError(StorageErrorTypeMigrate,
				fmt.Sprintf("migration to version %d failed", v+1), "", err)
		}
		if _, err := db.Exec(`UPDATE schema_version SET version = ?`, v+1); err != nil {
			return newStorageError(StorageErrorTypeMigrate, "failed to record schema version", "", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. Entity writes and their queue enqueues share one transaction
// so a crash never strands a mutation without its outbox record.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to begin transaction", s.path, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to commit transaction", s.path, err)
	}
	return nil
}

// Timestamps are stored as Unix milliseconds. Zero means "not set".

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
