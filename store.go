package satchel

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Store is the on-device database handle. It owns every durable entity:
// users, progress, learning sessions, cached content, and the sync queue.
// All other components access entities through this handle; nothing else
// holds authoritative state.
type Store struct {
	path   string
	config Config
	db     *sql.DB

	encryptor *Encryptor
	source    ContentSource

	mu       sync.RWMutex
	closed   bool
	degraded bool
	openErr  error

	// now is replaceable in tests that exercise day-boundary logic.
	now func() time.Time
}

// Open opens or creates a satchel store.
func Open(path string, cfg Config) (*Store, error) {
	cfg.normalize()
	if cfg.Path == "" {
		cfg.Path = path
	}
	if cfg.Path == "" {
		return nil, newStorageError(StorageErrorTypeOpen, "path is required", "", nil)
	}

	s := &Store{
		path:   cfg.Path,
		config: cfg,
		now:    time.Now,
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	s.db = db

	if cfg.Encryption != nil && cfg.Encryption.Enabled {
		enc, err := encryptorForConfig(db, *cfg.Encryption)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.encryptor = enc
	}

	if cfg.Content != nil {
		source, err := NewS3ContentSource(context.Background(), *cfg.Content)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.source = source
	}

	return s, nil
}

// OpenDegraded opens a store, falling back to a degraded handle when the
// database cannot be opened (disk quota, corruption). Every operation on a
// degraded store fails soft with ErrStoreUnavailable so the host
// application stays navigable.
func OpenDegraded(path string, cfg Config) *Store {
	s, err := Open(path, cfg)
	if err == nil {
		return s
	}
	slog.Error("store open failed, continuing degraded", "path", path, "err", err)
	cfg.normalize()
	return &Store{
		path:     path,
		config:   cfg,
		degraded: true,
		openErr:  err,
		now:      time.Now,
	}
}

// Degraded reports whether the store is running without a database.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ready gates every operation. Degraded stores fail soft, closed stores
// fail fast.
func (s *Store) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degraded {
		return ErrStoreUnavailable
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SetContentSource replaces the remote content origin. Mainly used to
// inject fakes in tests; production wiring goes through Config.Content.
func (s *Store) SetContentSource(source ContentSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = source
}

func (s *Store) contentSource() ContentSource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// StorageStats reports database size, cached content bytes, and available
// disk headroom. Headroom is surfaced, not enforced; eviction is purely
// age-based.
func (s *Store) StorageStats(ctx context.Context) (StorageStats, error) {
	if err := s.ready(); err != nil {
		return StorageStats{}, err
	}

	var stats StorageStats

	row := s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&stats.DatabaseBytes); err != nil {
		return StorageStats{}, newStorageError(StorageErrorTypeRead, "failed to read database size", s.path, err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM offline_content`)
	if err := row.Scan(&stats.ContentBytes); err != nil {
		return StorageStats{}, newStorageError(StorageErrorTypeRead, "failed to read content size", s.path, err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(s.path), &fs); err == nil {
		stats.AvailableBytes = int64(fs.Bavail) * fs.Bsize
	}

	return stats, nil
}
