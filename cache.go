package satchel

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// Stored blobs carry a one-byte encoding header so entries written under
// one cache configuration stay readable after the configuration changes.
const (
	blobCompressed = 1 << 0
	blobEncrypted  = 1 << 1
)

func (s *Store) encodeBlob(data []byte) ([]byte, error) {
	var flags byte
	out := data
	if s.config.Cache.Compress {
		out = snappy.Encode(nil, out)
		flags |= blobCompressed
	}
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(out)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt content: %w", err)
		}
		out = enc
		flags |= blobEncrypted
	}
	return append([]byte{flags}, out...), nil
}

func (s *Store) decodeBlob(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty content blob")
	}
	flags, out := blob[0], blob[1:]
	if flags&blobEncrypted != 0 {
		if s.encryptor == nil {
			return nil, fmt.Errorf("content is encrypted but no key is configured")
		}
		dec, err := s.encryptor.Decrypt(out)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt content: %w", err)
		}
		out = dec
	}
	if flags&blobCompressed != 0 {
		dec, err := snappy.Decode(nil, out)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress content: %w", err)
		}
		out = dec
	}
	return out, nil
}

// CacheContent stores content for offline use. Re-caching the same
// (contentID, contentType) replaces the payload and clears any stale mark.
func (s *Store) CacheContent(ctx context.Context, contentID string, contentType ContentType, data []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	blob, err := s.encodeBlob(data)
	if err != nil {
		return err
	}
	now := toMillis(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_content (content_id, content_type, data, downloaded_at, last_accessed_at, size, is_stale)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(content_id, content_type) DO UPDATE SET
			data = excluded.data,
			downloaded_at = excluded.downloaded_at,
			last_accessed_at = excluded.last_accessed_at,
			size = excluded.size,
			is_stale = 0`,
		contentID, string(contentType), blob, now, now, int64(len(data)))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to cache content", s.path, err)
	}
	return nil
}

// GetCachedContent returns a cached entry and refreshes its last-accessed
// time. A miss returns nil without error.
func (s *Store) GetCachedContent(ctx context.Context, contentID string, contentType ContentType) (*OfflineContentEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT content_id, content_type, data, downloaded_at, last_accessed_at, size, is_stale
		FROM offline_content WHERE content_id = ? AND content_type = ?`,
		contentID, string(contentType))

	var entry OfflineContentEntry
	var ctype string
	var blob []byte
	var downloaded, accessed int64
	var stale int
	err := row.Scan(&entry.ContentID, &ctype, &blob, &downloaded, &accessed, &entry.Size, &stale)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to read cached content", s.path, err)
	}

	entry.ContentType = ContentType(ctype)
	entry.DownloadedAt = fromMillis(downloaded)
	entry.IsStale = stale != 0
	entry.Data, err = s.decodeBlob(blob)
	if err != nil {
		return nil, err
	}

	// The refresh is strictly monotonic even when two reads land in the
	// same millisecond, so eviction ordering matches access ordering.
	refreshed := toMillis(s.now())
	if refreshed <= accessed {
		refreshed = accessed + 1
	}
	entry.LastAccessedAt = fromMillis(refreshed)
	_, err = s.db.ExecContext(ctx, `
		UPDATE offline_content SET last_accessed_at = ?
		WHERE content_id = ? AND content_type = ?`,
		refreshed, contentID, string(contentType))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeWrite, "failed to refresh access time", s.path, err)
	}
	return &entry, nil
}

// DownloadContent returns cached content, fetching through to the remote
// content source on a miss (or when the entry is marked stale and the
// source is reachable). Fetched content is cached before returning.
func (s *Store) DownloadContent(ctx context.Context, contentID string, contentType ContentType) (*OfflineContentEntry, error) {
	entry, err := s.GetCachedContent(ctx, contentID, contentType)
	if err != nil {
		return nil, err
	}
	source := s.contentSource()
	if entry != nil && (!entry.IsStale || source == nil) {
		return entry, nil
	}
	if source == nil {
		return nil, fmt.Errorf("content %s/%s not cached and no content source configured", contentType, contentID)
	}

	data, err := source.Fetch(ctx, contentID, contentType)
	if err != nil {
		if entry != nil {
			// Stale content beats no content when the origin is down.
			return entry, nil
		}
		return nil, fmt.Errorf("failed to fetch content %s/%s: %w", contentType, contentID, err)
	}
	if err := s.CacheContent(ctx, contentID, contentType, data); err != nil {
		return nil, err
	}
	return s.GetCachedContent(ctx, contentID, contentType)
}

// MarkStale flags a cached entry for refetch without evicting it, so it
// keeps serving offline until a fresh copy arrives.
func (s *Store) MarkStale(ctx context.Context, contentID string, contentType ContentType) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE offline_content SET is_stale = 1
		WHERE content_id = ? AND content_type = ?`,
		contentID, string(contentType))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "failed to mark content stale", s.path, err)
	}
	return nil
}

// CachedContentByType lists cached entries of one type without touching
// access times or decoding payloads.
func (s *Store) CachedContentByType(ctx context.Context, contentType ContentType) ([]OfflineContentEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, content_type, downloaded_at, last_accessed_at, size, is_stale
		FROM offline_content WHERE content_type = ?
		ORDER BY last_accessed_at DESC`, string(contentType))
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "failed to list cached content", s.path, err)
	}
	defer rows.Close()

	var entries []OfflineContentEntry
	for rows.Next() {
		var e OfflineContentEntry
		var ctype string
		var downloaded, accessed int64
		var stale int
		if err := rows.Scan(&e.ContentID, &ctype, &downloaded, &accessed, &e.Size, &stale); err != nil {
			return nil, err
		}
		e.ContentType = ContentType(ctype)
		e.DownloadedAt = fromMillis(downloaded)
		e.LastAccessedAt = fromMillis(accessed)
		e.IsStale = stale != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanupOldContent evicts entries whose last access is strictly older
// than maxAge (zero means the configured default). Returns the number of
// evicted entries.
func (s *Store) CleanupOldContent(ctx context.Context, maxAge time.Duration) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if maxAge <= 0 {
		maxAge = s.config.Cache.MaxAge
	}
	cutoff := toMillis(s.now().Add(-maxAge))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM offline_content WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, newStorageError(StorageErrorTypeWrite, "failed to clean up content", s.path, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
