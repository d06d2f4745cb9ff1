package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/arbiter/internal/debate"
)

// CacheEntry is a cached debate result keyed by the pair fingerprint.
type CacheEntry struct {
	Key         string
	Pair        debate.EntityPair
	Fingerprint string
	Result      debate.Result
	ComputedAt  time.Time
	ExpiresAt   time.Time
}

// GetCache returns the cached result for the key, or (nil, nil) on a miss.
// Expired entries count as misses and are deleted on read; eager
// invalidation via InvalidateEntity is the primary path, the TTL is the
// backstop against missed mutation signals.
func (s *Store) GetCache(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		entry      CacheEntry
		kind       string
		resultBlob string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, a_id, b_id, kind, fingerprint, result, computed_at, expires_at
		FROM cache_entries WHERE cache_key = ?;
	`, key).Scan(&entry.Key, &entry.Pair.AID, &entry.Pair.BID, &kind,
		&entry.Fingerprint, &resultBlob, &entry.ComputedAt, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry %s: %w", key, err)
	}
	entry.Pair.Kind = debate.Kind(kind)

	if !entry.ExpiresAt.After(time.Now().UTC()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?;`, key)
		return nil, nil
	}

	if err := json.Unmarshal([]byte(resultBlob), &entry.Result); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry %s: %w", key, err)
	}
	return &entry, nil
}

// PutCache stores a completed debate result. Only completed debates are
// cached; escalated and failed runs never populate the cache.
func (s *Store) PutCache(ctx context.Context, pair debate.EntityPair, fingerprint string, result debate.Result, ttl time.Duration) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal cache result: %w", err)
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cache_entries (cache_key, a_id, b_id, kind, fingerprint, result, computed_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				result = excluded.result,
				computed_at = excluded.computed_at,
				expires_at = excluded.expires_at;
		`, fingerprint, pair.AID, pair.BID, string(pair.Kind), fingerprint,
			string(blob), now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("upsert cache entry for %s: %w", pair.String(), err)
		}
		return nil
	})
}

// InvalidateEntity removes every cache entry whose pair references the
// entity on either side. Returns the number of entries dropped.
func (s *Store) InvalidateEntity(ctx context.Context, entityID string) (int64, error) {
	var dropped int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE a_id = ? OR b_id = ?;
		`, entityID, entityID)
		if err != nil {
			return fmt.Errorf("invalidate cache for entity %s: %w", entityID, err)
		}
		dropped, _ = res.RowsAffected()
		return nil
	})
	return dropped, err
}

// CacheStats reports entry counts for the status endpoint.
func (s *Store) CacheStats(ctx context.Context) (total, expired int, err error) {
	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM cache_entries;
	`, now).Scan(&total, &expired)
	if err != nil {
		return 0, 0, fmt.Errorf("cache stats: %w", err)
	}
	return total, expired, nil
}

// PruneExpiredCache deletes entries past their TTL. The scheduler calls
// this at the start of each full cycle.
func (s *Store) PruneExpiredCache(ctx context.Context) (int64, error) {
	var dropped int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?;`, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("prune expired cache: %w", err)
		}
		dropped, _ = res.RowsAffected()
		return nil
	})
	return dropped, err
}
