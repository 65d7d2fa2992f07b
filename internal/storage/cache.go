package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"namegen/internal/session"
)

// GetGenerationResults returns a cached result set by input hash. Entries
// older than ttl are logically invisible; the purge loop removes them later.
func (s *Store) GetGenerationResults(ctx context.Context, inputHash string, ttl time.Duration) (session.Results, error) {
	q := s.sql.Select("results", "cached_at").From("generation_cache").Where(sq.Eq{"input_hash": inputHash})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build generation cache query: %w", err)
	}

	var resultsJSON string
	var cachedAt time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&resultsJSON, &cachedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get generation cache: %w", err)
	}
	if time.Now().UTC().Sub(cachedAt.UTC()) > ttl {
		return nil, ErrNotFound
	}

	var results session.Results
	if err := json.Unmarshal([]byte(resultsJSON), &results); err != nil {
		return nil, fmt.Errorf("decode cached results: %w", err)
	}
	return results, nil
}

// PutGenerationResults memoizes a completed generation, replacing any prior
// entry for the same input hash.
func (s *Store) PutGenerationResults(ctx context.Context, inputHash string, results session.Results, cachedAt time.Time) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal cached results: %w", err)
	}
	q := s.sql.Insert("generation_cache").
		Columns("input_hash", "results", "cached_at").
		Values(inputHash, string(resultsJSON), cachedAt.UTC()).
		Suffix("ON CONFLICT(input_hash) DO UPDATE SET results=excluded.results, cached_at=excluded.cached_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build generation cache upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put generation cache: %w", err)
	}
	return nil
}

// GetDomainAvailability reads the availability cache for one exact domain.
func (s *Store) GetDomainAvailability(ctx context.Context, domain string, ttl time.Duration) (bool, error) {
	q := s.sql.Select("available", "checked_at").From("domain_cache").Where(sq.Eq{"domain": domain})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build domain cache query: %w", err)
	}

	var available bool
	var checkedAt time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&available, &checkedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("get domain cache: %w", err)
	}
	if time.Now().UTC().Sub(checkedAt.UTC()) > ttl {
		return false, ErrNotFound
	}
	return available, nil
}

// PutDomainAvailability writes back a fresh lookup, overwriting any stale row
// for that exact domain.
func (s *Store) PutDomainAvailability(ctx context.Context, domain string, available bool, checkedAt time.Time) error {
	q := s.sql.Insert("domain_cache").
		Columns("domain", "available", "checked_at").
		Values(domain, available, checkedAt.UTC()).
		Suffix("ON CONFLICT(domain) DO UPDATE SET available=excluded.available, checked_at=excluded.checked_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build domain cache upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("put domain cache: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes rows past their TTL from both cache tables.
func (s *Store) PurgeExpiredCache(ctx context.Context, generationTTL, domainTTL time.Duration) (int64, error) {
	now := time.Now().UTC()
	var purged int64

	for _, del := range []sq.DeleteBuilder{
		s.sql.Delete("generation_cache").Where(sq.Lt{"cached_at": now.Add(-generationTTL)}),
		s.sql.Delete("domain_cache").Where(sq.Lt{"checked_at": now.Add(-domainTTL)}),
	} {
		sqlStr, args, err := del.ToSql()
		if err != nil {
			return purged, fmt.Errorf("build purge query: %w", err)
		}
		res, err := s.db.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return purged, fmt.Errorf("purge expired cache: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += n
		}
	}
	return purged, nil
}
