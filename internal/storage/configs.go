package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const modelConfigColumns = "id, display_name, provider, kind, base_url, endpoint, enc_api_key, enabled, maintenance, max_tokens, temperature, cost_per_1k_cents, rate_per_minute, timeout_seconds, updated_at"

func (s *Store) ListModelConfigs(ctx context.Context) ([]ModelConfigRecord, error) {
	q := s.sql.Select(modelConfigColumns).From("model_configs").OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list model configs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	out := make([]ModelConfigRecord, 0)
	for rows.Next() {
		var rec ModelConfigRecord
		var encKey sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.DisplayName,
			&rec.Provider,
			&rec.Kind,
			&rec.BaseURL,
			&rec.Endpoint,
			&encKey,
			&rec.Enabled,
			&rec.Maintenance,
			&rec.MaxTokens,
			&rec.Temperature,
			&rec.CostPer1KCents,
			&rec.RatePerMinute,
			&rec.TimeoutSeconds,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan model config row: %w", err)
		}
		if encKey.Valid {
			rec.EncAPIKey = &encKey.String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model config rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertModelConfig(ctx context.Context, rec ModelConfigRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("model_configs").
		Columns("id", "display_name", "provider", "kind", "base_url", "endpoint", "enc_api_key", "enabled", "maintenance", "max_tokens", "temperature", "cost_per_1k_cents", "rate_per_minute", "timeout_seconds", "updated_at").
		Values(rec.ID, rec.DisplayName, rec.Provider, rec.Kind, rec.BaseURL, rec.Endpoint, rec.EncAPIKey, rec.Enabled, rec.Maintenance, rec.MaxTokens, rec.Temperature, rec.CostPer1KCents, rec.RatePerMinute, rec.TimeoutSeconds, rec.UpdatedAt).
		Suffix("ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, provider=excluded.provider, kind=excluded.kind, base_url=excluded.base_url, endpoint=excluded.endpoint, enc_api_key=excluded.enc_api_key, enabled=excluded.enabled, maintenance=excluded.maintenance, max_tokens=excluded.max_tokens, temperature=excluded.temperature, cost_per_1k_cents=excluded.cost_per_1k_cents, rate_per_minute=excluded.rate_per_minute, timeout_seconds=excluded.timeout_seconds, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model config upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert model config: %w", err)
	}
	return nil
}

func (s *Store) SetModelFlags(ctx context.Context, id string, enabled, maintenance bool) error {
	q := s.sql.Update("model_configs").
		Set("enabled", enabled).
		Set("maintenance", maintenance).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build model flags query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set model flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetPreferences(ctx context.Context, userID string) (PreferencesRecord, error) {
	q := s.sql.Select("user_id", "preferred_models", "priorities", "default_mode", "default_deep_thinking", "custom_params", "notifications", "max_concurrent", "created_at").
		From("user_prefs").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PreferencesRecord{}, fmt.Errorf("build get preferences query: %w", err)
	}

	var rec PreferencesRecord
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&rec.UserID,
		&rec.PreferredModelsJSON,
		&rec.PrioritiesJSON,
		&rec.DefaultMode,
		&rec.DefaultDeepThinking,
		&rec.CustomParamsJSON,
		&rec.NotificationsJSON,
		&rec.MaxConcurrent,
		&rec.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PreferencesRecord{}, ErrNotFound
		}
		return PreferencesRecord{}, fmt.Errorf("get preferences: %w", err)
	}
	return rec, nil
}

// InsertPreferencesIfAbsent lazily creates a user's preference row. Losing
// the insert race to a concurrent request is fine: exactly one row survives.
func (s *Store) InsertPreferencesIfAbsent(ctx context.Context, rec PreferencesRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("user_prefs").
		Columns("user_id", "preferred_models", "priorities", "default_mode", "default_deep_thinking", "custom_params", "notifications", "max_concurrent", "created_at").
		Values(rec.UserID, rec.PreferredModelsJSON, rec.PrioritiesJSON, rec.DefaultMode, rec.DefaultDeepThinking, rec.CustomParamsJSON, rec.NotificationsJSON, rec.MaxConcurrent, rec.CreatedAt).
		Suffix("ON CONFLICT(user_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build preferences insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert preferences: %w", err)
	}
	return nil
}

func (s *Store) UpdatePreferences(ctx context.Context, rec PreferencesRecord) error {
	q := s.sql.Update("user_prefs").
		Set("preferred_models", rec.PreferredModelsJSON).
		Set("priorities", rec.PrioritiesJSON).
		Set("default_mode", rec.DefaultMode).
		Set("default_deep_thinking", rec.DefaultDeepThinking).
		Set("custom_params", rec.CustomParamsJSON).
		Set("notifications", rec.NotificationsJSON).
		Set("max_concurrent", rec.MaxConcurrent).
		Where(sq.Eq{"user_id": rec.UserID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build preferences update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
