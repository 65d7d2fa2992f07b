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

var ErrNotFound = errors.New("not found")

const sessionColumns = "id, user_id, status, description, mode, deep_thinking, requested_models, strategy, progress, current_step, results, exec_meta, error_message, created_at, started_at, completed_at"

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Status == "" {
		sess.Status = session.StatusPending
	}
	modelsJSON, err := json.Marshal(sess.RequestedModels)
	if err != nil {
		return fmt.Errorf("marshal requested models: %w", err)
	}

	q := s.sql.Insert("sessions").
		Columns("id", "user_id", "status", "description", "mode", "deep_thinking", "requested_models", "strategy", "progress", "current_step", "created_at").
		Values(sess.ID, sess.UserID, string(sess.Status), sess.Description, string(sess.Mode), sess.DeepThinking, string(modelsJSON), string(sess.Strategy), sess.Progress, sess.CurrentStep, sess.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	q := s.sql.Select(sessionColumns).From("sessions").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return session.Session{}, fmt.Errorf("build get session query: %w", err)
	}
	return s.scanSession(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) scanSession(row *sql.Row) (session.Session, error) {
	var sess session.Session
	var status, mode, strategy, modelsJSON string
	var results, execMeta, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&status,
		&sess.Description,
		&mode,
		&sess.DeepThinking,
		&modelsJSON,
		&strategy,
		&sess.Progress,
		&sess.CurrentStep,
		&results,
		&execMeta,
		&errMsg,
		&sess.CreatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, ErrNotFound
		}
		return session.Session{}, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = session.Status(status)
	sess.Mode = session.Mode(mode)
	sess.Strategy = session.Strategy(strategy)
	if err := json.Unmarshal([]byte(modelsJSON), &sess.RequestedModels); err != nil {
		return session.Session{}, fmt.Errorf("decode requested models: %w", err)
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &sess.Results); err != nil {
			return session.Session{}, fmt.Errorf("decode results: %w", err)
		}
	}
	if execMeta.Valid && execMeta.String != "" {
		var meta session.ExecMeta
		if err := json.Unmarshal([]byte(execMeta.String), &meta); err != nil {
			return session.Session{}, fmt.Errorf("decode exec meta: %w", err)
		}
		sess.ExecMeta = &meta
	}
	if errMsg.Valid {
		sess.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		sess.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return sess, nil
}

// MarkRunning moves pending -> running with the initial progress mark. The
// status predicate is the compare-and-swap that makes the transition safe
// against a concurrent cancellation.
func (s *Store) MarkRunning(ctx context.Context, id, step string) error {
	q := s.sql.Update("sessions").
		Set("status", string(session.StatusRunning)).
		Set("progress", 5).
		Set("current_step", step).
		Set("started_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "status": string(session.StatusPending)})
	return s.execTransition(ctx, q, id)
}

// UpdateProgress advances progress and step text for a running session. Late
// or out-of-order updates are discarded by the predicate: the row must still
// be running and the new value must not move the counter backwards.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, step string) (bool, error) {
	progress = session.ClampProgress(progress)
	q := s.sql.Update("sessions").
		Set("progress", progress).
		Set("current_step", step).
		Where(sq.And{
			sq.Eq{"id": id, "status": string(session.StatusRunning)},
			sq.LtOrEq{"progress": progress},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build progress query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("progress rows affected: %w", err)
	}
	return n > 0, nil
}

// CompleteSession moves running -> completed with the merged results.
func (s *Store) CompleteSession(ctx context.Context, id string, results session.Results, meta *session.ExecMeta) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal exec meta: %w", err)
	}
	q := s.sql.Update("sessions").
		Set("status", string(session.StatusCompleted)).
		Set("progress", 100).
		Set("current_step", "done").
		Set("results", string(resultsJSON)).
		Set("exec_meta", string(metaJSON)).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "status": string(session.StatusRunning)})
	return s.execTransition(ctx, q, id)
}

// FailSession terminates a non-terminal session with an aggregated error.
func (s *Store) FailSession(ctx context.Context, id, message string) error {
	q := s.sql.Update("sessions").
		Set("status", string(session.StatusFailed)).
		Set("error_message", message).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{
			"id":     id,
			"status": []string{string(session.StatusPending), string(session.StatusRunning)},
		})
	return s.execTransition(ctx, q, id)
}

// CancelSession moves pending|running -> cancelled. An already-terminal
// session yields ErrInvalidTransition.
func (s *Store) CancelSession(ctx context.Context, id string) error {
	q := s.sql.Update("sessions").
		Set("status", string(session.StatusCancelled)).
		Set("completed_at", time.Now().UTC()).
		Where(sq.Eq{
			"id":     id,
			"status": []string{string(session.StatusPending), string(session.StatusRunning)},
		})
	return s.execTransition(ctx, q, id)
}

func (s *Store) execTransition(ctx context.Context, q sq.UpdateBuilder, id string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build transition query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("exec transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	// Zero rows: either the session does not exist or the CAS lost.
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return session.ErrInvalidTransition
}

// CountActiveSessions reports how many non-terminal sessions a user owns.
func (s *Store) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	q := s.sql.Select("COUNT(*)").From("sessions").Where(sq.Eq{
		"user_id": userID,
		"status":  []string{string(session.StatusPending), string(session.StatusRunning)},
	})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build active count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

func (s *Store) InsertUsage(ctx context.Context, entries []UsageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q := s.sql.Insert("usage_log").Columns("session_id", "user_id", "model_id", "tokens", "cost_cents", "created_at")
	now := time.Now().UTC()
	for _, e := range entries {
		q = q.Values(e.SessionID, e.UserID, e.ModelID, e.Tokens, e.CostCents, now)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build usage insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage entries: %w", err)
	}
	return nil
}
