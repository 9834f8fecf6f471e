// Package pgstore persists evaluation records and the audit log in Postgres.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"reply-monitor/pkg/replier"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evaluations (
		profile      TEXT NOT NULL,
		post_id      TEXT NOT NULL,
		decision     TEXT NOT NULL,
		score        DOUBLE PRECISION NOT NULL DEFAULT 0,
		reasons      TEXT[] NOT NULL DEFAULT '{}',
		published_at TIMESTAMPTZ,
		evaluated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (profile, post_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_profile_published ON evaluations (profile, published_at)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           BIGSERIAL PRIMARY KEY,
		logged_at    TIMESTAMPTZ NOT NULL,
		profile      TEXT NOT NULL,
		post_id      TEXT NOT NULL,
		candidate_id TEXT NOT NULL DEFAULT '',
		decision     TEXT NOT NULL,
		score        DOUBLE PRECISION NOT NULL DEFAULT 0,
		reasons      TEXT[] NOT NULL DEFAULT '{}',
		gate         TEXT NOT NULL DEFAULT '',
		gate_reason  TEXT NOT NULL DEFAULT '',
		dispatch     TEXT NOT NULL DEFAULT '',
		reply_id     TEXT NOT NULL DEFAULT '',
		reply_text   TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT ''
	)`,
}

// Store is a Postgres-backed identity backend and audit sink.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and creates the schema if needed.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w: %w", replier.ErrAdapterUnavailable, err)
	}

	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, q := range schema {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Seen reports whether an evaluation record exists.
func (s *Store) Seen(ctx context.Context, handle, postID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM evaluations WHERE profile = $1 AND post_id = $2)", handle, postID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query evaluation: %w", err)
	}
	return exists, nil
}

// Insert stores a record unless one already exists for the same post.
func (s *Store) Insert(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO evaluations (profile, post_id, decision, score, reasons, published_at, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT DO NOTHING`,
		rec.Handle, rec.PostID, string(rec.Decision), rec.Score, nonNil(rec.Reasons),
		nullTime(rec.PublishedAt), rec.EvaluatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert evaluation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// HighWater returns the newest published time among a profile's evaluations.
func (s *Store) HighWater(ctx context.Context, handle string) (time.Time, bool, error) {
	var mark *time.Time
	err := s.pool.QueryRow(ctx,
		"SELECT MAX(published_at) FROM evaluations WHERE profile = $1", handle).Scan(&mark)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query high-water mark: %w", err)
	}
	if mark == nil {
		return time.Time{}, false, nil
	}
	return mark.UTC(), true, nil
}

// Evaluation loads a single record.
func (s *Store) Evaluation(ctx context.Context, handle, postID string) (*replier.EvaluationRecord, error) {
	var rec replier.EvaluationRecord
	var decision string
	var published *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT profile, post_id, decision, score, reasons, published_at, evaluated_at
		 FROM evaluations WHERE profile = $1 AND post_id = $2`, handle, postID).
		Scan(&rec.Handle, &rec.PostID, &decision, &rec.Score, &rec.Reasons, &published, &rec.EvaluatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, replier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query evaluation: %w", err)
	}
	rec.Decision = replier.Decision(decision)
	if published != nil {
		rec.PublishedAt = *published
	}
	return &rec, nil
}

// Append writes an audit entry.
func (s *Store) Append(ctx context.Context, e *replier.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (logged_at, profile, post_id, candidate_id, decision, score, reasons,
		                        gate, gate_reason, dispatch, reply_id, reply_text, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.Time.UTC(), e.Handle, e.PostID, e.CandidateID, string(e.Decision), e.Score, nonNil(e.Reasons),
		string(e.Gate), e.GateReason, string(e.Dispatch), e.ReplyID, e.Text, e.Error)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest audit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]replier.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT logged_at, profile, post_id, candidate_id, decision, score, reasons,
		        gate, gate_reason, dispatch, reply_id, reply_text, error
		 FROM audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []replier.AuditEntry
	for rows.Next() {
		var e replier.AuditEntry
		var decision, gate, dispatch string
		if err := rows.Scan(&e.Time, &e.Handle, &e.PostID, &e.CandidateID, &decision, &e.Score, &e.Reasons,
			&gate, &e.GateReason, &dispatch, &e.ReplyID, &e.Text, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Decision = replier.Decision(decision)
		e.Gate = replier.GateOutcome(gate)
		e.Dispatch = replier.DispatchStatus(dispatch)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
