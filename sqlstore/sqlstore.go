// Package sqlstore persists evaluation records and the audit log in SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reply-monitor/pkg/replier"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
// Pass ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One connection avoids "database is locked" and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parse migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
	}
	return nil
}

// Seen reports whether an evaluation record exists.
func (s *Store) Seen(ctx context.Context, handle, postID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM evaluations WHERE profile = ? AND post_id = ?", handle, postID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query evaluation: %w", err)
	}
	return n > 0, nil
}

// Insert stores a record unless one already exists for the same post.
func (s *Store) Insert(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	reasons, err := json.Marshal(nonNil(rec.Reasons))
	if err != nil {
		return false, fmt.Errorf("marshal reasons: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO evaluations (profile, post_id, decision, score, reasons, published_at, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Handle, rec.PostID, string(rec.Decision), rec.Score, string(reasons),
		formatTime(rec.PublishedAt), formatTime(rec.EvaluatedAt))
	if err != nil {
		return false, fmt.Errorf("insert evaluation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// HighWater returns the newest published time among a profile's evaluations.
func (s *Store) HighWater(ctx context.Context, handle string) (time.Time, bool, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(published_at) FROM evaluations WHERE profile = ? AND published_at != ''", handle).Scan(&raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query high-water mark: %w", err)
	}
	if !raw.Valid || raw.String == "" {
		return time.Time{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse high-water mark %q: %w", raw.String, err)
	}
	return ts, true, nil
}

// Evaluation loads a single record.
func (s *Store) Evaluation(ctx context.Context, handle, postID string) (*replier.EvaluationRecord, error) {
	var rec replier.EvaluationRecord
	var decision, reasons, published, evaluated string
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, post_id, decision, score, reasons, COALESCE(published_at, ''), evaluated_at
		 FROM evaluations WHERE profile = ? AND post_id = ?`, handle, postID).
		Scan(&rec.Handle, &rec.PostID, &decision, &rec.Score, &reasons, &published, &evaluated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, replier.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query evaluation: %w", err)
	}
	rec.Decision = replier.Decision(decision)
	if err := json.Unmarshal([]byte(reasons), &rec.Reasons); err != nil {
		return nil, fmt.Errorf("unmarshal reasons: %w", err)
	}
	rec.PublishedAt = parseTime(published)
	rec.EvaluatedAt = parseTime(evaluated)
	return &rec, nil
}

// Append writes an audit entry.
func (s *Store) Append(ctx context.Context, e *replier.AuditEntry) error {
	reasons, err := json.Marshal(nonNil(e.Reasons))
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (logged_at, profile, post_id, candidate_id, decision, score, reasons,
		                        gate, gate_reason, dispatch, reply_id, reply_text, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(e.Time), e.Handle, e.PostID, e.CandidateID, string(e.Decision), e.Score, string(reasons),
		string(e.Gate), e.GateReason, string(e.Dispatch), e.ReplyID, e.Text, e.Error)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest audit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]replier.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT logged_at, profile, post_id, candidate_id, decision, score, reasons,
		        gate, gate_reason, dispatch, reply_id, reply_text, error
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []replier.AuditEntry
	for rows.Next() {
		var e replier.AuditEntry
		var logged, decision, reasons, gate, dispatch string
		if err := rows.Scan(&logged, &e.Handle, &e.PostID, &e.CandidateID, &decision, &e.Score, &reasons,
			&gate, &e.GateReason, &dispatch, &e.ReplyID, &e.Text, &e.Error); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Time = parseTime(logged)
		e.Decision = replier.Decision(decision)
		e.Gate = replier.GateOutcome(gate)
		e.Dispatch = replier.DispatchStatus(dispatch)
		if err := json.Unmarshal([]byte(reasons), &e.Reasons); err != nil {
			return nil, fmt.Errorf("unmarshal reasons: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Timestamps are stored as fixed-width UTC RFC 3339 so MAX() orders them correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
