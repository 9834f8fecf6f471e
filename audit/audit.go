// Package audit writes pipeline outcomes to append-only sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"strings"
)

// Sink accepts audit entries. Implementations must only ever append.
type Sink interface {
	Append(ctx context.Context, e *replier.AuditEntry) error
}

// Multi writes every entry to all sinks. One failing sink does not stop the others.
type Multi []Sink

// Append implements Sink.
func (m Multi) Append(ctx context.Context, e *replier.AuditEntry) error {
	var errs []error
	for i, s := range m {
		if err := s.Append(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("audit sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Log writes entries to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Append implements Sink.
func (l *Log) Append(_ context.Context, e *replier.AuditEntry) error {
	attrs := []any{
		"profile", e.Handle,
		"post_id", e.PostID,
		"decision", string(e.Decision),
		"score", e.Score,
		"reasons", strings.Join(e.Reasons, ","),
	}
	if e.CandidateID != "" {
		attrs = append(attrs, "candidate_id", e.CandidateID, "gate", string(e.Gate), "dispatch", string(e.Dispatch))
	}
	if e.GateReason != "" {
		attrs = append(attrs, "gate_reason", e.GateReason)
	}
	if e.ReplyID != "" {
		attrs = append(attrs, "reply_id", e.ReplyID)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error)
	}
	l.logger.Info("Audit", attrs...)
	return nil
}

// FromCandidate builds the entry for a candidate's current state.
func FromCandidate(c *replier.CandidateReply, decision replier.Decision) *replier.AuditEntry {
	return &replier.AuditEntry{
		Time:        c.UpdatedAt,
		Handle:      c.Handle,
		PostID:      c.PostID,
		CandidateID: c.ID,
		Decision:    decision,
		Gate:        c.Gate,
		GateReason:  c.GateReason,
		Dispatch:    c.Dispatch,
		ReplyID:     c.ReplyID,
		Text:        c.Text,
		Error:       c.Error,
		Reasons:     c.Reasons,
		Score:       c.Score,
	}
}

// FromRecord builds the entry for an evaluation that produced no candidate.
func FromRecord(rec *replier.EvaluationRecord) *replier.AuditEntry {
	return &replier.AuditEntry{
		Time:     rec.EvaluatedAt,
		Handle:   rec.Handle,
		PostID:   rec.PostID,
		Decision: rec.Decision,
		Reasons:  rec.Reasons,
		Score:    rec.Score,
	}
}
