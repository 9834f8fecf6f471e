// Package identity tracks which posts have already been evaluated per profile.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"time"
)

// Backend persists evaluation records. Insert must be insert-if-absent: a second
// insert for the same (handle, post id) leaves the first record untouched.
type Backend interface {
	Seen(ctx context.Context, handle, postID string) (bool, error)
	Insert(ctx context.Context, rec *replier.EvaluationRecord) (bool, error)
	HighWater(ctx context.Context, handle string) (time.Time, bool, error)
}

// Store answers "have we evaluated this post before?" for each profile.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// New creates a new identity store.
func New(backend Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		logger:  logger,
	}
}

// IsNew reports whether the post has no evaluation record. If the backend cannot
// be reached the post is treated as already seen, so a storage outage never
// causes duplicate replies.
func (s *Store) IsNew(ctx context.Context, handle, postID string) bool {
	seen, err := s.backend.Seen(ctx, handle, postID)
	if err != nil {
		s.logger.Error("Identity lookup failed, treating post as seen", "profile", handle, "post_id", postID, "error", err)
		return false
	}
	return !seen
}

// MarkSeen records a skip decision for a post published at ts if no record exists yet.
func (s *Store) MarkSeen(ctx context.Context, handle, postID string, ts time.Time) error {
	_, err := s.Record(ctx, &replier.EvaluationRecord{
		Handle:      handle,
		PostID:      postID,
		Decision:    replier.DecisionSkip,
		PublishedAt: ts,
		EvaluatedAt: time.Now().UTC(),
	})
	return err
}

// Record writes an evaluation record. It returns false when one already existed.
func (s *Store) Record(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	inserted, err := s.backend.Insert(ctx, rec)
	if err != nil {
		return false, fmt.Errorf("record evaluation: %w", err)
	}
	if !inserted {
		s.logger.Debug("Evaluation already recorded", "profile", rec.Handle, "post_id", rec.PostID)
	}
	return inserted, nil
}

// HighWaterMark returns the publish time of the newest evaluated post for a profile.
func (s *Store) HighWaterMark(ctx context.Context, handle string) (time.Time, bool, error) {
	ts, ok, err := s.backend.HighWater(ctx, handle)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load high-water mark: %w", err)
	}
	return ts, ok, nil
}

// FilterFresh returns the posts that still need evaluation, preserving input order.
// A post id repeated in the batch is kept once. Posts strictly older than the high-water mark are discarded without a lookup;
// posts at or after it are checked by id. A failed high-water lookup returns an
// error so the caller can fail the profile rather than re-evaluate its history.
func (s *Store) FilterFresh(ctx context.Context, handle string, posts []replier.Post) ([]replier.Post, error) {
	mark, hasMark, err := s.HighWaterMark(ctx, handle)
	if err != nil {
		return nil, err
	}

	var fresh []replier.Post
	var stale, seen, dup int
	ids := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		if _, ok := ids[p.ID]; ok {
			dup++
			continue
		}
		ids[p.ID] = struct{}{}
		if hasMark && !p.PublishedAt.IsZero() && p.PublishedAt.Before(mark) {
			stale++
			continue
		}
		if !s.IsNew(ctx, handle, p.ID) {
			seen++
			continue
		}
		fresh = append(fresh, p)
	}

	s.logger.Info("Posts filtered",
		"profile", handle,
		"fetched", len(posts),
		"fresh", len(fresh),
		"older_than_mark", stale,
		"already_seen", seen,
		"duplicates", dup)

	return fresh, nil
}
