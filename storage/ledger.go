package storage

import (
	"context"
	"fmt"
	"reply-monitor/pkg/replier"
	"time"
)

// ledger is the per-profile identity document.
type ledger struct {
	Records   map[string]replier.EvaluationRecord `json:"records"`
	HighWater time.Time                           `json:"high_water"`
}

func (s *Store) loadLedger(ctx context.Context, handle string) (*ledger, string, error) {
	key := ledgerKey(handle)
	if key == "" {
		return nil, "", fmt.Errorf("invalid profile handle %q", handle)
	}
	var l ledger
	if err := s.load(ctx, key, &l); err != nil {
		if !IsNotFound(err) {
			return nil, key, err
		}
	}
	if l.Records == nil {
		l.Records = make(map[string]replier.EvaluationRecord)
	}
	return &l, key, nil
}

// Seen reports whether the profile's ledger holds the post.
func (s *Store) Seen(ctx context.Context, handle, postID string) (bool, error) {
	l, _, err := s.loadLedger(ctx, handle)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}
	_, ok := l.Records[postID]
	return ok, nil
}

// Insert adds a record to the profile's ledger unless the post is already there.
// Writes within this process are serialised; concurrent writers in other
// processes are not supported by the document backend.
func (s *Store) Insert(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	l, key, err := s.loadLedger(ctx, rec.Handle)
	if err != nil {
		return false, fmt.Errorf("load ledger: %w", err)
	}
	if _, ok := l.Records[rec.PostID]; ok {
		return false, nil
	}
	l.Records[rec.PostID] = *rec
	if rec.PublishedAt.After(l.HighWater) {
		l.HighWater = rec.PublishedAt
	}
	if err := s.save(ctx, key, l); err != nil {
		return false, fmt.Errorf("save ledger: %w", err)
	}
	return true, nil
}

// HighWater returns the newest published time in the profile's ledger.
func (s *Store) HighWater(ctx context.Context, handle string) (time.Time, bool, error) {
	l, _, err := s.loadLedger(ctx, handle)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load ledger: %w", err)
	}
	return l.HighWater, !l.HighWater.IsZero(), nil
}
