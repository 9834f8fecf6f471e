package storage

import (
	"context"
	"fmt"
	"reply-monitor/gate"
	"reply-monitor/pkg/replier"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	rateStateKey     = "rate-state.json"
	latestSummaryKey = "summary-latest.json"
	candidatePrefix  = "candidate-"
)

// CandidateKey generates a stable filename from a candidate id.
// Only valid UUIDs are accepted, which rules out path traversal.
func CandidateKey(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return ""
	}
	return candidatePrefix + u.String() + ".json"
}

// LoadRateState loads the gate's rate state. A missing document yields an empty state.
func (s *Store) LoadRateState(ctx context.Context) (gate.RateState, error) {
	var st gate.RateState
	if err := s.load(ctx, rateStateKey, &st); err != nil {
		if IsNotFound(err) {
			s.logger.Info("No rate state found, starting fresh")
			return gate.RateState{}, nil
		}
		return gate.RateState{}, fmt.Errorf("load rate state: %w", err)
	}
	return st, nil
}

// SaveRateState persists the gate's rate state.
func (s *Store) SaveRateState(ctx context.Context, st gate.RateState) error {
	if err := s.save(ctx, rateStateKey, st); err != nil {
		return fmt.Errorf("save rate state: %w", err)
	}
	s.logger.Info("Rate state saved", "window_count", st.Count, "profiles", len(st.LastReply))
	return nil
}

// SaveCandidate stores a pending candidate.
func (s *Store) SaveCandidate(ctx context.Context, c *replier.CandidateReply) error {
	key := CandidateKey(c.ID)
	if key == "" {
		return fmt.Errorf("invalid candidate id %q", c.ID)
	}
	if err := s.save(ctx, key, c); err != nil {
		return fmt.Errorf("save candidate: %w", err)
	}
	s.logger.Info("Candidate saved", "candidate_id", c.ID, "profile", c.Handle, "post_id", c.PostID, "gate", string(c.Gate))
	return nil
}

// LoadCandidate loads a candidate by id.
func (s *Store) LoadCandidate(ctx context.Context, id string) (*replier.CandidateReply, error) {
	key := CandidateKey(id)
	if key == "" {
		// Same error as "not found" so callers need not distinguish malformed ids.
		return nil, fmt.Errorf("candidate %s: %w", id, replier.ErrNotFound)
	}
	var c replier.CandidateReply
	if err := s.load(ctx, key, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteCandidate removes a candidate once it has reached a terminal state.
func (s *Store) DeleteCandidate(ctx context.Context, id string) error {
	key := CandidateKey(id)
	if key == "" {
		return fmt.Errorf("invalid candidate id %q", id)
	}
	if err := s.remove(ctx, key); err != nil {
		return err
	}
	s.logger.Info("Candidate removed", "candidate_id", id)
	return nil
}

// ListCandidates returns all stored candidates, oldest first.
func (s *Store) ListCandidates(ctx context.Context) ([]*replier.CandidateReply, error) {
	keys, err := s.keys(ctx, candidatePrefix)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	var out []*replier.CandidateReply
	for _, key := range keys {
		var c replier.CandidateReply
		if err := s.load(ctx, key, &c); err != nil {
			s.logger.Warn("Failed to load candidate", "key", key, "error", err)
			continue
		}
		out = append(out, &c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SetVerdict records a reviewer's decision on a pending candidate.
func (s *Store) SetVerdict(ctx context.Context, id string, v replier.Verdict) (*replier.CandidateReply, error) {
	c, err := s.LoadCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Verdict = v
	if err := s.SaveCandidate(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveSummary stores the latest run summary.
func (s *Store) SaveSummary(ctx context.Context, sum *replier.RunSummary) error {
	if err := s.save(ctx, latestSummaryKey, sum); err != nil {
		return fmt.Errorf("save run summary: %w", err)
	}
	return nil
}

// LoadSummary loads the latest run summary.
func (s *Store) LoadSummary(ctx context.Context) (*replier.RunSummary, error) {
	var sum replier.RunSummary
	if err := s.load(ctx, latestSummaryKey, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// ledgerKey maps a profile handle to its identity ledger document.
func ledgerKey(handle string) string {
	h := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if h == "" || len(h) > 64 {
		return ""
	}
	for _, c := range h {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' || c == '.') {
			return ""
		}
	}
	return "seen-" + h + ".json"
}
