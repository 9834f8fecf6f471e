package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"reply-monitor/pkg/replier"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	published := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	rec := &replier.EvaluationRecord{
		Handle:      "alice",
		PostID:      "100",
		Decision:    replier.DecisionReply,
		Score:       3,
		Reasons:     []string{"airdrop"},
		PublishedAt: published,
		EvaluatedAt: published.Add(time.Hour),
	}
	inserted, err := s.Insert(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("Insert() = %v, %v; want true, nil", inserted, err)
	}

	dup := *rec
	dup.Decision = replier.DecisionSkip
	inserted, err = s.Insert(ctx, &dup)
	if err != nil || inserted {
		t.Fatalf("duplicate Insert() = %v, %v; want false, nil", inserted, err)
	}

	got, err := s.Evaluation(ctx, "alice", "100")
	if err != nil {
		t.Fatalf("Evaluation() error = %v", err)
	}
	if got.Decision != replier.DecisionReply || got.Score != 3 || len(got.Reasons) != 1 {
		t.Errorf("Evaluation() = %+v, want original record", got)
	}
	if !got.PublishedAt.Equal(published) {
		t.Errorf("PublishedAt = %v, want %v", got.PublishedAt, published)
	}

	seen, err := s.Seen(ctx, "alice", "100")
	if err != nil || !seen {
		t.Errorf("Seen() = %v, %v", seen, err)
	}
	seen, err = s.Seen(ctx, "bob", "100")
	if err != nil || seen {
		t.Errorf("Seen(bob) = %v, %v; want false", seen, err)
	}
}

func TestHighWater(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, ok, err := s.HighWater(ctx, "alice"); err != nil || ok {
		t.Fatalf("HighWater() on empty = %v, %v", ok, err)
	}

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, offset := range []time.Duration{time.Hour, 3 * time.Hour, 2 * time.Hour} {
		rec := &replier.EvaluationRecord{
			Handle:      "alice",
			PostID:      string(rune('a' + i)),
			Decision:    replier.DecisionSkip,
			PublishedAt: base.Add(offset),
			EvaluatedAt: base,
		}
		if _, err := s.Insert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	mark, ok, err := s.HighWater(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("HighWater() = %v, %v, %v", mark, ok, err)
	}
	if want := base.Add(3 * time.Hour); !mark.Equal(want) {
		t.Errorf("HighWater() = %v, want %v", mark, want)
	}
}

func TestEvaluationNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Evaluation(context.Background(), "alice", "nope"); !errors.Is(err, replier.ErrNotFound) {
		t.Errorf("Evaluation() error = %v, want ErrNotFound", err)
	}
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	entries := []replier.AuditEntry{
		{Time: now, Handle: "alice", PostID: "1", Decision: replier.DecisionSkip},
		{Time: now, Handle: "alice", PostID: "2", Decision: replier.DecisionReply, Gate: replier.GateApproved,
			Dispatch: replier.DispatchFailed, Error: "rejected", Reasons: []string{"airdrop"}},
	}
	for i := range entries {
		if err := s.Append(ctx, &entries[i]); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent() returned %d entries, want 2", len(got))
	}
	if got[0].PostID != "2" || got[0].Dispatch != replier.DispatchFailed || got[0].Error != "rejected" {
		t.Errorf("newest entry = %+v", got[0])
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "replies.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.Insert(context.Background(), &replier.EvaluationRecord{Handle: "a", PostID: "1", Decision: replier.DecisionSkip, EvaluatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	seen, err := s.Seen(context.Background(), "a", "1")
	if err != nil || !seen {
		t.Errorf("record lost across reopen: %v, %v", seen, err)
	}
}
