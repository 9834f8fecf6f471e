package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reply-monitor/gate"
	"reply-monitor/pkg/replier"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newLocalStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCandidateKey(t *testing.T) {
	id := uuid.NewString()
	if got := CandidateKey(id); got != "candidate-"+id+".json" {
		t.Errorf("CandidateKey() = %q", got)
	}
	for _, bad := range []string{"", "../etc/passwd", "not-a-uuid"} {
		if got := CandidateKey(bad); got != "" {
			t.Errorf("CandidateKey(%q) = %q, want empty", bad, got)
		}
	}
}

func TestLedgerKey(t *testing.T) {
	tests := []struct {
		handle string
		want   string
	}{
		{"Alice", "seen-alice.json"},
		{"@bob_1", "seen-bob_1.json"},
		{"../x", ""},
		{"a/b", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ledgerKey(tt.handle); got != tt.want {
			t.Errorf("ledgerKey(%q) = %q, want %q", tt.handle, got, tt.want)
		}
	}
}

func TestRateStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)

	st, err := s.LoadRateState(ctx)
	if err != nil {
		t.Fatalf("LoadRateState() on empty store error = %v", err)
	}
	if st.Count != 0 {
		t.Errorf("empty state count = %d", st.Count)
	}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	want := gate.RateState{LastReply: map[string]time.Time{"alice": now}, WindowStart: now, Count: 4}
	if err := s.SaveRateState(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRateState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != 4 || !got.LastReply["alice"].Equal(now) || !got.WindowStart.Equal(now) {
		t.Errorf("LoadRateState() = %+v", got)
	}
}

func TestCandidateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	first := &replier.CandidateReply{ID: uuid.NewString(), Handle: "alice", PostID: "1", Gate: replier.GatePendingReview, CreatedAt: base.Add(time.Minute)}
	second := &replier.CandidateReply{ID: uuid.NewString(), Handle: "bob", PostID: "2", Gate: replier.GateDeferred, CreatedAt: base}
	for _, c := range []*replier.CandidateReply{first, second} {
		if err := s.SaveCandidate(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListCandidates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("ListCandidates() not ordered oldest first: %+v", list)
	}

	updated, err := s.SetVerdict(ctx, first.ID, replier.VerdictApproved)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Verdict != replier.VerdictApproved {
		t.Errorf("SetVerdict() verdict = %q", updated.Verdict)
	}

	if err := s.DeleteCandidate(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteCandidate(ctx, first.ID); err != nil {
		t.Errorf("second DeleteCandidate() error = %v, want idempotent", err)
	}
	if _, err := s.LoadCandidate(ctx, first.ID); !IsNotFound(err) {
		t.Errorf("LoadCandidate() after delete error = %v, want not found", err)
	}
	if _, err := s.LoadCandidate(ctx, "../../secret"); !IsNotFound(err) {
		t.Errorf("LoadCandidate(invalid) error = %v, want not found", err)
	}
}

func TestLedgerBackend(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	ts := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	rec := &replier.EvaluationRecord{Handle: "alice", PostID: "1", Decision: replier.DecisionReply, PublishedAt: ts}
	inserted, err := s.Insert(ctx, rec)
	if err != nil || !inserted {
		t.Fatalf("Insert() = %v, %v", inserted, err)
	}
	inserted, err = s.Insert(ctx, &replier.EvaluationRecord{Handle: "alice", PostID: "1", Decision: replier.DecisionSkip})
	if err != nil || inserted {
		t.Fatalf("duplicate Insert() = %v, %v", inserted, err)
	}

	seen, err := s.Seen(ctx, "alice", "1")
	if err != nil || !seen {
		t.Errorf("Seen() = %v, %v", seen, err)
	}
	mark, ok, err := s.HighWater(ctx, "alice")
	if err != nil || !ok || !mark.Equal(ts) {
		t.Errorf("HighWater() = %v, %v, %v", mark, ok, err)
	}
	if _, ok, _ := s.HighWater(ctx, "bob"); ok {
		t.Error("HighWater() for unknown profile should report false")
	}

	// No temp files are left behind.
	matches, _ := filepath.Glob(filepath.Join(s.localPath, "*.tmp"))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t)
	if _, err := s.LoadSummary(ctx); !IsNotFound(err) {
		t.Errorf("LoadSummary() on empty store error = %v", err)
	}
	sum := &replier.RunSummary{ProfilesProcessed: 3, RepliesSent: 1}
	if err := s.SaveSummary(ctx, sum); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadSummary(ctx)
	if err != nil || got.ProfilesProcessed != 3 {
		t.Errorf("LoadSummary() = %+v, %v", got, err)
	}
}

func TestLocalDirMissing(t *testing.T) {
	s := New(nil, "", filepath.Join(os.TempDir(), uuid.NewString()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := s.ListCandidates(context.Background()); err == nil {
		t.Error("ListCandidates() on missing directory should fail")
	}
}
