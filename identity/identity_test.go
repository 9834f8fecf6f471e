package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reply-monitor/pkg/replier"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type failingBackend struct{}

func (failingBackend) Seen(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingBackend) Insert(context.Context, *replier.EvaluationRecord) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingBackend) HighWater(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection refused")
}

func TestMarkSeenIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(), testLogger())
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if !s.IsNew(ctx, "alice", "p1") {
		t.Fatal("IsNew() = false before any record")
	}
	if err := s.MarkSeen(ctx, "alice", "p1", ts); err != nil {
		t.Fatalf("MarkSeen() error = %v", err)
	}
	if err := s.MarkSeen(ctx, "alice", "p1", ts.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkSeen() error = %v", err)
	}
	if s.IsNew(ctx, "alice", "p1") {
		t.Error("IsNew() = true after MarkSeen")
	}
	if !s.IsNew(ctx, "bob", "p1") {
		t.Error("post ids must be scoped per profile")
	}

	mark, ok, err := s.HighWaterMark(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("HighWaterMark() = %v, %v, %v", mark, ok, err)
	}
	if !mark.Equal(ts) {
		t.Errorf("HighWaterMark() = %v, want %v (second MarkSeen must not overwrite)", mark, ts)
	}
}

func TestRecordImmutable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	s := New(mem, testLogger())

	first := &replier.EvaluationRecord{Handle: "alice", PostID: "p1", Decision: replier.DecisionReply, Score: 3}
	inserted, err := s.Record(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("Record() = %v, %v; want true, nil", inserted, err)
	}

	second := &replier.EvaluationRecord{Handle: "alice", PostID: "p1", Decision: replier.DecisionSkip}
	inserted, err = s.Record(ctx, second)
	if err != nil || inserted {
		t.Fatalf("second Record() = %v, %v; want false, nil", inserted, err)
	}

	got, _ := mem.Get("alice", "p1")
	if got.Decision != replier.DecisionReply || got.Score != 3 {
		t.Errorf("stored record changed: %+v", got)
	}
}

func TestIsNewFailsClosed(t *testing.T) {
	s := New(failingBackend{}, testLogger())
	if s.IsNew(context.Background(), "alice", "p1") {
		t.Error("IsNew() = true with unreachable backend, want false")
	}
}

func TestFilterFresh(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(), testLogger())
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Mark is base; "p-at" shares the mark timestamp and is still checked by id.
	if err := s.MarkSeen(ctx, "alice", "p-old", base); err != nil {
		t.Fatal(err)
	}

	posts := []replier.Post{
		{ID: "p-new", PublishedAt: base.Add(time.Hour)},
		{ID: "p-at", PublishedAt: base},
		{ID: "p-old", PublishedAt: base},
		{ID: "p-older", PublishedAt: base.Add(-time.Hour)},
	}

	fresh, err := s.FilterFresh(ctx, "alice", posts)
	if err != nil {
		t.Fatalf("FilterFresh() error = %v", err)
	}

	var ids []string
	for _, p := range fresh {
		ids = append(ids, p.ID)
	}
	want := []string{"p-new", "p-at"}
	if len(ids) != len(want) {
		t.Fatalf("FilterFresh() ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("FilterFresh()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestFilterFreshRepeatedRunYieldsNothing(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemory(), testLogger())
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []replier.Post{
		{ID: "a", PublishedAt: base.Add(2 * time.Minute)},
		{ID: "b", PublishedAt: base.Add(time.Minute)},
	}

	fresh, err := s.FilterFresh(ctx, "alice", posts)
	if err != nil || len(fresh) != 2 {
		t.Fatalf("first FilterFresh() = %d posts, %v", len(fresh), err)
	}
	for _, p := range fresh {
		if err := s.MarkSeen(ctx, "alice", p.ID, p.PublishedAt); err != nil {
			t.Fatal(err)
		}
	}

	fresh, err = s.FilterFresh(ctx, "alice", posts)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 0 {
		t.Errorf("second FilterFresh() = %d posts, want 0", len(fresh))
	}
}

func TestFilterFreshDropsDuplicateIDs(t *testing.T) {
	s := New(NewMemory(), testLogger())
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	posts := []replier.Post{
		{ID: "2", PublishedAt: base.Add(time.Minute)},
		{ID: "2", PublishedAt: base.Add(time.Minute)},
		{ID: "1", PublishedAt: base},
	}

	fresh, err := s.FilterFresh(context.Background(), "alice", posts)
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh) != 2 || fresh[0].ID != "2" || fresh[1].ID != "1" {
		t.Errorf("FilterFresh() = %+v, want posts 2 and 1 once each", fresh)
	}
}

func TestFilterFreshBackendDown(t *testing.T) {
	s := New(failingBackend{}, testLogger())
	if _, err := s.FilterFresh(context.Background(), "alice", []replier.Post{{ID: "x"}}); err == nil {
		t.Error("FilterFresh() error = nil with unreachable backend")
	}
}
