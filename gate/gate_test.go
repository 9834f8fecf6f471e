package gate

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reply-monitor/pkg/replier"
	"strings"
	"sync"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candidate(handle, text string) *replier.CandidateReply {
	return &replier.CandidateReply{Handle: handle, PostID: "p-" + handle, Text: text}
}

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func TestCooldown(t *testing.T) {
	g := New(Policy{Cooldown: 60 * time.Minute}, RateState{}, discard())

	if v := g.Evaluate(candidate("alice", "hi"), t0); v.Outcome != replier.GateApproved {
		t.Fatalf("first candidate = %+v, want approved", v)
	}

	v := g.Evaluate(candidate("alice", "hi again"), t0.Add(10*time.Minute))
	if v.Outcome != replier.GateBlocked || v.Reason != ReasonCooldown {
		t.Errorf("second candidate = %+v, want blocked/cooldown", v)
	}

	if v := g.Evaluate(candidate("bob", "hi"), t0.Add(10*time.Minute)); v.Outcome != replier.GateApproved {
		t.Errorf("other profile = %+v, want approved", v)
	}

	if v := g.Evaluate(candidate("alice", "later"), t0.Add(60*time.Minute)); v.Outcome != replier.GateApproved {
		t.Errorf("after cooldown = %+v, want approved", v)
	}
}

func TestGlobalCap(t *testing.T) {
	g := New(Policy{GlobalCap: 5, CapWindow: 24 * time.Hour}, RateState{}, discard())

	for i := range 5 {
		c := candidate(fmt.Sprintf("user%d", i), "hello")
		if v := g.Evaluate(c, t0.Add(time.Duration(i)*time.Minute)); v.Outcome != replier.GateApproved {
			t.Fatalf("candidate %d = %+v, want approved", i, v)
		}
	}

	v := g.Evaluate(candidate("user5", "hello"), t0.Add(10*time.Minute))
	if v.Outcome != replier.GateDeferred || v.Reason != ReasonCap {
		t.Errorf("sixth candidate = %+v, want deferred/cap", v)
	}
	if g.Remaining(t0.Add(10*time.Minute)) != 0 {
		t.Errorf("Remaining() = %d, want 0", g.Remaining(t0.Add(10*time.Minute)))
	}

	// The deferred candidate is approved once the window rolls over.
	if v := g.Evaluate(candidate("user5", "hello"), t0.Add(24*time.Hour)); v.Outcome != replier.GateApproved {
		t.Errorf("after rollover = %+v, want approved", v)
	}
}

func TestRelease(t *testing.T) {
	g := New(Policy{GlobalCap: 2, Cooldown: time.Hour}, RateState{}, discard())

	first := candidate("alice", "hi")
	v := g.Evaluate(first, t0)
	if v.Outcome != replier.GateApproved {
		t.Fatalf("first = %+v, want approved", v)
	}
	g.Release(first, v)

	st := g.Snapshot()
	if st.Count != 0 {
		t.Errorf("Count = %d after release, want 0", st.Count)
	}
	if _, ok := st.LastReply["alice"]; ok {
		t.Error("cooldown stamp kept after release")
	}

	// The released slot and cooldown are available again.
	for i, h := range []string{"alice", "bob"} {
		if v := g.Evaluate(candidate(h, "hi"), t0.Add(time.Minute)); v.Outcome != replier.GateApproved {
			t.Fatalf("candidate %d = %+v, want approved", i, v)
		}
	}
	if v := g.Evaluate(candidate("carol", "hi"), t0.Add(time.Minute)); v.Outcome != replier.GateDeferred {
		t.Errorf("third = %+v, want deferred", v)
	}

	// Releasing a non-approval changes nothing.
	g.Release(candidate("carol", "hi"), Verdict{Outcome: replier.GateDeferred, Reason: ReasonCap})
	if got := g.Snapshot().Count; got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestReleaseRestoresPreviousStamp(t *testing.T) {
	g := New(Policy{Cooldown: time.Hour}, RateState{LastReply: map[string]time.Time{"alice": t0.Add(-2 * time.Hour)}}, discard())

	c := candidate("alice", "hi")
	v := g.Evaluate(c, t0)
	if v.Outcome != replier.GateApproved {
		t.Fatalf("Evaluate = %+v, want approved", v)
	}
	g.Release(c, v)

	if got := g.Snapshot().LastReply["alice"]; !got.Equal(t0.Add(-2 * time.Hour)) {
		t.Errorf("LastReply = %v, want previous stamp", got)
	}
}

func TestCapConcurrent(t *testing.T) {
	g := New(Policy{GlobalCap: 10}, RateState{}, discard())

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := g.Evaluate(candidate(fmt.Sprintf("user%d", i), "hello"), t0)
			if v.Outcome == replier.GateApproved {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if approved != 10 {
		t.Errorf("approved = %d, want exactly 10", approved)
	}
}

func TestSafetyBlocksUnconditionally(t *testing.T) {
	safety, err := NewSafety([]string{"guaranteed returns"}, []string{`(?i)dm me`}, 0)
	if err != nil {
		t.Fatal(err)
	}
	g := New(Policy{Safety: safety}, RateState{}, discard())

	tests := []struct {
		name string
		text string
		want replier.GateOutcome
	}{
		{"clean", "Nice thread, thanks for sharing", replier.GateApproved},
		{"denylisted", "GUARANTEED RETURNS inside", replier.GateBlocked},
		{"pattern", "just DM me", replier.GateBlocked},
		{"too long", strings.Repeat("a", replier.MaxReplyLength+1), replier.GateBlocked},
		{"empty", "   ", replier.GateBlocked},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate(fmt.Sprintf("h%d", i), tt.text)
			c.Verdict = replier.VerdictApproved
			v := g.Evaluate(c, t0)
			if v.Outcome != tt.want {
				t.Errorf("Evaluate() = %+v, want %v", v, tt.want)
			}
			if tt.want == replier.GateBlocked && v.Reason != ReasonSafety {
				t.Errorf("Reason = %q, want %q", v.Reason, ReasonSafety)
			}
		})
	}
}

func TestReviewMode(t *testing.T) {
	g := New(Policy{ReviewMode: true, GlobalCap: 1}, RateState{}, discard())

	c := candidate("alice", "hello")
	v := g.Evaluate(c, t0)
	if v.Outcome != replier.GatePendingReview || v.Reason != ReasonReview {
		t.Fatalf("unreviewed = %+v, want pending_review", v)
	}
	if g.Snapshot().Count != 0 {
		t.Error("deferral must not consume the cap")
	}

	c.Verdict = replier.VerdictApproved
	if v := g.Evaluate(c, t0.Add(time.Minute)); v.Outcome != replier.GateApproved {
		t.Errorf("approved by reviewer = %+v, want approved", v)
	}

	// A reviewer approval does not bypass the cap.
	other := candidate("bob", "hello")
	other.Verdict = replier.VerdictApproved
	if v := g.Evaluate(other, t0.Add(2*time.Minute)); v.Outcome != replier.GateDeferred {
		t.Errorf("approved over cap = %+v, want deferred", v)
	}

	rejected := candidate("carol", "hello")
	rejected.Verdict = replier.VerdictRejected
	if v := g.Evaluate(rejected, t0); v.Outcome != replier.GateBlocked || v.Reason != ReasonRejected {
		t.Errorf("rejected = %+v, want blocked/%s", v, ReasonRejected)
	}
}

func TestRestoreFromSnapshot(t *testing.T) {
	g := New(Policy{Cooldown: time.Hour, GlobalCap: 3}, RateState{}, discard())
	g.Evaluate(candidate("alice", "hi"), t0)
	snap := g.Snapshot()

	restored := New(Policy{Cooldown: time.Hour, GlobalCap: 3}, snap, discard())
	if v := restored.Evaluate(candidate("alice", "again"), t0.Add(time.Minute)); v.Reason != ReasonCooldown {
		t.Errorf("restored gate = %+v, want cooldown", v)
	}
	if got := restored.Remaining(t0.Add(time.Minute)); got != 2 {
		t.Errorf("Remaining() = %d, want 2", got)
	}
}

func TestNewSafetyInvalidPattern(t *testing.T) {
	if _, err := NewSafety(nil, []string{"("}, 0); !errors.Is(err, replier.ErrConfigInvalid) {
		t.Errorf("NewSafety() error = %v, want ErrConfigInvalid", err)
	}
}
