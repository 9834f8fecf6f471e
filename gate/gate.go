// Package gate applies safety and rate policy to candidate replies.
package gate

import (
	"log/slog"
	"reply-monitor/pkg/replier"
	"sync"
	"time"
)

// Gate reasons.
const (
	ReasonSafety   = "content_safety"
	ReasonCooldown = "cooldown"
	ReasonReview   = "review"
	ReasonCap      = "cap"
	ReasonRejected = "rejected_by_reviewer"
)

// Verdict is the result of evaluating one candidate. Outcome is approved,
// blocked, pending_review (deferred to a human) or deferred (cap reached).
// Deferred candidates are kept and retried later, never dropped.
type Verdict struct {
	Outcome replier.GateOutcome
	Reason  string

	// Set on approval so Release can undo it.
	at       time.Time
	window   time.Time
	prevLast time.Time
	hadLast  bool
}

// Policy holds the gate configuration.
type Policy struct {
	Safety     *Safety
	Cooldown   time.Duration
	GlobalCap  int
	CapWindow  time.Duration
	ReviewMode bool
}

// RateState is the persisted rate-tracking state. Only the gate mutates it.
type RateState struct {
	LastReply   map[string]time.Time `json:"last_reply"`
	WindowStart time.Time            `json:"window_start"`
	Count       int                  `json:"count"`
}

// Gate evaluates candidates against the policy. Safe for concurrent use; every
// evaluation runs in one critical section so the cap check and increment are atomic.
type Gate struct {
	logger *slog.Logger
	state  RateState
	policy Policy
	mu     sync.Mutex
}

// New creates a gate starting from the given rate state.
func New(policy Policy, state RateState, logger *slog.Logger) *Gate {
	if state.LastReply == nil {
		state.LastReply = make(map[string]time.Time)
	}
	if policy.CapWindow <= 0 {
		policy.CapWindow = 24 * time.Hour
	}
	return &Gate{
		logger: logger,
		state:  state,
		policy: policy,
	}
}

// Evaluate decides whether a candidate may be dispatched now. Checks run in a
// fixed order: content safety, per-profile cooldown, review mode, global cap.
// A candidate carrying a reviewer approval skips the review check but nothing else.
// Rate state changes only when the candidate is approved.
func (g *Gate) Evaluate(c *replier.CandidateReply, now time.Time) Verdict {
	if c.Verdict == replier.VerdictRejected {
		return Verdict{Outcome: replier.GateBlocked, Reason: ReasonRejected}
	}

	if g.policy.Safety != nil {
		if reason, ok := g.policy.Safety.Check(c.Text); !ok {
			g.logger.Info("Candidate blocked by content safety", "profile", c.Handle, "post_id", c.PostID, "detail", reason)
			return Verdict{Outcome: replier.GateBlocked, Reason: ReasonSafety}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.state.LastReply[c.Handle]; ok && g.policy.Cooldown > 0 && now.Sub(last) < g.policy.Cooldown {
		return Verdict{Outcome: replier.GateBlocked, Reason: ReasonCooldown}
	}

	if g.policy.ReviewMode && c.Verdict != replier.VerdictApproved {
		return Verdict{Outcome: replier.GatePendingReview, Reason: ReasonReview}
	}

	g.rollWindow(now)
	if g.policy.GlobalCap > 0 && g.state.Count >= g.policy.GlobalCap {
		return Verdict{Outcome: replier.GateDeferred, Reason: ReasonCap}
	}

	prev, had := g.state.LastReply[c.Handle]
	g.state.Count++
	g.state.LastReply[c.Handle] = now
	return Verdict{Outcome: replier.GateApproved, at: now, window: g.state.WindowStart, prevLast: prev, hadLast: had}
}

// Release returns the cap slot and cooldown stamp taken by an approval whose
// candidate was never dispatched. A slot from an already rolled window is not
// returned, and a newer approval for the same profile keeps its stamp.
func (g *Gate) Release(c *replier.CandidateReply, v Verdict) {
	if v.Outcome != replier.GateApproved {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.WindowStart.Equal(v.window) && g.state.Count > 0 {
		g.state.Count--
	}
	if last, ok := g.state.LastReply[c.Handle]; ok && last.Equal(v.at) {
		if v.hadLast {
			g.state.LastReply[c.Handle] = v.prevLast
		} else {
			delete(g.state.LastReply, c.Handle)
		}
	}
	g.logger.Debug("Approval released", "profile", c.Handle, "post_id", c.PostID, "count", g.state.Count)
}

// rollWindow starts a fresh tumbling window once the current one has elapsed.
// Caller must hold g.mu.
func (g *Gate) rollWindow(now time.Time) {
	if g.state.WindowStart.IsZero() || !now.Before(g.state.WindowStart.Add(g.policy.CapWindow)) {
		if g.state.Count > 0 {
			g.logger.Debug("Rate window rolled over", "previous_count", g.state.Count, "window_start", now.Format(time.RFC3339))
		}
		g.state.WindowStart = now
		g.state.Count = 0
	}
}

// Snapshot returns a copy of the current rate state for persistence.
func (g *Gate) Snapshot() RateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := RateState{
		LastReply:   make(map[string]time.Time, len(g.state.LastReply)),
		WindowStart: g.state.WindowStart,
		Count:       g.state.Count,
	}
	for k, v := range g.state.LastReply {
		out.LastReply[k] = v
	}
	return out
}

// Remaining reports how many approvals the current window still allows.
// It returns -1 when no cap is configured.
func (g *Gate) Remaining(now time.Time) int {
	if g.policy.GlobalCap <= 0 {
		return -1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollWindow(now)
	return max(g.policy.GlobalCap-g.state.Count, 0)
}
