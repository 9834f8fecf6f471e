package poll

import (
	"context"
	"reply-monitor/audit"
	"reply-monitor/gate"
	"reply-monitor/pkg/replier"
	"reply-monitor/replies"
	"reply-monitor/scraper"
	"slices"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
)

// ReasonBuildFailed is recorded when a reply-worthy post had no usable reply text.
const ReasonBuildFailed = "reply_build_failed"

// run holds the state of one pipeline pass.
type run struct {
	m       *Monitor
	gate    *gate.Gate
	builder *replies.Builder
	summary *replier.RunSummary
	rules   replier.RuleSet
	mu      sync.Mutex
	saveMu  sync.Mutex
}

func (r *run) now() time.Time {
	return r.m.cfg.Now().UTC()
}

// resume applies review decisions and re-gates candidates left by earlier runs.
func (r *run) resume(ctx context.Context) {
	cfg := r.m.cfg
	logger := r.m.logger

	if cfg.Reviewer != nil {
		decisions, err := cfg.Reviewer.Poll(ctx)
		if err != nil {
			logger.Warn("Failed to poll review decisions", "error", err)
		}
		for _, d := range decisions {
			if _, err := cfg.Queue.SetVerdict(ctx, d.CandidateID, d.Verdict); err != nil {
				logger.Warn("Failed to apply review decision", "candidate_id", d.CandidateID, "verdict", string(d.Verdict), "error", err)
			}
		}
	}

	pending, err := cfg.Queue.ListCandidates(ctx)
	if err != nil {
		logger.Error("Failed to list pending candidates", "error", err)
		r.fail("", "", replier.StageReviewing, err)
		return
	}
	if len(pending) > 0 {
		logger.Info("Resuming pending candidates", "count", len(pending))
	}

	for _, c := range pending {
		if c.Gate == replier.GatePendingReview && c.Verdict == replier.VerdictNone {
			r.hold(c)
			continue
		}

		v := r.gate.Evaluate(c, r.now())
		c.Gate, c.GateReason, c.UpdatedAt = v.Outcome, v.Reason, r.now()

		switch v.Outcome {
		case replier.GateApproved:
			// Dequeued before dispatch so a failed delete cannot resend.
			if err := cfg.Queue.DeleteCandidate(ctx, c.ID); err != nil {
				logger.Error("Failed to dequeue approved candidate, leaving it for the next run", "candidate_id", c.ID, "error", err)
				r.gate.Release(c, v)
				r.fail(c.Handle, c.PostID, replier.StageReviewing, err)
				continue
			}
			r.dispatch(ctx, c)
			r.audit(ctx, audit.FromCandidate(c, replier.DecisionReply))
		case replier.GateBlocked:
			if err := cfg.Queue.DeleteCandidate(ctx, c.ID); err != nil {
				logger.Warn("Failed to dequeue blocked candidate", "candidate_id", c.ID, "error", err)
			}
			r.block(c)
			r.audit(ctx, audit.FromCandidate(c, replier.DecisionSkip))
		default:
			if err := cfg.Queue.SaveCandidate(ctx, c); err != nil {
				logger.Warn("Failed to update pending candidate", "candidate_id", c.ID, "error", err)
			}
			r.hold(c)
		}
	}
}

// processProfile runs one profile through the pipeline. Failures stay scoped to
// the profile or the post they occurred on.
func (r *run) processProfile(ctx context.Context, p replier.Profile) {
	cfg := r.m.cfg
	logger := r.m.logger.With("profile", p.Handle)

	if ctx.Err() != nil {
		r.skip(p.Handle)
		return
	}

	logger.Info("Starting profile check", "stage", string(replier.StageFetching))
	start := time.Now()

	opts := scraper.Options{Limit: cfg.FetchLimit, IncludeReplies: cfg.IncludeReplies}
	if cfg.MaxPostAge > 0 {
		opts.Since = r.now().Add(-cfg.MaxPostAge)
	}
	posts, err := cfg.Scraper.Fetch(ctx, p.Handle, opts)
	if err != nil {
		logger.Warn("Profile fetch failed", "stage", string(replier.StageFetching), "error", err)
		r.fail(p.Handle, "", replier.StageFetching, err)
		return
	}

	fresh, err := cfg.Identity.FilterFresh(ctx, p.Handle, posts)
	if err != nil {
		logger.Warn("Profile filter failed", "stage", string(replier.StageFiltering), "error", err)
		r.fail(p.Handle, "", replier.StageFiltering, err)
		return
	}

	// Oldest first: the high-water mark must never pass a post that has no record.
	slices.SortStableFunc(fresh, func(a, b replier.Post) int {
		return a.PublishedAt.Compare(b.PublishedAt)
	})
	for i := range fresh {
		if ctx.Err() != nil {
			logger.Warn("Run deadline reached, leaving remaining posts", "remaining", len(fresh)-i)
			break
		}
		if err := r.processPost(ctx, p.Handle, &fresh[i]); err != nil {
			logger.Warn("Stopping profile, remaining posts are left for the next run", "post_id", fresh[i].ID, "remaining", len(fresh)-i-1, "error", err)
			break
		}
	}

	r.mu.Lock()
	r.summary.ProfilesProcessed++
	r.mu.Unlock()

	logger.Info("Profile check completed",
		"stage", string(replier.StageDone),
		"fetched", len(posts),
		"fresh", len(fresh),
		"duration_ms", time.Since(start).Milliseconds())
}

// processPost takes one fresh post through scoring, gating and dispatch. It
// returns an error only when the post was left without a record.
func (r *run) processPost(ctx context.Context, handle string, post *replier.Post) error {
	cfg := r.m.cfg
	logger := r.m.logger.With("profile", handle, "post_id", post.ID)

	res := cfg.Engine.Score(ctx, post, r.rules)
	rec := &replier.EvaluationRecord{
		EvaluatedAt: r.now(),
		PublishedAt: post.PublishedAt,
		Handle:      handle,
		PostID:      post.ID,
		Decision:    res.Decision,
		Reasons:     res.Reasons,
		Score:       res.Score,
	}

	if res.Decision != replier.DecisionReply {
		_, err := r.record(ctx, rec)
		return err
	}

	text, templateID, err := r.builder.Build(handle, post, res.Matched)
	if err != nil {
		logger.Warn("Reply text could not be built", "stage", string(replier.StageScoring), "error", err)
		rec.Decision = replier.DecisionSkip
		rec.Reasons = append(append([]string(nil), res.Reasons...), ReasonBuildFailed)
		inserted, rerr := r.record(ctx, rec)
		if inserted {
			r.fail(handle, post.ID, replier.StageScoring, err)
		}
		return rerr
	}

	now := r.now()
	c := &replier.CandidateReply{
		CreatedAt:  now,
		UpdatedAt:  now,
		ID:         uuid.NewString(),
		Handle:     handle,
		PostID:     post.ID,
		PostURL:    post.URL,
		PostText:   post.Text,
		Text:       text,
		TemplateID: templateID,
		Dispatch:   replier.DispatchNotSent,
		Reasons:    res.Reasons,
		Score:      res.Score,
	}

	v := r.gate.Evaluate(c, now)
	c.Gate, c.GateReason = v.Outcome, v.Reason
	logger.Info("Candidate gated", "stage", string(replier.StageGating), "gate", string(v.Outcome), "reason", v.Reason, "score", res.Score)

	switch v.Outcome {
	case replier.GateBlocked:
		rec.Decision = replier.DecisionSkip
		rec.Reasons = append(append([]string(nil), res.Reasons...), "gate:"+v.Reason)
		if inserted, err := r.recordOnly(ctx, rec); !inserted {
			return err
		}
		r.block(c)
		r.audit(ctx, audit.FromCandidate(c, replier.DecisionSkip))

	case replier.GatePendingReview, replier.GateDeferred:
		rec.Decision = replier.DecisionDeferred
		// Queue first: if the record cannot be written the post is evaluated
		// again next run, so the queued copy must go.
		if err := cfg.Queue.SaveCandidate(ctx, c); err != nil {
			logger.Error("Failed to queue candidate", "stage", string(replier.StageReviewing), "error", err)
			r.fail(handle, post.ID, replier.StageReviewing, err)
			return err
		}
		if inserted, err := r.recordOnly(ctx, rec); !inserted {
			if derr := cfg.Queue.DeleteCandidate(ctx, c.ID); derr != nil {
				logger.Error("Failed to remove queued candidate", "candidate_id", c.ID, "error", derr)
			}
			return err
		}
		if v.Outcome == replier.GatePendingReview && cfg.Reviewer != nil {
			if err := cfg.Reviewer.Submit(ctx, c); err != nil {
				// The candidate stays queued and can still be decided over HTTP or the CLI.
				logger.Warn("Failed to submit candidate for review", "candidate_id", c.ID, "error", err)
			}
		}
		r.hold(c)
		r.audit(ctx, audit.FromCandidate(c, replier.DecisionDeferred))

	case replier.GateApproved:
		// Recorded before dispatch; a lost reply is preferred to a duplicate.
		if inserted, err := r.recordOnly(ctx, rec); !inserted {
			r.gate.Release(c, v)
			return err
		}
		r.dispatch(ctx, c)
		r.audit(ctx, audit.FromCandidate(c, replier.DecisionReply))
	}
	return nil
}

// record writes a record for a post that produced no candidate and audits it.
func (r *run) record(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	inserted, err := r.recordOnly(ctx, rec)
	if inserted {
		r.audit(ctx, audit.FromRecord(rec))
	}
	return inserted, err
}

// recordOnly writes the evaluation record and counts the post as evaluated.
// It reports false with a nil error when a record already existed.
func (r *run) recordOnly(ctx context.Context, rec *replier.EvaluationRecord) (bool, error) {
	inserted, err := r.m.cfg.Identity.Record(ctx, rec)
	if err != nil {
		r.m.logger.Error("Failed to record evaluation", "profile", rec.Handle, "post_id", rec.PostID, "error", err)
		r.fail(rec.Handle, rec.PostID, replier.StageLogging, err)
		return false, err
	}
	if !inserted {
		return false, nil
	}
	r.mu.Lock()
	r.summary.PostsEvaluated++
	r.mu.Unlock()
	return true, nil
}

// saveRateState persists the gate's current rate state. Saves are serialized so
// a slower writer never replaces a newer snapshot with an older one.
func (r *run) saveRateState(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.m.cfg.Queue.SaveRateState(ctx, r.gate.Snapshot())
}

// dispatch posts an approved candidate with bounded exponential backoff. The
// request is detached from run cancellation so an in-flight post is never cut off.
func (r *run) dispatch(ctx context.Context, c *replier.CandidateReply) {
	cfg := r.m.cfg
	logger := r.m.logger.With("profile", c.Handle, "post_id", c.PostID, "candidate_id", c.ID)
	dctx := context.WithoutCancel(ctx)

	// The approval must outlive a crash during the send.
	if err := r.saveRateState(dctx); err != nil {
		logger.Error("Failed to persist rate state before dispatch", "error", err)
		r.fail(c.Handle, c.PostID, replier.StageLogging, err)
	}

	err := retry.Do(
		func() error {
			c.Attempts++
			start := time.Now()
			id, err := cfg.Poster.Reply(dctx, c.PostID, c.Text)
			if err != nil {
				logger.Warn("Reply dispatch failed",
					"stage", string(replier.StageDispatching),
					"attempt", c.Attempts,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			c.ReplyID = id
			return nil
		},
		retry.Attempts(cfg.DispatchAttempts),
		retry.Delay(cfg.DispatchDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(cfg.DispatchDelay),
		retry.Context(dctx),
		retry.RetryIf(replier.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying reply dispatch after error", "attempt", n, "error", err)
		}),
	)

	c.UpdatedAt = r.now()
	if err != nil {
		c.Dispatch = replier.DispatchFailed
		c.Error = err.Error()
		r.fail(c.Handle, c.PostID, replier.StageDispatching, err)
		r.mu.Lock()
		r.summary.RepliesFailed++
		r.mu.Unlock()
		return
	}

	c.Dispatch = replier.DispatchSent
	logger.Info("Reply sent", "reply_id", c.ReplyID, "attempts", c.Attempts)
	r.mu.Lock()
	r.summary.Sent = append(r.summary.Sent, replier.Sent{Handle: c.Handle, PostID: c.PostID, PostURL: c.PostURL, ReplyID: c.ReplyID})
	r.mu.Unlock()
}

// audit writes an entry. Audit failures are reported but never change the outcome.
func (r *run) audit(ctx context.Context, e *replier.AuditEntry) {
	if err := r.m.cfg.Audit.Append(context.WithoutCancel(ctx), e); err != nil {
		r.m.logger.Error("Failed to write audit entry", "profile", e.Handle, "post_id", e.PostID, "error", err)
		r.fail(e.Handle, e.PostID, replier.StageLogging, err)
	}
}

func (r *run) block(c *replier.CandidateReply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Blocked = append(r.summary.Blocked, replier.Blocked{Handle: c.Handle, PostID: c.PostID, Reason: c.GateReason})
}

func (r *run) hold(c *replier.CandidateReply) {
	reason := c.GateReason
	if reason == "" {
		reason = gate.ReasonReview
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Deferred = append(r.summary.Deferred, replier.Blocked{Handle: c.Handle, PostID: c.PostID, Reason: reason})
}

func (r *run) fail(handle, postID string, stage replier.Stage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failures = append(r.summary.Failures, replier.Failure{Handle: handle, PostID: postID, Stage: stage, Error: err.Error()})
}

func (r *run) skip(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.SkippedProfiles = append(r.summary.SkippedProfiles, handle)
}

func (r *run) finish(at time.Time) *replier.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.FinishedAt = at
	r.summary.RepliesSent = len(r.summary.Sent)
	r.summary.RepliesDeferred = len(r.summary.Deferred)
	return r.summary
}
