// Package scoring decides whether a post merits a reply.
package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reply-monitor/pkg/replier"
	"strings"
)

// DefaultThreshold makes any positive score a reply. Weights may be fractional.
const DefaultThreshold = math.SmallestNonzeroFloat64

// ReasonJudgeUnavailable is appended when the judge failed and keyword scoring was used alone.
const ReasonJudgeUnavailable = "judge_unavailable"

// CombinePolicy says how an external judgment combines with the keyword score.
type CombinePolicy string

// Combination policies.
const (
	// PolicyKeywordOnly ignores the judge.
	PolicyKeywordOnly CombinePolicy = "keyword_only"
	// PolicyAnd replies only when both the keyword score and the judge agree.
	PolicyAnd CombinePolicy = "and"
	// PolicyOr replies when either the keyword score or the judge says so.
	PolicyOr CombinePolicy = "or"
	// PolicyBlend adds JudgeWeight to the score on a positive judgment, then thresholds.
	PolicyBlend CombinePolicy = "blend"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (CombinePolicy, error) {
	switch p := CombinePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyKeywordOnly, PolicyAnd, PolicyOr, PolicyBlend:
		return p, nil
	case "":
		return PolicyKeywordOnly, nil
	default:
		return "", fmt.Errorf("unknown combine policy %q: %w", s, replier.ErrConfigInvalid)
	}
}

// Judgment is an external yes/no relevance opinion.
type Judgment struct {
	Reason   string
	Relevant bool
}

// Judge is an external relevance oracle.
type Judge interface {
	Judge(ctx context.Context, text string) (Judgment, error)
}

// Result is the outcome of scoring one post.
type Result struct {
	Decision replier.Decision
	Reasons  []string
	Matched  []replier.Rule
	Score    float64
}

// Engine scores posts. It holds no mutable state.
type Engine struct {
	judge            Judge
	logger           *slog.Logger
	policy           CombinePolicy
	threshold        float64
	judgeWeight      float64
	engagementWeight float64
}

// Config configures an Engine.
type Config struct {
	Judge            Judge
	Logger           *slog.Logger
	Policy           CombinePolicy
	Threshold        float64
	JudgeWeight      float64
	EngagementWeight float64
}

// New creates a new scoring engine.
func New(cfg *Config) *Engine {
	policy := cfg.Policy
	if policy == "" || cfg.Judge == nil {
		policy = PolicyKeywordOnly
	}
	return &Engine{
		judge:            cfg.Judge,
		logger:           cfg.Logger,
		policy:           policy,
		threshold:        cfg.Threshold,
		judgeWeight:      cfg.JudgeWeight,
		engagementWeight: cfg.EngagementWeight,
	}
}

// Policy returns the effective combination policy.
func (e *Engine) Policy() CombinePolicy {
	return e.policy
}

// Score evaluates a post against the rules and, depending on policy, the judge.
// With the same inputs and the same judgment it always returns the same result.
func (e *Engine) Score(ctx context.Context, post *replier.Post, rules replier.RuleSet) Result {
	res := ScoreKeywords(post, rules, e.engagementWeight, e.threshold)
	if e.policy == PolicyKeywordOnly {
		return res
	}

	// An "and" policy cannot turn a skip into a reply, so the judge call is wasted.
	if e.policy == PolicyAnd && res.Decision == replier.DecisionSkip {
		return res
	}

	j, err := e.judge.Judge(ctx, post.Text)
	if err != nil {
		e.logger.Warn("Relevance judge failed, using keyword score only",
			"post_id", post.ID,
			"policy", string(e.policy),
			"error", err)
		res.Reasons = append(res.Reasons, ReasonJudgeUnavailable)
		return res
	}

	return Combine(res, j, e.policy, e.threshold, e.judgeWeight)
}

// ScoreKeywords is the pure keyword scorer. Matching is case-insensitive substring
// containment. Reasons follow rule declaration order. A post matching no rule
// scores zero and is skipped regardless of threshold.
func ScoreKeywords(post *replier.Post, rules replier.RuleSet, engagementWeight, threshold float64) Result {
	text := strings.ToLower(post.Text)
	res := Result{Decision: replier.DecisionSkip}

	for _, r := range rules {
		kw := strings.ToLower(strings.TrimSpace(r.Keyword))
		if kw == "" || !strings.Contains(text, kw) {
			continue
		}
		res.Score += r.Weight
		res.Matched = append(res.Matched, r)
		res.Reasons = append(res.Reasons, r.Label())
	}

	if len(res.Matched) == 0 {
		return res
	}

	if engagementWeight != 0 {
		bonus := engagementWeight * float64(post.Metrics.Likes+post.Metrics.Replies)
		if bonus != 0 {
			res.Score += bonus
			res.Reasons = append(res.Reasons, fmt.Sprintf("engagement:%+g", bonus))
		}
	}

	if res.Score >= threshold {
		res.Decision = replier.DecisionReply
	}
	return res
}

// Combine merges a keyword result with a judgment under the given policy.
func Combine(res Result, j Judgment, policy CombinePolicy, threshold, judgeWeight float64) Result {
	verdict := "no"
	if j.Relevant {
		verdict = "yes"
	}
	reason := "judge:" + verdict
	if j.Reason != "" {
		reason += ": " + j.Reason
	}
	res.Reasons = append(res.Reasons, reason)

	keywordReply := res.Decision == replier.DecisionReply
	switch policy {
	case PolicyAnd:
		if !(keywordReply && j.Relevant) {
			res.Decision = replier.DecisionSkip
		}
	case PolicyOr:
		if keywordReply || j.Relevant {
			res.Decision = replier.DecisionReply
		}
	case PolicyBlend:
		if j.Relevant {
			res.Score += judgeWeight
		}
		res.Decision = replier.DecisionSkip
		if len(res.Matched) > 0 && res.Score >= threshold {
			res.Decision = replier.DecisionReply
		}
	}
	return res
}

// IsJudgeUnavailable reports whether a result fell back to keyword-only scoring.
func (r Result) IsJudgeUnavailable() bool {
	for _, reason := range r.Reasons {
		if reason == ReasonJudgeUnavailable {
			return true
		}
	}
	return false
}
