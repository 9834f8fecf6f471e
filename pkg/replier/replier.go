// Package replier contains the core domain types for the reply monitor.
package replier

import "time"

// MaxReplyLength is the platform limit on reply text, in characters.
const MaxReplyLength = 280

// ProfileStatus marks whether a profile is polled.
type ProfileStatus string

// Profile statuses.
const (
	ProfileActive ProfileStatus = "active"
	ProfilePaused ProfileStatus = "paused"
)

// Profile is a monitored social account.
type Profile struct {
	Handle string        `json:"handle" yaml:"handle"`
	URL    string        `json:"url,omitempty" yaml:"url,omitempty"`
	Status ProfileStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Notes  string        `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Active reports whether the profile should be polled. An empty status counts as active.
func (p Profile) Active() bool {
	return p.Status == "" || p.Status == ProfileActive
}

// Metrics holds engagement counters for a post.
type Metrics struct {
	Likes   int `json:"likes"`
	Replies int `json:"replies"`
	Reposts int `json:"reposts"`
}

// Post is a single published item on a monitored profile.
type Post struct {
	PublishedAt time.Time `json:"published_at"`
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
	URL         string    `json:"url"`
	Metrics     Metrics   `json:"metrics"`
	IsReply     bool      `json:"is_reply,omitempty"`
	IsRepost    bool      `json:"is_repost,omitempty"`
}

// Rule is a weighted keyword. Negative weights penalise a post.
type Rule struct {
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Keyword    string  `json:"keyword" yaml:"keyword"`
	TemplateID string  `json:"template_id,omitempty" yaml:"template,omitempty"`
	Weight     float64 `json:"weight" yaml:"weight"`
}

// Label returns the name used for the rule in reasons and logs.
func (r Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Keyword
}

// RuleSet is an ordered list of rules. Order determines reason order and template choice.
type RuleSet []Rule

// Template is a reply body. Keyword optionally ties it to a topic.
type Template struct {
	ID      string `json:"id" yaml:"id"`
	Body    string `json:"body" yaml:"body"`
	Keyword string `json:"keyword,omitempty" yaml:"keyword,omitempty"`
}

// Decision is the outcome recorded for an evaluated post.
type Decision string

// Decisions.
const (
	DecisionReply    Decision = "reply"
	DecisionSkip     Decision = "skip"
	DecisionDeferred Decision = "deferred"
)

// EvaluationRecord is written once per (profile, post id) and never changed.
type EvaluationRecord struct {
	EvaluatedAt time.Time `json:"evaluated_at"`
	PublishedAt time.Time `json:"published_at"`
	Handle      string    `json:"handle"`
	PostID      string    `json:"post_id"`
	Decision    Decision  `json:"decision"`
	Reasons     []string  `json:"reasons,omitempty"`
	Score       float64   `json:"score"`
}

// GateOutcome is the eligibility gate's verdict on a candidate.
type GateOutcome string

// Gate outcomes.
const (
	GateApproved      GateOutcome = "approved"
	GateBlocked       GateOutcome = "blocked"
	GatePendingReview GateOutcome = "pending_review"
	GateDeferred      GateOutcome = "deferred"
)

// DispatchStatus tracks whether a candidate reached the platform.
type DispatchStatus string

// Dispatch statuses. Sent and failed are terminal.
const (
	DispatchNotSent DispatchStatus = "not_sent"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// Verdict is a human reviewer's answer on a pending candidate.
type Verdict string

// Review verdicts.
const (
	VerdictNone     Verdict = ""
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// CandidateReply is a proposed reply to a post.
type CandidateReply struct {
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ID         string         `json:"id"`
	Handle     string         `json:"handle"`
	PostID     string         `json:"post_id"`
	PostURL    string         `json:"post_url,omitempty"`
	PostText   string         `json:"post_text,omitempty"`
	Text       string         `json:"text"`
	TemplateID string         `json:"template_id,omitempty"`
	Gate       GateOutcome    `json:"gate"`
	GateReason string         `json:"gate_reason,omitempty"`
	Dispatch   DispatchStatus `json:"dispatch"`
	Verdict    Verdict        `json:"verdict,omitempty"`
	ReplyID    string         `json:"reply_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Reasons    []string       `json:"reasons,omitempty"`
	Score      float64        `json:"score"`
	Attempts   int            `json:"attempts"`
}

// Terminal reports whether the candidate needs no further work.
func (c *CandidateReply) Terminal() bool {
	return c.Dispatch == DispatchSent || c.Dispatch == DispatchFailed || c.Gate == GateBlocked
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	Time        time.Time      `json:"time"`
	Handle      string         `json:"handle"`
	PostID      string         `json:"post_id"`
	CandidateID string         `json:"candidate_id,omitempty"`
	Decision    Decision       `json:"decision"`
	Gate        GateOutcome    `json:"gate,omitempty"`
	GateReason  string         `json:"gate_reason,omitempty"`
	Dispatch    DispatchStatus `json:"dispatch,omitempty"`
	ReplyID     string         `json:"reply_id,omitempty"`
	Text        string         `json:"text,omitempty"`
	Error       string         `json:"error,omitempty"`
	Reasons     []string       `json:"reasons,omitempty"`
	Score       float64        `json:"score"`
}

// Catalog is the operator-maintained input for one run.
type Catalog struct {
	Profiles  []Profile  `json:"profiles" yaml:"profiles"`
	Rules     RuleSet    `json:"rules" yaml:"rules"`
	Templates []Template `json:"templates" yaml:"templates"`
	Prompt    string     `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}
