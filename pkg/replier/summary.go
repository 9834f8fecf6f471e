package replier

import "time"

// Stage names a step of the per-profile pipeline.
type Stage string

// Pipeline stages.
const (
	StageFetching    Stage = "fetching"
	StageFiltering   Stage = "filtering"
	StageScoring     Stage = "scoring"
	StageGating      Stage = "gating"
	StageReviewing   Stage = "reviewing"
	StageDispatching Stage = "dispatching"
	StageLogging     Stage = "logging"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Sent describes a dispatched reply.
type Sent struct {
	Handle  string `json:"handle"`
	PostID  string `json:"post_id"`
	PostURL string `json:"post_url,omitempty"`
	ReplyID string `json:"reply_id"`
}

// Blocked describes a candidate the gate refused or held back.
type Blocked struct {
	Handle string `json:"handle"`
	PostID string `json:"post_id"`
	Reason string `json:"reason"`
}

// Failure describes an error scoped to a profile or a single post.
type Failure struct {
	Handle string `json:"handle"`
	PostID string `json:"post_id,omitempty"`
	Stage  Stage  `json:"stage"`
	Error  string `json:"error"`
}

// RunSummary reports the outcome of one pipeline run.
type RunSummary struct {
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	Sent              []Sent    `json:"sent,omitempty"`
	Blocked           []Blocked `json:"blocked,omitempty"`
	Deferred          []Blocked `json:"deferred,omitempty"`
	Failures          []Failure `json:"failures,omitempty"`
	SkippedProfiles   []string  `json:"skipped_profiles,omitempty"`
	ProfilesProcessed int       `json:"profiles_processed"`
	PostsEvaluated    int       `json:"posts_evaluated"`
	RepliesSent       int       `json:"replies_sent"`
	RepliesDeferred   int       `json:"replies_deferred"`
	RepliesFailed     int       `json:"replies_failed"`
}

// Duration is how long the run took.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
