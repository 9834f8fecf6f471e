// Package poll runs the reply pipeline: fetch, filter, score, gate, review,
// dispatch and log, for every monitored profile.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reply-monitor/audit"
	"reply-monitor/config"
	"reply-monitor/gate"
	"reply-monitor/identity"
	"reply-monitor/pkg/replier"
	"reply-monitor/replies"
	"reply-monitor/review"
	"reply-monitor/scoring"
	"reply-monitor/scraper"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("run already in progress")

// Source loads profiles, rules and templates.
type Source interface {
	Load(ctx context.Context) (*replier.Catalog, error)
}

// Scraper fetches recent posts for a profile, newest first.
type Scraper interface {
	Fetch(ctx context.Context, handle string, opts scraper.Options) ([]replier.Post, error)
}

// Poster publishes a reply and returns the platform id of the new post.
type Poster interface {
	Reply(ctx context.Context, postID, text string) (string, error)
}

// Reviewer shows candidates to a human and reports their decisions.
type Reviewer interface {
	Submit(ctx context.Context, c *replier.CandidateReply) error
	Poll(ctx context.Context) ([]review.Decision, error)
}

// Queue persists rate state, candidates awaiting a later run and the last summary.
type Queue interface {
	LoadRateState(ctx context.Context) (gate.RateState, error)
	SaveRateState(ctx context.Context, st gate.RateState) error
	SaveCandidate(ctx context.Context, c *replier.CandidateReply) error
	ListCandidates(ctx context.Context) ([]*replier.CandidateReply, error)
	DeleteCandidate(ctx context.Context, id string) error
	SetVerdict(ctx context.Context, id string, v replier.Verdict) (*replier.CandidateReply, error)
	SaveSummary(ctx context.Context, sum *replier.RunSummary) error
}

// PromptSetter receives the judge prompt carried by the catalog.
type PromptSetter interface {
	SetPrompt(prompt string)
}

// Notifier delivers the run summary to the operator.
type Notifier interface {
	SendSummary(ctx context.Context, sum *replier.RunSummary) error
}

// Config wires a Monitor. Reviewer, Notifier and Prompts are optional.
type Config struct {
	Source     Source
	Scraper    Scraper
	Identity   *identity.Store
	Engine     *scoring.Engine
	Poster     Poster
	Reviewer   Reviewer
	Queue      Queue
	Audit      audit.Sink
	Notifier   Notifier
	Prompts    PromptSetter
	Logger     *slog.Logger
	Now        func() time.Time
	Policy     gate.Policy
	Workers    int
	FetchLimit int
	MaxPostAge time.Duration
	Timeout    time.Duration
	// Dispatch retry: attempt ceiling and base delay of the exponential backoff.
	DispatchAttempts uint
	DispatchDelay    time.Duration
	IncludeReplies   bool
}

// Monitor runs the pipeline. Runs never overlap.
type Monitor struct {
	cfg     Config
	logger  *slog.Logger
	running atomic.Bool
}

// New creates a new monitor.
func New(cfg *Config) *Monitor {
	c := *cfg
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.DispatchAttempts < 1 {
		c.DispatchAttempts = 1
	}
	if c.DispatchDelay <= 0 {
		c.DispatchDelay = time.Second
	}
	if c.Audit == nil {
		c.Audit = audit.NewLog(c.Logger)
	}
	return &Monitor{cfg: c, logger: c.Logger}
}

// Run executes one pipeline pass. It returns an error only when the run could not
// start: an invalid or unreadable catalog, or unreadable rate state. Everything
// else is scoped to a profile or a post and reported in the summary.
func (m *Monitor) Run(ctx context.Context) (*replier.RunSummary, error) {
	if !m.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer m.running.Store(false)

	start := m.cfg.Now()
	m.logger.Info("Starting pipeline run", "timestamp", start.Format(time.RFC3339))

	cat, err := m.cfg.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := config.ValidateCatalog(cat); err != nil {
		return nil, fmt.Errorf("validate catalog: %w", err)
	}
	if m.cfg.Prompts != nil && cat.Prompt != "" {
		m.cfg.Prompts.SetPrompt(cat.Prompt)
	}
	builder, err := replies.NewBuilder(cat.Templates)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	state, err := m.cfg.Queue.LoadRateState(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore rate state: %w", err)
	}

	r := &run{
		m:       m,
		gate:    gate.New(m.cfg.Policy, state, m.logger),
		builder: builder,
		rules:   cat.Rules,
		summary: &replier.RunSummary{StartedAt: start},
	}

	r.resume(ctx)

	runCtx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()

	var eg errgroup.Group
	eg.SetLimit(m.cfg.Workers)
	for _, p := range cat.Profiles {
		if !p.Active() {
			m.logger.Info("Skipping paused profile", "profile", p.Handle)
			continue
		}
		if runCtx.Err() != nil {
			r.skip(p.Handle)
			continue
		}
		eg.Go(func() error {
			r.processProfile(runCtx, p)
			return nil
		})
	}
	_ = eg.Wait()

	// Flush even if the run deadline or the caller's context has expired.
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer flushCancel()

	if err := r.saveRateState(flushCtx); err != nil {
		m.logger.Error("Failed to persist rate state", "error", err)
		r.fail("", "", replier.StageLogging, err)
	}

	sum := r.finish(m.cfg.Now())
	if err := m.cfg.Queue.SaveSummary(flushCtx, sum); err != nil {
		m.logger.Error("Failed to save run summary", "error", err)
	}

	m.logger.Info("Pipeline run completed",
		"profiles_processed", sum.ProfilesProcessed,
		"posts_evaluated", sum.PostsEvaluated,
		"replies_sent", sum.RepliesSent,
		"replies_blocked", len(sum.Blocked),
		"replies_deferred", sum.RepliesDeferred,
		"replies_failed", sum.RepliesFailed,
		"failures", len(sum.Failures),
		"skipped_profiles", len(sum.SkippedProfiles),
		"duration_ms", sum.Duration().Milliseconds())

	if m.cfg.Notifier != nil {
		if err := m.cfg.Notifier.SendSummary(flushCtx, sum); err != nil {
			m.logger.Warn("Failed to send run summary", "error", err)
		}
	}

	return sum, nil
}

// Running reports whether a run is in progress.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Pending lists candidates waiting for review or for cap space.
func (m *Monitor) Pending(ctx context.Context) ([]*replier.CandidateReply, error) {
	return m.cfg.Queue.ListCandidates(ctx)
}

// Decide records a reviewer verdict. It takes effect on the next run.
func (m *Monitor) Decide(ctx context.Context, id string, v replier.Verdict) (*replier.CandidateReply, error) {
	c, err := m.cfg.Queue.SetVerdict(ctx, id, v)
	if err != nil {
		return nil, fmt.Errorf("set verdict: %w", err)
	}
	m.logger.Info("Review verdict recorded", "candidate_id", id, "verdict", string(v), "profile", c.Handle, "post_id", c.PostID)
	return c, nil
}

func (m *Monitor) timeout() time.Duration {
	if m.cfg.Timeout > 0 {
		return m.cfg.Timeout
	}
	return 15 * time.Minute
}
