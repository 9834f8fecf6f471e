// Package judge asks a language model whether a post is relevant.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"reply-monitor/scoring"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// DefaultPrompt is the decision prompt used when none is configured.
const DefaultPrompt = "Decide whether the following social media post is relevant to our account and worth a reply."

const formatInstruction = "Answer 'yes' or 'no' on the first line, then give a one-sentence reason on the next line."

type generateFunc func(ctx context.Context, model, prompt string) (string, error)

// Gemini judges relevance with a Gemini model.
type Gemini struct {
	generate generateFunc
	logger   *slog.Logger
	model    string
	prompt   string
	timeout  time.Duration
	attempts uint
	delay    time.Duration
	mu       sync.RWMutex
}

// NewGemini creates a Gemini judge.
func NewGemini(ctx context.Context, apiKey, model, prompt string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required: %w", replier.ErrConfigInvalid)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	g := newGemini(func(ctx context.Context, model, prompt string) (string, error) {
		result, err := client.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
		if err != nil {
			return "", err
		}
		if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
			return "", errors.New("empty response")
		}
		var sb strings.Builder
		for _, part := range result.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		return sb.String(), nil
	}, model, prompt, logger)
	return g, nil
}

func newGemini(fn generateFunc, model, prompt string, logger *slog.Logger) *Gemini {
	if model == "" {
		model = DefaultModel
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultPrompt
	}
	return &Gemini{
		generate: fn,
		logger:   logger,
		model:    model,
		prompt:   prompt,
		timeout:  30 * time.Second,
		attempts: 3,
		delay:    time.Second,
	}
}

// SetPrompt replaces the decision prompt. An empty prompt is ignored.
func (g *Gemini) SetPrompt(prompt string) {
	if strings.TrimSpace(prompt) == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prompt != prompt {
		g.logger.Info("Judge prompt updated", "length", len(prompt))
	}
	g.prompt = prompt
}

// Judge implements scoring.Judge. Transient failures are retried with backoff;
// what still fails is classified so the caller can fall back to keyword scoring.
func (g *Gemini) Judge(ctx context.Context, text string) (scoring.Judgment, error) {
	g.mu.RLock()
	prompt := g.prompt + "\n" + formatInstruction + "\n\nPost:\n" + text
	g.mu.RUnlock()

	var out string
	start := time.Now()
	err := retry.Do(
		func() error {
			actx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			var err error
			out, err = g.generate(actx, g.model, prompt)
			if err != nil {
				return classify(err)
			}
			return nil
		},
		retry.Attempts(g.attempts),
		retry.Delay(g.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(g.delay),
		retry.Context(ctx),
		retry.RetryIf(replier.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gemini request after error", "model", g.model, "attempt", n, "error", err)
		}),
	)
	duration := time.Since(start)
	if err != nil {
		g.logger.Warn("Gemini request failed", "model", g.model, "duration_ms", duration.Milliseconds(), "error", err)
		return scoring.Judgment{}, err
	}

	j, err := Parse(out)
	if err != nil {
		g.logger.Warn("Unparseable judgment", "model", g.model, "response", truncate(out, 200))
		return scoring.Judgment{}, err
	}
	g.logger.Info("Judgment received", "model", g.model, "relevant", j.Relevant, "duration_ms", duration.Milliseconds())
	return j, nil
}

// Parse reads "yes"/"no" from the first non-empty line and the reason from the rest.
func Parse(out string) (scoring.Judgment, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var first string
	var rest []string
	for i, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		first = l
		rest = lines[i+1:]
		break
	}

	word := strings.TrimLeft(first, " *-\"'`")
	if idx := strings.IndexAny(word, " \t,:;.!-"); idx >= 0 {
		word = word[:idx]
	}
	word = strings.ToLower(strings.Trim(word, "*\"'`"))
	var j scoring.Judgment
	switch word {
	case "yes":
		j.Relevant = true
	case "no":
		j.Relevant = false
	default:
		return scoring.Judgment{}, fmt.Errorf("judgment %q: %w", truncate(first, 40), replier.ErrAdapterRejected)
	}

	reason := strings.TrimSpace(strings.Join(rest, " "))
	if reason == "" {
		// "yes, because ..." on a single line.
		if idx := strings.IndexAny(first, ",:-"); idx >= 0 {
			reason = strings.TrimSpace(first[idx+1:])
		}
	}
	j.Reason = truncate(reason, 200)
	return j, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini: %w: %w", replier.ErrAdapterUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "exhausted"):
		return fmt.Errorf("gemini: %w", &replier.RateLimitError{Service: "gemini"})
	case strings.Contains(msg, "400") || strings.Contains(msg, "403") || strings.Contains(msg, "404") || strings.Contains(msg, "invalid"):
		return fmt.Errorf("gemini: %w: %w", replier.ErrAdapterRejected, err)
	default:
		return fmt.Errorf("gemini: %w: %w", replier.ErrAdapterUnavailable, err)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
