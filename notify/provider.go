// Package notify sends run summaries to the operator via multiple providers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"reply-monitor/pkg/replier"
	"time"
)

// Message is one rendered run summary. Providers pick the body they can show.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
	// RunID identifies the run, so repeated deliveries can be told apart.
	RunID string
	// Attention is set when the run had failures or profiles it never reached.
	Attention bool
}

// Provider delivers a rendered summary.
type Provider interface {
	Deliver(ctx context.Context, msg *Message) error
}

// Sender formats run summaries and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// New creates a new summary sender with the given provider.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// Compose renders a summary into a message for the given recipient.
func Compose(sum *replier.RunSummary, to string) *Message {
	return &Message{
		To:        to,
		Subject:   Subject(sum),
		Text:      FormatText(sum),
		HTML:      FormatHTML(sum),
		RunID:     sum.StartedAt.UTC().Format(time.RFC3339),
		Attention: len(sum.Failures) > 0 || len(sum.SkippedProfiles) > 0,
	}
}

// SendSummary delivers a categorized summary of one run.
func (s *Sender) SendSummary(ctx context.Context, sum *replier.RunSummary) error {
	msg := Compose(sum, s.to)

	s.logger.Info("Sending run summary",
		"to", s.to,
		"run_id", msg.RunID,
		"sent", len(sum.Sent),
		"blocked", len(sum.Blocked),
		"deferred", len(sum.Deferred),
		"failures", len(sum.Failures),
		"attention", msg.Attention)

	if err := s.provider.Deliver(ctx, msg); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	return nil
}
