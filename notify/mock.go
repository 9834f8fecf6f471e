package notify

import (
	"context"
	"log/slog"
)

// MockProvider logs summaries instead of sending them.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Deliver logs the summary.
func (m *MockProvider) Deliver(_ context.Context, msg *Message) error {
	m.logger.Info("MOCK NOTIFICATION",
		"to", msg.To,
		"subject", msg.Subject,
		"run_id", msg.RunID,
		"attention", msg.Attention,
		"text", msg.Text)
	return nil
}
