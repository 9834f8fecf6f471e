package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoURL is the Brevo transactional email endpoint.
const DefaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

// summaryTag labels summary mails in the Brevo dashboard.
const summaryTag = "run-summary"

// BrevoProvider sends summaries through Brevo transactional email.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	sender   brevoContact
	endpoint string
	attempts uint
	delay    time.Duration
}

// NewBrevoProvider creates a new Brevo provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		endpoint: DefaultBrevoURL,
		attempts: 3,
		delay:    time.Second,
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoEmail struct {
	Headers map[string]string `json:"headers,omitempty"`
	Sender  brevoContact      `json:"sender"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Text    string            `json:"textContent,omitempty"`
	To      []brevoContact    `json:"to"`
	Tags    []string          `json:"tags,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (b *BrevoProvider) payload(msg *Message) brevoEmail {
	email := brevoEmail{
		Sender:  b.sender,
		To:      []brevoContact{{Email: msg.To}},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Tags:    []string{summaryTag},
	}
	if msg.RunID != "" {
		email.Headers = map[string]string{"X-Reply-Monitor-Run": msg.RunID}
	}
	if msg.Attention {
		email.Tags = append(email.Tags, "attention")
	}
	return email
}

// Deliver sends the summary with both bodies. Rejections are not retried.
func (b *BrevoProvider) Deliver(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(b.payload(msg))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("api-key", b.apiKey)

			resp, err := b.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				b.logger.Warn("Brevo request failed", "run_id", msg.RunID, "duration_ms", duration.Milliseconds(), "error", err)
				return fmt.Errorf("brevo: %w: %w", replier.ErrAdapterUnavailable, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			var out brevoResponse
			if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
				b.logger.Debug("Unreadable Brevo response body", "status_code", resp.StatusCode, "error", err)
			}
			if err := brevoStatus(resp, out); err != nil {
				b.logger.Warn("Brevo rejected summary",
					"run_id", msg.RunID,
					"status_code", resp.StatusCode,
					"code", out.Code,
					"duration_ms", duration.Milliseconds())
				return err
			}

			b.logger.Info("Brevo summary sent",
				"run_id", msg.RunID,
				"message_id", out.MessageID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(b.attempts),
		retry.Delay(b.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.delay),
		retry.Context(ctx),
		retry.RetryIf(replier.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send after error", "attempt", n, "error", err)
		}),
	)
}

// brevoStatus maps a response status onto the shared error classes.
func brevoStatus(resp *http.Response, out brevoResponse) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		var wait time.Duration
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
		return fmt.Errorf("brevo: %w", &replier.RateLimitError{Service: "brevo", RetryAfter: wait})
	case code >= 400 && code < 500:
		return fmt.Errorf("brevo: HTTP %d %s: %w", code, out.Message, replier.ErrAdapterRejected)
	default:
		return fmt.Errorf("brevo: HTTP %d: %w", code, replier.ErrAdapterUnavailable)
	}
}
