package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/http"
	"net/textproto"
	"reply-monitor/pkg/replier"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends summaries through the Gmail API as the authenticated account.
type GmailProvider struct {
	service  *gmail.Service
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NewGmailProvider creates a new Gmail provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service:  service,
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}
}

// Deliver sends the summary as a multipart/alternative message so mail clients
// without HTML still show the plain-text body.
func (g *GmailProvider) Deliver(ctx context.Context, msg *Message) error {
	raw, err := buildMIME(msg)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	return retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
			duration := time.Since(start)
			if err != nil {
				g.logger.Warn("Gmail send failed", "run_id", msg.RunID, "duration_ms", duration.Milliseconds(), "error", err)
				return classifyGmail(err)
			}
			g.logger.Info("Gmail summary sent",
				"run_id", msg.RunID,
				"message_id", sent.Id,
				"bytes", len(raw),
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(g.attempts),
		retry.Delay(g.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(g.delay),
		retry.Context(ctx),
		retry.RetryIf(replier.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
}

func classifyGmail(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return fmt.Errorf("gmail: %w", &replier.RateLimitError{Service: "gmail"})
		case gerr.Code >= 400 && gerr.Code < 500:
			return fmt.Errorf("gmail: %w: %w", replier.ErrAdapterRejected, err)
		}
	}
	return fmt.Errorf("gmail: %w: %w", replier.ErrAdapterUnavailable, err)
}

// sanitizeHeader removes CR, LF and other control characters so a value
// cannot start a new header.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMIME renders the message with a plain-text and an HTML alternative.
// The From address is filled in by Gmail.
func buildMIME(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "To: %s\r\n", sanitizeHeader(msg.To))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	if msg.RunID != "" {
		fmt.Fprintf(&buf, "X-Reply-Monitor-Run: %s\r\n", sanitizeHeader(msg.RunID))
	}
	if msg.Attention {
		buf.WriteString("Importance: high\r\nX-Priority: 1\r\n")
	}
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())

	for _, part := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		if part.body == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
