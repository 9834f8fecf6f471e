// Package poster publishes replies on the social platform.
package poster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultEndpoint is the X API v2 create-post endpoint.
const DefaultEndpoint = "https://api.twitter.com/2/tweets"

// Client posts replies through the X API v2. Each call makes exactly one
// request; retry policy belongs to the caller.
type Client struct {
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	token    string
}

// New creates a posting client authenticated with an OAuth 2.0 user bearer token.
func New(client *http.Client, token, endpoint string, logger *slog.Logger) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		client:   client,
		logger:   logger,
		endpoint: endpoint,
		token:    token,
	}
}

type createRequest struct {
	Text  string     `json:"text"`
	Reply replyField `json:"reply"`
}

type replyField struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type createResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	} `json:"errors"`
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// Reply posts text as a reply to postID and returns the new post's id.
func (c *Client) Reply(ctx context.Context, postID, text string) (string, error) {
	body, err := json.Marshal(createRequest{Text: text, Reply: replyField{InReplyToTweetID: postID}})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Info("X API request starting", "method", "POST", "endpoint", "tweets", "in_reply_to", postID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("X API request failed", "in_reply_to", postID, "duration_ms", duration.Milliseconds(), "error", err)
		return "", fmt.Errorf("post reply: %w: %w", replier.ErrAdapterUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w: %w", replier.ErrAdapterUnavailable, err)
	}

	c.logger.Info("X API request completed",
		"in_reply_to", postID,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	var out createResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &replier.RateLimitError{Service: "x", RetryAfter: retryAfter(resp.Header)}
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("post reply: HTTP %d: %w", resp.StatusCode, replier.ErrAdapterUnavailable)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("post reply: HTTP %d %s: %w", resp.StatusCode, out.message(), replier.ErrAdapterRejected)
	}

	if out.Data.ID == "" {
		return "", fmt.Errorf("post reply: response without id %s: %w", out.message(), replier.ErrAdapterRejected)
	}
	return out.Data.ID, nil
}

func (r *createResponse) message() string {
	var parts []string
	if r.Title != "" {
		parts = append(parts, r.Title)
	}
	if r.Detail != "" {
		parts = append(parts, r.Detail)
	}
	for _, e := range r.Errors {
		if e.Detail != "" {
			parts = append(parts, e.Detail)
		} else if e.Message != "" {
			parts = append(parts, e.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// retryAfter reads the standard Retry-After header, falling back to the
// x-rate-limit-reset epoch the X API sends.
func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Until(time.Unix(epoch, 0)), 0)
		}
	}
	return 0
}

// DryRun logs replies instead of posting them.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun creates a poster that never contacts the platform.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

// Reply logs the reply and returns a synthetic id.
func (d *DryRun) Reply(_ context.Context, postID, text string) (string, error) {
	id := "dry-run-" + uuid.NewString()
	d.logger.Info("DRY RUN reply", "in_reply_to", postID, "reply_id", id, "text_length", len(text))
	return id, nil
}
