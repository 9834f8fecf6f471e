package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reply-monitor/pkg/replier"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultApifyURL runs the tweet scraper actor synchronously and returns its dataset.
const DefaultApifyURL = "https://api.apify.com/v2/acts/apidojo~twitter-scraper-lite/run-sync-get-dataset-items"

// twitterTimeLayout is the createdAt format returned by the actor.
const twitterTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// Apify fetches posts through an Apify actor.
type Apify struct {
	client   *http.Client
	logger   *slog.Logger
	endpoint string
	token    string
	attempts uint
	delay    time.Duration
	jitter   time.Duration
}

// NewApify creates an Apify scraper. An empty endpoint selects DefaultApifyURL.
func NewApify(client *http.Client, token, endpoint string, logger *slog.Logger) *Apify {
	if endpoint == "" {
		endpoint = DefaultApifyURL
	}
	return &Apify{
		client:   client,
		logger:   logger,
		endpoint: endpoint,
		token:    token,
		attempts: 3,
		delay:    time.Second,
		jitter:   10 * time.Second,
	}
}

type apifyRequest struct {
	TwitterHandles []string `json:"twitterHandles"`
	MaxItems       int      `json:"maxItems"`
	Sort           string   `json:"sort"`
	Start          string   `json:"start,omitempty"`
}

type apifyAuthor struct {
	UserName string `json:"userName"`
	Name     string `json:"name"`
}

type apifyItem struct {
	ID                string      `json:"id"`
	PostID            string      `json:"postId"`
	Text              string      `json:"text"`
	FullText          string      `json:"fullText"`
	URL               string      `json:"url"`
	TwitterURL        string      `json:"twitterUrl"`
	CreatedAt         string      `json:"createdAt"`
	ConversationID    string      `json:"conversationId"`
	InReplyToStatusID string      `json:"inReplyToStatusId"`
	InReplyToID       string      `json:"inReplyToId"`
	Author            apifyAuthor `json:"author"`
	LikeCount         int         `json:"likeCount"`
	ReplyCount        int         `json:"replyCount"`
	RetweetCount      int         `json:"retweetCount"`
	IsReply           bool        `json:"isReply"`
	IsRetweet         bool        `json:"isRetweet"`
}

// Fetch returns the profile's recent original posts, newest first.
func (a *Apify) Fetch(ctx context.Context, handle string, opts Options) ([]replier.Post, error) {
	handle = cleanHandle(handle)
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	body := apifyRequest{
		TwitterHandles: []string{handle},
		// Replies and reposts are filtered after the fact, so ask for extra.
		MaxItems: limit * 2,
		Sort:     "Latest",
	}
	if !opts.Since.IsZero() {
		body.Start = opts.Since.UTC().Format(time.DateOnly)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u, err := url.Parse(a.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", a.token)
	u.RawQuery = q.Encode()

	var items []apifyItem
	err = retry.Do(
		func() error {
			a.logger.Info("Apify request starting", "method", "POST", "profile", handle, "max_items", body.MaxItems)

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			start := time.Now()
			resp, err := a.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				a.logger.Warn("Apify request failed, will retry", "profile", handle, "duration_ms", duration.Milliseconds(), "error", err)
				return fmt.Errorf("apify request: %w: %w", replier.ErrAdapterUnavailable, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			a.logger.Info("Apify request completed", "profile", handle, "status_code", resp.StatusCode, "duration_ms", duration.Milliseconds())

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				a.logger.Warn("Apify returned non-2xx status", "status_code", resp.StatusCode, "body", strings.TrimSpace(string(snippet)))
				return &HTTPError{URL: a.endpoint, StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
			}

			items = nil
			if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
				return fmt.Errorf("decode dataset: %w: %w", replier.ErrAdapterUnavailable, err)
			}
			return nil
		},
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(a.jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Info("Retrying Apify fetch after error", "attempt", n, "profile", handle, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", handle, err)
	}

	posts := make([]replier.Post, 0, len(items))
	for _, it := range items {
		p, ok := it.toPost(handle)
		if !ok {
			continue
		}
		posts = append(posts, p)
	}

	posts = normalize(posts, Options{Since: opts.Since, Limit: limit, IncludeReplies: opts.IncludeReplies})
	a.logger.Info("Apify posts parsed", "profile", handle, "items", len(items), "kept", len(posts))
	return posts, nil
}

func (it *apifyItem) toPost(handle string) (replier.Post, bool) {
	id := it.ID
	if id == "" {
		id = it.PostID
	}
	if id == "" {
		return replier.Post{}, false
	}
	text := it.FullText
	if text == "" {
		text = it.Text
	}
	link := it.URL
	if link == "" {
		link = it.TwitterURL
	}
	if link == "" {
		link = fmt.Sprintf("https://x.com/%s/status/%s", handle, id)
	}
	author := it.Author.UserName
	if author == "" {
		author = handle
	}

	var published time.Time
	if it.CreatedAt != "" {
		if t, err := time.Parse(twitterTimeLayout, it.CreatedAt); err == nil {
			published = t.UTC()
		} else if t, err := time.Parse(time.RFC3339, it.CreatedAt); err == nil {
			published = t.UTC()
		}
	}

	isReply := it.IsReply || it.InReplyToStatusID != "" || it.InReplyToID != "" ||
		(it.ConversationID != "" && it.ConversationID != id)

	return replier.Post{
		ID:          id,
		Author:      author,
		Text:        text,
		URL:         link,
		PublishedAt: published,
		Metrics: replier.Metrics{
			Likes:   it.LikeCount,
			Replies: it.ReplyCount,
			Reposts: it.RetweetCount,
		},
		IsReply:  isReply,
		IsRepost: it.IsRetweet,
	}, true
}
