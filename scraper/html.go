package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reply-monitor/pkg/replier"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
)

// nitterTimeLayout is the title attribute format on timeline dates.
const nitterTimeLayout = "Jan 2, 2006 · 3:04 PM MST"

// HTML scrapes a Nitter-compatible profile timeline page.
type HTML struct {
	client   *http.Client
	logger   *slog.Logger
	baseURL  string
	attempts uint
	delay    time.Duration
	jitter   time.Duration
}

// NewHTML creates an HTML timeline scraper rooted at baseURL (for example https://nitter.net).
func NewHTML(client *http.Client, baseURL string, logger *slog.Logger) *HTML {
	return &HTML{
		client:   client,
		logger:   logger,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		attempts: 5,
		delay:    time.Second,
		jitter:   10 * time.Second,
	}
}

// Fetch returns the profile's recent original posts, newest first.
func (h *HTML) Fetch(ctx context.Context, handle string, opts Options) ([]replier.Post, error) {
	handle = cleanHandle(handle)
	pageURL := h.baseURL + "/" + handle

	var posts []replier.Post
	err := retry.Do(
		func() error {
			h.logger.Info("HTTP request starting", "method", "GET", "url", pageURL, "purpose", "fetch_timeline")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")

			start := time.Now()
			resp, err := h.client.Do(req)
			duration := time.Since(start)
			if err != nil {
				h.logger.Warn("HTTP request failed, will retry", "url", pageURL, "duration_ms", duration.Milliseconds(), "error", err)
				return fmt.Errorf("fetch timeline: %w: %w", replier.ErrAdapterUnavailable, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			h.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &HTTPError{URL: pageURL, StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
			}

			posts, err = parseTimeline(resp.Body, h.baseURL, handle)
			if err != nil {
				h.logger.Error("Failed to parse HTML", "url", pageURL, "error", err)
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(h.jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", handle, err)
	}

	fetched := len(posts)
	posts = normalize(posts, opts)
	h.logger.Info("Timeline parsed", "profile", handle, "posts_found", fetched, "kept", len(posts))
	return posts, nil
}

func parseTimeline(body io.Reader, baseURL, handle string) ([]replier.Post, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	var posts []replier.Post
	doc.Find("div.timeline-item").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Find("a.tweet-link").First().Attr("href")
		if !ok {
			return
		}
		id := statusID(href)
		if id == "" {
			return
		}

		author := strings.TrimPrefix(strings.TrimSpace(s.Find("a.username").First().Text()), "@")
		if author == "" {
			author = handle
		}

		var published time.Time
		if title, ok := s.Find("span.tweet-date a").First().Attr("title"); ok {
			if t, err := time.Parse(nitterTimeLayout, title); err == nil {
				published = t.UTC()
			}
		}

		posts = append(posts, replier.Post{
			ID:          id,
			Author:      author,
			Text:        strings.TrimSpace(s.Find("div.tweet-content").First().Text()),
			URL:         "https://x.com/" + author + "/status/" + id,
			PublishedAt: published,
			Metrics: replier.Metrics{
				Replies: stat(s, "icon-comment"),
				Reposts: stat(s, "icon-retweet"),
				Likes:   stat(s, "icon-heart"),
			},
			IsReply:  s.Find("div.replying-to").Length() > 0,
			IsRepost: s.Find("div.retweet-header").Length() > 0,
		})
	})

	// An empty timeline is valid; a page without the timeline container is not.
	if len(posts) == 0 && doc.Find("div.timeline").Length() == 0 {
		title := strings.TrimSpace(doc.Find("title").First().Text())
		return nil, fmt.Errorf("no timeline found (title=%q, base=%s)", title, baseURL)
	}
	return posts, nil
}

// statusID extracts the numeric id from "/user/status/123#m".
func statusID(href string) string {
	idx := strings.Index(href, "/status/")
	if idx < 0 {
		return ""
	}
	id := href[idx+len("/status/"):]
	if cut := strings.IndexAny(id, "#?/"); cut >= 0 {
		id = id[:cut]
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ""
	}
	return id
}

func stat(s *goquery.Selection, icon string) int {
	text := strings.TrimSpace(s.Find("span.tweet-stat span." + icon).Parent().Text())
	text = strings.ReplaceAll(text, ",", "")
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return 0
	}
	return n
}
