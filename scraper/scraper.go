// Package scraper fetches recent posts for monitored profiles.
package scraper

import (
	"errors"
	"fmt"
	"net/http"
	"reply-monitor/pkg/replier"
	"sort"
	"strconv"
	"strings"
	"time"
)

// HTTPError is a non-2xx response from a scraping backend.
type HTTPError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// Unwrap classifies the status into the shared error taxonomy.
func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return &replier.RateLimitError{Service: "scraper", RetryAfter: e.RetryAfter}
	case e.StatusCode >= 500:
		return replier.ErrAdapterUnavailable
	default:
		return replier.ErrAdapterRejected
	}
}

// IsForbidden checks if an error is an HTTP 401 or 403 from a backend.
func IsForbidden(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && (he.StatusCode == http.StatusForbidden || he.StatusCode == http.StatusUnauthorized)
}

// retryable reports whether a fetch attempt should be repeated.
func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	return true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0)
	}
	return 0
}

// Options narrows what a fetch returns.
type Options struct {
	// Since drops posts published before this time. Zero means no limit.
	Since          time.Time
	Limit          int
	IncludeReplies bool
}

// normalize drops reposts, replies unless requested, and posts older than
// opts.Since, then orders the rest newest first.
func normalize(posts []replier.Post, opts Options) []replier.Post {
	out := posts[:0]
	for _, p := range posts {
		if p.IsRepost {
			continue
		}
		if p.IsReply && !opts.IncludeReplies {
			continue
		}
		if !opts.Since.IsZero() && !p.PublishedAt.IsZero() && p.PublishedAt.Before(opts.Since) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func cleanHandle(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), "@")
}
