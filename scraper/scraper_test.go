package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reply-monitor/pkg/replier"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastApify(url string) *Apify {
	a := NewApify(&http.Client{Timeout: 5 * time.Second}, "tok", url, discard())
	a.delay = time.Millisecond
	a.jitter = time.Millisecond
	return a
}

const apifyFixture = `[
  {"id": "3", "text": "third airdrop", "createdAt": "Sun Jun 01 12:00:00 +0000 2025", "url": "https://x.com/alice/status/3",
   "likeCount": 4, "replyCount": 1, "retweetCount": 2, "author": {"userName": "alice"}},
  {"id": "1", "text": "first", "createdAt": "Sun Jun 01 10:00:00 +0000 2025", "author": {"userName": "alice"}},
  {"id": "2", "text": "a reply", "createdAt": "Sun Jun 01 11:00:00 +0000 2025", "conversationId": "99"},
  {"id": "4", "text": "RT something", "createdAt": "Sun Jun 01 13:00:00 +0000 2025", "isRetweet": true},
  {"text": "no id"}
]`

func TestApifyFetch(t *testing.T) {
	var gotReq apifyRequest
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("token")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, apifyFixture)
	}))
	defer srv.Close()

	posts, err := fastApify(srv.URL).Fetch(context.Background(), "@alice", Options{Limit: 10})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotToken != "tok" {
		t.Errorf("token = %q, want tok", gotToken)
	}
	if len(gotReq.TwitterHandles) != 1 || gotReq.TwitterHandles[0] != "alice" || gotReq.Sort != "Latest" {
		t.Errorf("request = %+v", gotReq)
	}

	if len(posts) != 2 {
		t.Fatalf("Fetch() returned %d posts, want 2 (reply and repost dropped): %+v", len(posts), posts)
	}
	if posts[0].ID != "3" || posts[1].ID != "1" {
		t.Errorf("order = %s,%s; want newest first 3,1", posts[0].ID, posts[1].ID)
	}
	p := posts[0]
	if p.Metrics.Likes != 4 || p.Metrics.Replies != 1 || p.Metrics.Reposts != 2 {
		t.Errorf("metrics = %+v", p.Metrics)
	}
	if want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC); !p.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want %v", p.PublishedAt, want)
	}
	if posts[1].URL != "https://x.com/alice/status/1" {
		t.Errorf("fallback URL = %q", posts[1].URL)
	}
}

func TestApifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	posts, err := fastApify(srv.URL).Fetch(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("Fetch() = %d posts, want 0", len(posts))
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestApifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := fastApify(srv.URL).Fetch(context.Background(), "alice", Options{})
	if err == nil {
		t.Fatal("Fetch() error = nil, want 403")
	}
	if !IsForbidden(err) {
		t.Errorf("IsForbidden(%v) = false", err)
	}
	if !errors.Is(err, replier.ErrAdapterRejected) {
		t.Errorf("error = %v, want ErrAdapterRejected", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPErrorClassification(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, replier.ErrRateLimited},
		{http.StatusServiceUnavailable, replier.ErrAdapterUnavailable},
		{http.StatusNotFound, replier.ErrAdapterRejected},
	}
	for _, tt := range tests {
		err := &HTTPError{StatusCode: tt.code}
		if !errors.Is(err, tt.want) {
			t.Errorf("HTTP %d: errors.Is(%v) = false", tt.code, tt.want)
		}
	}
}

func TestNormalizeSinceAndLimit(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	posts := []replier.Post{
		{ID: "old", PublishedAt: base.Add(-48 * time.Hour)},
		{ID: "a", PublishedAt: base.Add(time.Hour)},
		{ID: "b", PublishedAt: base.Add(2 * time.Hour)},
		{ID: "reply", PublishedAt: base.Add(3 * time.Hour), IsReply: true},
	}
	got := normalize(posts, Options{Since: base, Limit: 1})
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("normalize() = %+v, want only b", got)
	}

	got = normalize([]replier.Post{{ID: "reply", IsReply: true}}, Options{IncludeReplies: true})
	if len(got) != 1 {
		t.Errorf("normalize() with IncludeReplies dropped the reply")
	}
}

const timelineFixture = `<html><head><title>Alice (@alice) | nitter</title></head><body>
<div class="timeline">
  <div class="timeline-item">
    <a class="tweet-link" href="/alice/status/200#m"></a>
    <a class="username" href="/alice">@alice</a>
    <span class="tweet-date"><a href="/alice/status/200#m" title="Jun 1, 2025 · 2:00 PM UTC">1h</a></span>
    <div class="tweet-content media-body">New AIRDROP announced</div>
    <div class="tweet-stats">
      <span class="tweet-stat"><div class="icon-container"><span class="icon-comment"></span> 3</div></span>
      <span class="tweet-stat"><div class="icon-container"><span class="icon-retweet"></span> 1,204</div></span>
      <span class="tweet-stat"><div class="icon-container"><span class="icon-heart"></span> 10</div></span>
    </div>
  </div>
  <div class="timeline-item">
    <div class="retweet-header">alice retweeted</div>
    <a class="tweet-link" href="/bob/status/150#m"></a>
    <div class="tweet-content media-body">bob's post</div>
  </div>
  <div class="timeline-item">
    <a class="tweet-link" href="/alice/status/100#m"></a>
    <span class="tweet-date"><a title="May 30, 2025 · 9:15 AM UTC">2d</a></span>
    <div class="tweet-content media-body">older post</div>
  </div>
</div>
</body></html>`

func TestParseTimeline(t *testing.T) {
	posts, err := parseTimeline(strings.NewReader(timelineFixture), "https://nitter.example", "alice")
	if err != nil {
		t.Fatalf("parseTimeline() error = %v", err)
	}
	if len(posts) != 3 {
		t.Fatalf("parseTimeline() = %d posts, want 3", len(posts))
	}

	first := posts[0]
	if first.ID != "200" || first.Author != "alice" || first.Text != "New AIRDROP announced" {
		t.Errorf("first post = %+v", first)
	}
	if first.Metrics.Replies != 3 || first.Metrics.Reposts != 1204 || first.Metrics.Likes != 10 {
		t.Errorf("metrics = %+v", first.Metrics)
	}
	if want := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC); !first.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want %v", first.PublishedAt, want)
	}
	if !posts[1].IsRepost {
		t.Error("second post should be a repost")
	}
}

func TestParseTimelineNotATimeline(t *testing.T) {
	_, err := parseTimeline(strings.NewReader(`<html><title>Error</title></html>`), "https://nitter.example", "alice")
	if err == nil {
		t.Error("parseTimeline() error = nil for a page without a timeline")
	}
}

func TestHTMLFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/alice" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, timelineFixture)
	}))
	defer srv.Close()

	h := NewHTML(srv.Client(), srv.URL+"/", discard())
	h.delay, h.jitter = time.Millisecond, time.Millisecond
	posts, err := h.Fetch(context.Background(), "alice", Options{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "200" || posts[1].ID != "100" {
		t.Errorf("Fetch() = %+v", posts)
	}
}

func TestStatusID(t *testing.T) {
	tests := map[string]string{
		"/alice/status/123#m":  "123",
		"/alice/status/456":    "456",
		"/alice/status/abc#m":  "",
		"/alice/with_replies":  "",
		"/a/status/789/photo/": "789",
	}
	for in, want := range tests {
		if got := statusID(in); got != want {
			t.Errorf("statusID(%q) = %q, want %q", in, got, want)
		}
	}
}
