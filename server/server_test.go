package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reply-monitor/pkg/replier"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	pending  []*replier.CandidateReply
	verdicts map[string]replier.Verdict
	ran      chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
}

func (f *fakeRunner) Run(context.Context) (*replier.RunSummary, error) {
	close(f.ran)
	return &replier.RunSummary{}, nil
}

func (f *fakeRunner) Running() bool {
	return f.running.Load()
}

func (f *fakeRunner) Pending(context.Context) ([]*replier.CandidateReply, error) {
	return f.pending, nil
}

func (f *fakeRunner) Decide(_ context.Context, id string, v replier.Verdict) (*replier.CandidateReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.pending {
		if c.ID == id {
			f.verdicts[id] = v
			cp := *c
			cp.Verdict = v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("candidate %s: %w", id, replier.ErrNotFound)
}

func (f *fakeRunner) verdict(id string) replier.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verdicts[id]
}

type fakeSummaries struct {
	sum *replier.RunSummary
}

func (f fakeSummaries) LoadSummary(context.Context) (*replier.RunSummary, error) {
	if f.sum == nil {
		return nil, replier.ErrNotFound
	}
	return f.sum, nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{
		pending: []*replier.CandidateReply{{
			ID:        "c-1",
			Handle:    "alice",
			PostText:  "new <b>airdrop</b> live",
			Text:      "Thanks @alice!",
			Gate:      replier.GatePendingReview,
			CreatedAt: time.Now().Add(-time.Hour),
		}},
		verdicts: make(map[string]replier.Verdict),
		ran:      make(chan struct{}),
	}
	s := New(&Config{
		Runner:     runner,
		Summaries:  fakeSummaries{sum: &replier.RunSummary{RepliesSent: 2}},
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		AdminToken: token,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, runner
}

func post(t *testing.T, target, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" {
		t.Error("missing security headers")
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Running bool                `json:"running"`
		LastRun *replier.RunSummary `json:"last_run"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Running || got.LastRun == nil || got.LastRun.RepliesSent != 2 {
		t.Errorf("status = %+v", got)
	}
}

func TestPollRequiresToken(t *testing.T) {
	srv, runner := newTestServer(t, "secret")

	if resp := post(t, srv.URL+"/pollz", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/pollz", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/pollz", "secret"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("run was not started")
	}
}

func TestPollWhileRunning(t *testing.T) {
	srv, runner := newTestServer(t, "")
	runner.running.Store(true)

	if resp := post(t, srv.URL+"/pollz", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantID     string
		want       replier.Verdict
	}{
		{"approve", "/review/c-1/approve", http.StatusOK, "c-1", replier.VerdictApproved},
		{"reject", "/review/c-1/reject", http.StatusOK, "c-1", replier.VerdictRejected},
		{"unknown candidate", "/review/nope/approve", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, runner := newTestServer(t, "secret")
			resp := post(t, srv.URL+tt.path, "secret")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantID != "" && runner.verdict(tt.wantID) != tt.want {
				t.Errorf("verdict = %q, want %q", runner.verdict(tt.wantID), tt.want)
			}
		})
	}
}

func TestDecideFromForm(t *testing.T) {
	srv, runner := newTestServer(t, "secret")
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/review/c-1/approve", strings.NewReader(url.Values{"token": {"secret"}}.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/review" {
		t.Errorf("status = %d, location = %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if runner.verdict("c-1") != replier.VerdictApproved {
		t.Errorf("verdict = %q", runner.verdict("c-1"))
	}
}

func TestReviewPage(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	resp, err := http.Get(srv.URL + "/review")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	page := string(body)
	if !strings.Contains(page, "/review/c-1/approve") || !strings.Contains(page, "Thanks @alice!") {
		t.Errorf("page missing candidate:\n%s", page)
	}
	if strings.Contains(page, "<b>airdrop</b>") {
		t.Error("post text was not escaped")
	}
	if !strings.Contains(page, `name="token"`) {
		t.Error("page missing token field")
	}
}
