package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reply-monitor/pkg/replier"
	"strings"
	"testing"
	"time"
)

type memorySink struct {
	entries []*replier.AuditEntry
	err     error
}

func (m *memorySink) Append(_ context.Context, e *replier.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func TestMultiContinuesPastFailure(t *testing.T) {
	bad := &memorySink{err: errors.New("sheet quota")}
	good := &memorySink{}

	err := Multi{bad, good}.Append(context.Background(), &replier.AuditEntry{PostID: "1"})
	if err == nil || !strings.Contains(err.Error(), "sheet quota") {
		t.Errorf("Append() error = %v, want sink error", err)
	}
	if len(good.entries) != 1 {
		t.Errorf("second sink got %d entries, want 1", len(good.entries))
	}
}

func TestMultiEmpty(t *testing.T) {
	if err := (Multi{}).Append(context.Background(), &replier.AuditEntry{}); err != nil {
		t.Errorf("Append() error = %v", err)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	c := &replier.CandidateReply{
		ID:        "c1",
		Handle:    "alice",
		PostID:    "9",
		Gate:      replier.GateApproved,
		Dispatch:  replier.DispatchFailed,
		Error:     "rate limited",
		Reasons:   []string{"airdrop"},
		Score:     3,
		UpdatedAt: time.Now(),
	}
	if err := sink.Append(context.Background(), FromCandidate(c, replier.DecisionReply)); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`"candidate_id":"c1"`, `"dispatch":"failed"`, `"error":"rate limited"`, `"decision":"reply"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestFromRecord(t *testing.T) {
	rec := &replier.EvaluationRecord{Handle: "bob", PostID: "2", Decision: replier.DecisionSkip, Score: -2, Reasons: []string{"airdrop", "scam"}}
	e := FromRecord(rec)
	if e.CandidateID != "" || e.Decision != replier.DecisionSkip || len(e.Reasons) != 2 {
		t.Errorf("FromRecord() = %+v", e)
	}
}
