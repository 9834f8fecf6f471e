package identity

import (
	"context"
	"reply-monitor/pkg/replier"
	"sync"
	"time"
)

// Memory is an in-process Backend. It does not survive restarts.
type Memory struct {
	records map[string]map[string]replier.EvaluationRecord
	mu      sync.Mutex
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]map[string]replier.EvaluationRecord)}
}

// Seen implements Backend.
func (m *Memory) Seen(_ context.Context, handle, postID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[handle][postID]
	return ok, nil
}

// Insert implements Backend.
func (m *Memory) Insert(_ context.Context, rec *replier.EvaluationRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.records[rec.Handle]
	if !ok {
		byID = make(map[string]replier.EvaluationRecord)
		m.records[rec.Handle] = byID
	}
	if _, exists := byID[rec.PostID]; exists {
		return false, nil
	}
	byID[rec.PostID] = *rec
	return true, nil
}

// HighWater implements Backend. The mark is the newest published time of any evaluated post.
func (m *Memory) HighWater(_ context.Context, handle string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mark time.Time
	for _, rec := range m.records[handle] {
		if rec.PublishedAt.After(mark) {
			mark = rec.PublishedAt
		}
	}
	return mark, !mark.IsZero(), nil
}

// Get returns the stored record, if any.
func (m *Memory) Get(handle, postID string) (replier.EvaluationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[handle][postID]
	return rec, ok
}
