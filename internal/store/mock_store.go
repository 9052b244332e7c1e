// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-sessions/internal/event"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session          // keyed by session ID
	events   map[string][]event.ChatEvent // keyed by session ID, ascending seq
	messages map[string][]*Message        // keyed by session ID
	usage    map[string][]*TokenUsage     // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]event.ChatEvent),
		messages: make(map[string][]*Message),
		usage:    make(map[string][]*TokenUsage),
	}
}

// CreateSession stores a new session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	if session.ConversationID == "" {
		session.ConversationID = session.ID
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// UpdateSession writes the mutable fields of a session.
func (m *MockStore) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now().UTC()
	s.WorkingDir = session.WorkingDir
	s.Model = session.Model
	s.PermissionMode = session.PermissionMode
	s.ResumeToken = session.ResumeToken
	s.Owner = session.Owner
	if session.Status == "" {
		session.Status = SessionStatusActive
	}
	s.Status = session.Status
	if s.Status == SessionStatusActive {
		session.ArchivedAt = nil
	}
	s.ArchivedAt = session.ArchivedAt
	s.UpdatedAt = session.UpdatedAt
	return nil
}

// ListSessions returns sessions ordered by most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if !filter.IncludeArchived && s.Status == SessionStatusArchived {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ArchiveSession marks a session archived.
func (m *MockStore) ArchiveSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = SessionStatusArchived
	s.UpdatedAt = now
	if s.ArchivedAt == nil {
		s.ArchivedAt = &now
	}
	return nil
}

// AppendEvents stores events atomically, rejecting reused seqs.
func (m *MockStore) AppendEvents(ctx context.Context, sessionID string, events []event.ChatEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.events[sessionID]
	used := make(map[int64]bool, len(existing)+len(events))
	for _, ev := range existing {
		used[ev.Seq] = true
	}
	for _, ev := range events {
		if ev.Seq <= 0 {
			return fmt.Errorf("appending %s event: seq must be positive, got %d", ev.Kind, ev.Seq)
		}
		if used[ev.Seq] {
			return fmt.Errorf("appending event %d: %w", ev.Seq, ErrSeqConflict)
		}
		used[ev.Seq] = true
	}

	merged := append(append([]event.ChatEvent(nil), existing...), events...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })
	m.events[sessionID] = merged
	return nil
}

// GetEventsSince returns events with seq > afterSeq, oldest first.
func (m *MockStore) GetEventsSince(ctx context.Context, sessionID string, afterSeq int64) ([]event.ChatEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []event.ChatEvent
	for _, ev := range m.events[sessionID] {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// GetLatestSeq returns the highest stored seq, 0 if none.
func (m *MockStore) GetLatestSeq(ctx context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[sessionID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Seq, nil
}

// SaveMessage stores a legacy history row.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Type == "" {
		msg.Type = MessageTypeMessage
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], &cp)
	return nil
}

// GetSessionMessages returns a session's legacy history, oldest first.
func (m *MockStore) GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages[sessionID]))
	for _, msg := range m.messages[sessionID] {
		cp := *msg
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveUsage stores a usage record.
func (m *MockStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now()
	}
	cp := *usage
	m.usage[usage.SessionID] = append(m.usage[usage.SessionID], &cp)
	return nil
}

// GetSessionUsage retrieves all usage records for a session.
func (m *MockStore) GetSessionUsage(ctx context.Context, sessionID string) ([]*TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TokenUsage, 0, len(m.usage[sessionID]))
	for _, u := range m.usage[sessionID] {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

// GetUsageStats aggregates usage with optional filters.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	for sessionID, records := range m.usage {
		if filter.SessionID != nil && *filter.SessionID != sessionID {
			continue
		}
		for _, u := range records {
			if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
				continue
			}
			if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
				continue
			}
			stats.TotalInput += u.InputTokens
			stats.TotalOutput += u.OutputTokens
			stats.TotalCacheRead += u.CacheReadTokens
			stats.TotalCacheWrite += u.CacheWriteTokens
			stats.TotalCostUSD += u.CostUSD
			stats.TurnCount++
		}
	}
	stats.TotalTokens = stats.TotalInput + stats.TotalOutput
	return &stats, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
