// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	requests map[string]*RequestRecord
	sessions map[string]*Session
	turns    map[string][]*Turn // keyed by session ID, append order
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		requests: make(map[string]*RequestRecord),
		sessions: make(map[string]*Session),
		turns:    make(map[string][]*Turn),
	}
}

// SaveRequest stores a request record.
func (m *MockStore) SaveRequest(ctx context.Context, rec *RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[rec.ID]; ok {
		return ErrDuplicateRequest
	}

	// Make a copy to avoid external modification
	r := *rec
	if r.ToolCalls == "" {
		r.ToolCalls = "[]"
	}
	m.requests[r.ID] = &r
	return nil
}

// GetRequest retrieves a request record by ID.
func (m *MockStore) GetRequest(ctx context.Context, id string) (*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

// ListRequests returns the most recent requests first.
func (m *MockStore) ListRequests(ctx context.Context, limit int) ([]*RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RequestRecord, 0, len(m.requests))
	for _, r := range m.requests {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})

	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// TouchSession creates the session or bumps its UpdatedAt.
func (m *MockStore) TouchSession(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[sess.ID]; ok {
		existing.UpdatedAt = sess.UpdatedAt
		return nil
	}
	s := *sess
	s.TurnCount = 0
	m.sessions[s.ID] = &s
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
	return m.sessionCopy(s), nil
}

// ListSessions returns sessions updated at or after updatedSince, most recent first.
func (m *MockStore) ListSessions(ctx context.Context, updatedSince time.Time, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.UpdatedAt.Before(updatedSince) {
			continue
		}
		out = append(out, m.sessionCopy(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// SetSessionAgent hands a session over to another agent.
func (m *MockStore) SetSessionAgent(ctx context.Context, id, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.AgentID = agentID
	s.UpdatedAt = at
	return nil
}

// DeleteSessionsBefore removes sessions idle since before cutoff, with their turns.
func (m *MockStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.turns, id)
			n++
		}
	}
	return n, nil
}

// AppendTurn adds a turn to an existing session.
func (m *MockStore) AppendTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[turn.SessionID]; !ok {
		return ErrNotFound
	}
	t := *turn
	m.turns[t.SessionID] = append(m.turns[t.SessionID], &t)
	return nil
}

// RecentTurns returns the last n turns of a session, oldest first.
func (m *MockStore) RecentTurns(ctx context.Context, sessionID string, n int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.turns[sessionID]
	if limit := clampLimit(n); len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		c := *t
		out = append(out, &c)
	}
	return out, nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) sessionCopy(s *Session) *Session {
	out := *s
	out.TurnCount = len(m.turns[s.ID])
	return &out
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
