// ABOUTME: Manager tracks every configured agent session by id
// ABOUTME: Routes submissions, reports health and serves log tails

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
)

// ErrAgentAlreadyRegistered indicates a duplicate agent id.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// Manager owns the set of agent sessions.
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session. Ids are unique for the manager's lifetime.
func (m *Manager) Register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID()]; exists {
		return ErrAgentAlreadyRegistered
	}
	m.sessions[s.ID()] = s
	m.logger.Info("agent registered", "agent_id", s.ID(), "endpoint", s.cfg.Endpoint)
	return nil
}

// Start connects every registered session.
func (m *Manager) Start(ctx context.Context) {
	for _, s := range m.snapshot() {
		s.Start(ctx)
	}
}

// Submit sends a request to the named agent.
func (m *Manager) Submit(ctx context.Context, agentID string, req Request) (*stage.Aggregator, error) {
	s, ok := m.Get(agentID)
	if !ok {
		return nil, failure.New(failure.UnknownAgent, "no agent named %q", agentID)
	}
	return s.Submit(ctx, req)
}

// Get returns the session for agentID.
func (m *Manager) Get(agentID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	return s, ok
}

// Has reports whether agentID is configured.
func (m *Manager) Has(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// Status returns the health of one agent.
func (m *Manager) Status(agentID string) (Health, error) {
	s, ok := m.Get(agentID)
	if !ok {
		return "", failure.New(failure.UnknownAgent, "no agent named %q", agentID)
	}
	return s.Health(), nil
}

// IDs returns all agent ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// List returns info for every session, sorted by agent id.
func (m *Manager) List() []SessionInfo {
	sessions := m.snapshot()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Logs returns the last n stderr lines captured for agentID.
func (m *Manager) Logs(agentID string, n int) ([]string, error) {
	s, ok := m.Get(agentID)
	if !ok {
		return nil, failure.New(failure.UnknownAgent, "no agent named %q", agentID)
	}
	return s.Tail().Lines(n), nil
}

// Close stops every session, failing their in-flight requests.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.snapshot() {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
