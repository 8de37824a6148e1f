// ABOUTME: Conversation sessions that carry recent turns across requests
// ABOUTME: Handles session pinning, context composition, handoff and expiry

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
)

const (
	DefaultMaxTurns = 10
	DefaultTTL      = 30 * time.Minute

	// Status recorded on turns created by a handoff.
	StatusHandoff = "handoff"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("conversation session not found")

// Store is the subset of store.Store the service needs.
type Store interface {
	TouchSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context, updatedSince time.Time, limit int) ([]*store.Session, error)
	SetSessionAgent(ctx context.Context, id, agentID string, at time.Time) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AppendTurn(ctx context.Context, turn *store.Turn) error
	RecentTurns(ctx context.Context, sessionID string, n int) ([]*store.Turn, error)
}

// Options tunes a Service. Zero values take defaults.
type Options struct {
	MaxTurns int
	TTL      time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service manages conversation sessions on top of the store.
type Service struct {
	store       Store
	broadcaster *Broadcaster
	maxTurns    int
	ttl         time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a Service. broadcaster may be nil.
func New(st Store, broadcaster *Broadcaster, opts Options) *Service {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		maxTurns:    opts.MaxTurns,
		ttl:         opts.TTL,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "conversation"),
	}
}

// Broadcaster returns the turn broadcaster, or nil.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// TTL is the inactivity period after which a session expires.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

func (s *Service) expired(sess *store.Session) bool {
	return s.now().Sub(sess.UpdatedAt) > s.ttl
}

// Get returns a live session. Expired sessions report ErrSessionNotFound.
func (s *Service) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if s.expired(sess) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Begin opens the session for an inbound request, creating it pinned to
// agentID when it does not exist or has expired. The returned session
// reports the agent it is currently pinned to.
func (s *Service) Begin(ctx context.Context, id, channel, agentID string) (*store.Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("failed to sweep expired sessions", "error", err)
	}

	now := s.now()
	sess = &store.Session{
		ID:        id,
		AgentID:   agentID,
		Channel:   channel,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.TouchSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logger.Info("session created", "session_id", id, "agent_id", agentID, "channel", channel)
	return sess, nil
}

// History renders the most recent turns of a session for prompt context.
func (s *Service) History(ctx context.Context, id string) (string, error) {
	turns, err := s.store.RecentTurns(ctx, id, s.maxTurns)
	if err != nil {
		return "", fmt.Errorf("loading turns: %w", err)
	}

	var b strings.Builder
	for _, t := range turns {
		if t.Prompt != "" {
			fmt.Fprintf(&b, "User: %s\n", t.Prompt)
		}
		if t.Response != "" {
			fmt.Fprintf(&b, "%s: %s\n", speakerLabel(t.AgentID), t.Response)
		}
	}
	return b.String(), nil
}

// Compose prefixes prompt with conversation history when there is any.
func Compose(history, prompt string) string {
	if history == "" {
		return prompt
	}
	return fmt.Sprintf("Previous context:\n%s\nCurrent request: %s", history, prompt)
}

// Record appends a finished exchange to the session and publishes it.
func (s *Service) Record(ctx context.Context, turn *store.Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	sess := &store.Session{
		ID:        turn.SessionID,
		AgentID:   turn.AgentID,
		CreatedAt: turn.CreatedAt,
		UpdatedAt: turn.CreatedAt,
	}
	if err := s.store.TouchSession(ctx, sess); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if err := s.store.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}

	if s.broadcaster != nil {
		s.broadcaster.Publish(turn)
	}
	return nil
}

// HandoffResult describes a completed handoff.
type HandoffResult struct {
	Session       *store.Session
	PreviousAgent string
	Message       string
}

// Handoff moves a live session to agentID. message is recorded as the
// outgoing agent's last word; a non-empty topic adds an introduction from
// the incoming agent.
func (s *Service) Handoff(ctx context.Context, id, agentID, message, topic string) (*HandoffResult, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := sess.AgentID

	if message != "" {
		if err := s.Record(ctx, &store.Turn{
			SessionID: id,
			AgentID:   previous,
			Response:  message,
			Status:    StatusHandoff,
		}); err != nil {
			return nil, err
		}
	}

	now := s.now()
	if err := s.store.SetSessionAgent(ctx, id, agentID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("updating session agent: %w", err)
	}

	if topic != "" {
		if err := s.Record(ctx, &store.Turn{
			SessionID: id,
			AgentID:   agentID,
			Response:  "I see you need help with " + topic,
			Status:    StatusHandoff,
		}); err != nil {
			return nil, err
		}
	}

	sess, err = s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session handed off", "session_id", id, "from", previous, "to", agentID)
	return &HandoffResult{Session: sess, PreviousAgent: previous, Message: message}, nil
}

// Active lists sessions that have not expired, most recent first.
func (s *Service) Active(ctx context.Context, limit int) ([]*store.Session, error) {
	return s.store.ListSessions(ctx, s.now().Add(-s.ttl), limit)
}

// Recent returns up to n turns of a session, oldest first.
func (s *Service) Recent(ctx context.Context, id string, n int) ([]*store.Turn, error) {
	return s.store.RecentTurns(ctx, id, n)
}

// Sweep deletes expired sessions and returns how many were removed.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteSessionsBefore(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired sessions removed", "count", n)
	}
	return n, nil
}

// Run sweeps expired sessions every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("failed to sweep expired sessions", "error", err)
			}
		}
	}
}

func speakerLabel(agentID string) string {
	if agentID == "" {
		return "Assistant"
	}
	return strings.ToUpper(agentID[:1]) + agentID[1:]
}
