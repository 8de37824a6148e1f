// ABOUTME: Store interface and data types for agent-bridge persistence
// ABOUTME: Defines request records, conversation sessions and turns

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateRequest is returned when a request id is recorded twice
var ErrDuplicateRequest = errors.New("request already recorded")

// RequestRecord is the ledger entry for one finished request.
type RequestRecord struct {
	ID          string
	AgentID     string
	Channel     string
	SessionID   string // conversation session, empty for one-shot requests
	RouteReason string
	Prompt      string
	Status      string
	Message     string
	Reasoning   string
	ToolCalls   string // JSON array of tool events
	ErrorKind   string
	ErrorDetail string
	Anomalies   int
	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Session groups conversation turns across requests.
type Session struct {
	ID        string
	AgentID   string // agent currently serving the conversation
	Channel   string
	TurnCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is one prompt/response exchange within a session.
type Turn struct {
	ID        string
	SessionID string
	RequestID string
	AgentID   string
	Prompt    string
	Response  string
	Status    string
	CreatedAt time.Time
}

// Store defines the persistence operations used by the bridge
type Store interface {
	// Request ledger
	SaveRequest(ctx context.Context, rec *RequestRecord) error
	GetRequest(ctx context.Context, id string) (*RequestRecord, error)
	ListRequests(ctx context.Context, limit int) ([]*RequestRecord, error)

	// Conversation sessions
	TouchSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, updatedSince time.Time, limit int) ([]*Session, error)
	SetSessionAgent(ctx context.Context, id, agentID string, at time.Time) error
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Turns
	AppendTurn(ctx context.Context, turn *Turn) error
	RecentTurns(ctx context.Context, sessionID string, n int) ([]*Turn, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
