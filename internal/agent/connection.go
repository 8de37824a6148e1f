// ABOUTME: One live upstream connection and its in-flight request table
// ABOUTME: Demultiplexes canonical notifications to per-request aggregators

package agent

import (
	"log/slog"
	"sync"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/event"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
)

// Connection wraps a Conn with the set of requests submitted over it.
type Connection struct {
	AgentID string

	conn   Conn
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

type pendingRequest struct {
	agg     *stage.Aggregator
	lastSeq uint64
}

func newConnection(agentID string, conn Conn, logger *slog.Logger) *Connection {
	return &Connection{
		AgentID: agentID,
		conn:    conn,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Send writes a message to the agent.
func (c *Connection) Send(v any) error {
	return c.conn.WriteJSON(v)
}

// ReadLine reads the next raw line from the agent.
func (c *Connection) ReadLine() ([]byte, error) {
	return c.conn.ReadLine()
}

// Reserve claims requestID in the in-flight table. It fails once the
// connection has been drained or when the id is already in flight.
func (c *Connection) Reserve(requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return failure.New(failure.BackendUnavailable, "agent %s connection closed", c.AgentID)
	}
	if _, exists := c.pending[requestID]; exists {
		return failure.New(failure.InvalidRequest, "request %s already in flight", requestID)
	}
	c.pending[requestID] = &pendingRequest{}
	return nil
}

// Attach binds the aggregator to a reserved request id.
func (c *Connection) Attach(requestID string, agg *stage.Aggregator) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if !ok {
		return failure.New(failure.BackendUnavailable, "agent %s connection closed", c.AgentID)
	}
	p.agg = agg
	return nil
}

// Remove drops a request from the in-flight table.
func (c *Connection) Remove(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// InFlight returns the number of requests awaiting a terminal notification.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Dispatch routes n to its request's aggregator. A notification without a
// session id is attributed to the only in-flight request when there is
// exactly one. It returns false when the notification was discarded.
func (c *Connection) Dispatch(n event.Notification) bool {
	c.mu.Lock()
	var p *pendingRequest
	if n.SessionID == "" && len(c.pending) == 1 {
		for id, only := range c.pending {
			n.SessionID = id
			p = only
		}
	} else {
		p = c.pending[n.SessionID]
	}
	if p == nil || p.agg == nil {
		c.mu.Unlock()
		c.logger.Debug("discarding notification for unknown request",
			"agent_id", c.AgentID,
			"session_id", n.SessionID,
			"kind", n.Kind,
		)
		return false
	}

	// Agents that do not number their events get arrival order.
	if n.Seq == 0 {
		n.Seq = p.lastSeq + 1
	}
	if n.Seq > p.lastSeq {
		p.lastSeq = n.Seq
	}
	agg := p.agg
	c.mu.Unlock()

	if err := agg.Apply(n); err != nil {
		c.logger.Warn("notification rejected",
			"agent_id", c.AgentID,
			"request_id", n.SessionID,
			"kind", n.Kind,
			"error", err,
		)
	}
	return true
}

// Drain marks the connection closed and returns every in-flight aggregator.
func (c *Connection) Drain() []*stage.Aggregator {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	aggs := make([]*stage.Aggregator, 0, len(c.pending))
	for id, p := range c.pending {
		if p.agg != nil {
			aggs = append(aggs, p.agg)
		}
		delete(c.pending, id)
	}
	return aggs
}

// Close closes the underlying transport.
func (c *Connection) Close() error {
	return c.conn.Close()
}
