// ABOUTME: Session owns one agent: its connection, admission control and health
// ABOUTME: Reads the upstream stream, reconnects with backoff and fails orphaned requests

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/event"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
)

// Admission is the policy applied when every concurrency slot is busy.
type Admission string

const (
	AdmissionQueue  Admission = "queue"
	AdmissionReject Admission = "reject"
)

// Session defaults.
const (
	DefaultConcurrencyLimit = 4
	DefaultQueueSize        = 16
	DefaultFailureThreshold = 3
	DefaultIdleTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReconnectMin     = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

// SessionConfig describes one agent session.
type SessionConfig struct {
	AgentID  string
	Endpoint string

	Tool string
	Cwd  string

	ConcurrencyLimit int
	QueueSize        int
	Admission        Admission
	FailureThreshold int

	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Ping              bool

	Handshake        bool
	HandshakeTimeout time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if c.QueueSize < 0 {
		c.QueueSize = 0
	}
	if c.Admission == "" {
		c.Admission = AdmissionQueue
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = DefaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = max(DefaultReconnectMax, c.ReconnectMin)
	}
}

// SessionOptions carries collaborators shared across sessions.
type SessionOptions struct {
	Logger *slog.Logger
	Tail   *LogTail

	// OnHealthChange is called outside all locks after every transition.
	OnHealthChange func(agentID string, health Health)
}

// Request is one prompt submitted to an agent.
type Request struct {
	RequestID string
	Prompt    string
	Channel   string
	Cwd       string
	Deadline  time.Time
}

// SessionInfo is a point-in-time view of a session for listings.
type SessionInfo struct {
	AgentID             string      `json:"agent_id"`
	Endpoint            string      `json:"endpoint"`
	Health              Health      `json:"health"`
	InFlight            int         `json:"in_flight"`
	QueueDepth          int         `json:"queue_depth"`
	ConcurrencyLimit    int         `json:"concurrency_limit"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	Anomalies           uint64      `json:"anomalies"`
	Reconnects          int         `json:"reconnects"`
	LastError           string      `json:"last_error,omitempty"`
	ConnectedAt         time.Time   `json:"connected_at,omitzero"`
	Stream              event.Stats `json:"stream"`
}

// Session manages one upstream agent.
type Session struct {
	cfg        SessionConfig
	dialer     Dialer
	normalizer *event.Normalizer
	tail       *LogTail
	logger     *slog.Logger
	onHealth   func(string, Health)

	slots     chan struct{}
	queued    atomic.Int64
	anomalies atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	conn        *Connection
	health      Health
	failures    int
	lastErr     string
	lastRead    time.Time
	connectedAt time.Time
	reconnects  int
	started     bool
}

// NewSession creates a session. Nothing is dialed until Start.
func NewSession(cfg SessionConfig, dialer Dialer, opts SessionOptions) *Session {
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.AgentID)

	tail := opts.Tail
	if tail == nil {
		tail = NewLogTail(DefaultLogTailSize)
	}

	return &Session{
		cfg:        cfg,
		dialer:     dialer,
		normalizer: event.NewNormalizer(logger),
		tail:       tail,
		logger:     logger,
		onHealth:   opts.OnHealthChange,
		slots:      make(chan struct{}, cfg.ConcurrencyLimit),
		health:     HealthUnknown,
	}
}

// ID returns the agent id.
func (s *Session) ID() string { return s.cfg.AgentID }

// Tail returns the agent's stderr log tail.
func (s *Session) Tail() *LogTail { return s.tail }

// Start dials the agent and launches the background loops. A failed first
// dial leaves the session dead and retrying.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.connect(s.ctx); err != nil {
		s.logger.Warn("initial agent connection failed", "error", err)
		s.setHealth(HealthDead, err.Error())
		s.wg.Add(1)
		go s.reconnectLoop()
	}

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
}

// Submit admits a request and writes it to the agent. The returned
// aggregator is already receiving notifications.
func (s *Session) Submit(ctx context.Context, req Request) (*stage.Aggregator, error) {
	s.mu.Lock()
	sessCtx := s.ctx
	s.mu.Unlock()
	if sessCtx == nil {
		return nil, failure.New(failure.BackendUnavailable, "agent %s not started", s.cfg.AgentID)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if err := s.acquire(ctx, sessCtx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.release()
		return nil, failure.New(failure.BackendUnavailable, "agent %s is not connected", s.cfg.AgentID)
	}
	if err := conn.Reserve(req.RequestID); err != nil {
		s.release()
		return nil, err
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = s.cfg.Cwd
	}

	agg := stage.New(stage.RequestContext{
		RequestID:   req.RequestID,
		AgentID:     s.cfg.AgentID,
		Channel:     req.Channel,
		SubmittedAt: time.Now(),
		Deadline:    req.Deadline,
	}, stage.Options{
		IdleTimeout: s.cfg.IdleTimeout,
		Logger:      s.logger,
		OnFinalize: func(snap stage.Snapshot) {
			conn.Remove(snap.RequestID)
			s.release()
			s.recordOutcome(snap)
		},
	})

	if err := conn.Attach(req.RequestID, agg); err != nil {
		agg.Fail(failure.From(err))
		return nil, err
	}

	if err := conn.Send(newToolCall(req.RequestID, s.cfg.Tool, req.Prompt, cwd)); err != nil {
		fe := failure.New(failure.BackendUnavailable, "writing request to agent: %v", err)
		agg.Fail(fe)
		s.dropConnection(conn, err)
		return nil, fe
	}

	s.logger.Debug("request submitted", "request_id", req.RequestID, "channel", req.Channel)
	return agg, nil
}

// Health returns the current health state.
func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Info returns a snapshot of the session for listings.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		AgentID:             s.cfg.AgentID,
		Endpoint:            s.cfg.Endpoint,
		Health:              s.health,
		ConcurrencyLimit:    s.cfg.ConcurrencyLimit,
		ConsecutiveFailures: s.failures,
		Reconnects:          s.reconnects,
		LastError:           s.lastErr,
		ConnectedAt:         s.connectedAt,
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		info.InFlight = conn.InFlight()
	}
	info.QueueDepth = int(s.queued.Load())
	info.Stream = s.normalizer.Stats()
	info.Anomalies = s.anomalies.Load() + info.Stream.Anomalies()
	return info
}

// Close stops the session and fails every in-flight request.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	var err error
	if conn != nil {
		for _, agg := range conn.Drain() {
			agg.Fail(failure.New(failure.BackendUnavailable, "agent session closed"))
		}
		err = conn.Close()
	}
	s.setHealth(HealthDead, "session closed")
	s.wg.Wait()
	return err
}

func (s *Session) acquire(ctx, sessCtx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	default:
	}

	if s.cfg.Admission == AdmissionReject {
		return failure.New(failure.CapacityExceeded, "agent %s at concurrency limit %d", s.cfg.AgentID, s.cfg.ConcurrencyLimit)
	}
	if s.queued.Add(1) > int64(s.cfg.QueueSize) {
		s.queued.Add(-1)
		return failure.New(failure.CapacityExceeded, "agent %s queue full (%d)", s.cfg.AgentID, s.cfg.QueueSize)
	}
	defer s.queued.Add(-1)

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return failure.New(failure.TimedOut, "waiting for agent capacity: %v", ctx.Err())
	case <-sessCtx.Done():
		return failure.New(failure.BackendUnavailable, "agent session closed")
	}
}

func (s *Session) release() {
	select {
	case <-s.slots:
	default:
	}
}

func (s *Session) connect(ctx context.Context) error {
	c, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}

	if s.cfg.Handshake {
		if err := s.handshake(ctx, c); err != nil {
			_ = c.Close()
			return err
		}
	}

	conn := newConnection(s.cfg.AgentID, c, s.logger)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = c.Close()
		return s.ctx.Err()
	}
	s.conn = conn
	s.lastRead = time.Now()
	s.connectedAt = s.lastRead
	s.failures = 0
	s.mu.Unlock()

	s.setHealth(HealthUnknown, "")
	s.logger.Info("agent connected", "endpoint", s.cfg.Endpoint)

	s.wg.Add(1)
	go s.readLoop(conn)
	return nil
}

// handshake performs the JSON-RPC initialize exchange, skipping any
// banner output printed before the response.
func (s *Session) handshake(ctx context.Context, c Conn) error {
	id := initPrefix + uuid.NewString()
	if err := c.WriteJSON(newInitialize(id)); err != nil {
		return fmt.Errorf("sending initialize: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		for {
			line, err := c.ReadLine()
			if err != nil {
				done <- fmt.Errorf("reading initialize response: %w", err)
				return
			}
			if ok, rerr := matchResponse(line, id); ok {
				done <- rerr
				return
			}
			s.normalizer.Normalize(line)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		_ = c.Close()
		return fmt.Errorf("initialize handshake: %w", ctx.Err())
	}

	if err := c.WriteJSON(newInitialized()); err != nil {
		return fmt.Errorf("sending initialized: %w", err)
	}
	return nil
}

func (s *Session) readLoop(conn *Connection) {
	defer s.wg.Done()

	for {
		line, err := conn.ReadLine()
		if err != nil {
			s.dropConnection(conn, err)
			return
		}

		s.mu.Lock()
		s.lastRead = time.Now()
		s.mu.Unlock()

		n, ok := s.normalizer.Normalize(line)
		if !ok {
			continue
		}
		if len(n.SessionID) > len(pingPrefix) && n.SessionID[:len(pingPrefix)] == pingPrefix {
			continue
		}
		if !conn.Dispatch(n) {
			s.anomalies.Add(1)
		}
	}
}

// dropConnection handles a broken connection once: in-flight requests fail
// with backend_unavailable and a reconnect loop starts.
func (s *Session) dropConnection(conn *Connection, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closing := s.ctx.Err() != nil
	s.mu.Unlock()

	reason := "connection lost"
	if cause != nil {
		reason = cause.Error()
	}
	s.logger.Warn("agent connection lost", "error", reason)
	s.setHealth(HealthDead, reason)

	for _, agg := range conn.Drain() {
		agg.Fail(failure.New(failure.BackendUnavailable, "connection to agent lost: %s", reason))
	}
	_ = conn.Close()

	if !closing {
		s.wg.Add(1)
		go s.reconnectLoop()
	}
}

func (s *Session) reconnectLoop() {
	defer s.wg.Done()

	delay := s.cfg.ReconnectMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		s.reconnects++
		s.mu.Unlock()

		err := s.connect(s.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}

		s.logger.Debug("agent reconnect failed", "error", err, "retry_in", delay)
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()

		delay = min(delay*2, s.cfg.ReconnectMax)
	}
}

// heartbeatLoop counts a failure each interval in which a connection with
// work outstanding produced no output within the heartbeat timeout.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		conn := s.conn
		silent := time.Since(s.lastRead)
		s.mu.Unlock()
		if conn == nil {
			continue
		}

		if s.cfg.Ping {
			if err := conn.Send(newPing(pingPrefix + uuid.NewString())); err != nil {
				s.dropConnection(conn, err)
				continue
			}
		}

		watching := s.cfg.Ping || conn.InFlight() > 0
		if watching && silent > s.cfg.HeartbeatTimeout {
			s.recordFailure(fmt.Sprintf("no agent output for %s", silent.Round(time.Second)))
		}
	}
}

// recordOutcome feeds a finalized request into the health state machine.
// Caller cancellations and lost connections do not count against the agent.
func (s *Session) recordOutcome(snap stage.Snapshot) {
	switch snap.Status {
	case stage.StatusCompleted:
		s.recordSuccess()
	case stage.StatusFailed:
		if snap.Err == nil {
			s.recordFailure("request failed")
			return
		}
		if snap.Err.Kind == failure.BackendUnavailable {
			return
		}
		s.recordFailure(snap.Err.Error())
	case stage.StatusTimedOut:
		if snap.Canceled {
			return
		}
		s.recordFailure("request timed out")
	}
}

func (s *Session) recordSuccess() {
	s.mu.Lock()
	s.failures = 0
	h := s.health
	s.mu.Unlock()

	if h == HealthUnknown || h == HealthDegraded {
		s.setHealth(HealthHealthy, "")
	}
}

func (s *Session) recordFailure(reason string) {
	s.mu.Lock()
	s.failures++
	s.lastErr = reason
	degrade := s.failures >= s.cfg.FailureThreshold && (s.health == HealthHealthy || s.health == HealthUnknown)
	s.mu.Unlock()

	if degrade {
		s.setHealth(HealthDegraded, reason)
	}
}

func (s *Session) setHealth(h Health, reason string) {
	s.mu.Lock()
	prev := s.health
	s.health = h
	if reason != "" {
		s.lastErr = reason
	}
	s.mu.Unlock()

	if prev == h {
		return
	}
	s.logger.Info("agent health changed", "from", prev, "to", h)
	if s.onHealth != nil {
		s.onHealth(s.cfg.AgentID, h)
	}
}
