// ABOUTME: Bridge front end: routes inbound requests, submits them and renders results
// ABOUTME: Applies per-channel deadlines, conversation context and the request ledger

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/conversation"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/voice"
)

const persistTimeout = 5 * time.Second

// InboundRequest is a channel-agnostic request.
type InboundRequest struct {
	RequestID  string          `json:"request_id,omitempty"`
	Text       string          `json:"text"`
	Channel    Channel         `json:"channel"`
	Metadata   ChannelMetadata `json:"channel_metadata"`
	DeadlineMS int64           `json:"deadline_ms,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
}

// Backend submits prompts to agents. *agent.Manager implements it.
type Backend interface {
	Submit(ctx context.Context, agentID string, req agent.Request) (*stage.Aggregator, error)
}

// Deadlines are the default and maximum request deadlines per channel.
type Deadlines struct {
	Voice time.Duration
	Email time.Duration
	API   time.Duration
	Max   time.Duration
}

// requested converts a caller's deadline_ms, clamped to Max before the
// multiplication so huge values cannot overflow.
func (d Deadlines) requested(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	limit := int64(math.MaxInt64 / int64(time.Millisecond))
	if d.Max > 0 {
		limit = d.Max.Milliseconds()
	}
	if ms > limit {
		ms = limit
	}
	return time.Duration(ms) * time.Millisecond
}

func (d Deadlines) forChannel(c Channel, requested time.Duration) time.Duration {
	if requested > 0 {
		if d.Max > 0 && requested > d.Max {
			return d.Max
		}
		return requested
	}
	var def time.Duration
	switch c {
	case ChannelVoice:
		def = d.Voice
	case ChannelEmail:
		def = d.Email
	default:
		def = d.API
	}
	if def <= 0 {
		def = d.Max
	}
	return def
}

// BridgeOptions wires the optional collaborators of a Bridge.
type BridgeOptions struct {
	Conversation *conversation.Service
	Ledger       store.Store
	Voices       *voice.Registry
	Deadlines    Deadlines
	Logger       *slog.Logger
}

// Bridge is the single entry point shared by every channel handler.
type Bridge struct {
	router    *Router
	backend   Backend
	conv      *conversation.Service
	ledger    store.Store
	voices    *voice.Registry
	deadlines Deadlines
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*Call
	wg     sync.WaitGroup
}

// NewBridge creates a Bridge.
func NewBridge(router *Router, backend Backend, opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		router:    router,
		backend:   backend,
		conv:      opts.Conversation,
		ledger:    opts.Ledger,
		voices:    opts.Voices,
		deadlines: opts.Deadlines,
		logger:    logger,
		active:    make(map[string]*Call),
	}
}

// Call is one submitted request.
type Call struct {
	RequestID   string
	AgentID     string
	RouteReason string
	SessionID   string
	Channel     Channel
	Deadline    time.Time

	// Handoff is set when the request moved its session to another agent.
	Handoff *conversation.HandoffResult

	text     string
	agg      *stage.Aggregator
	finished chan struct{}
}

// Aggregator returns the stage buffer of the call.
func (c *Call) Aggregator() *stage.Aggregator { return c.agg }

// Finished is closed once the result has been persisted.
func (c *Call) Finished() <-chan struct{} { return c.finished }

// Wait blocks until the request is final. A caller that gives up cancels
// the request; the partial buffer is returned either way.
func (c *Call) Wait(ctx context.Context) stage.Snapshot {
	snap, err := c.agg.Wait(ctx)
	if err != nil {
		c.agg.Cancel(failure.New(failure.TimedOut, "caller went away"))
		return c.agg.Snapshot()
	}
	return snap
}

// Stream forwards stage chunks until the terminal chunk. If ctx ends first
// the request is canceled.
func (c *Call) Stream(ctx context.Context) <-chan stage.Chunk {
	out := make(chan stage.Chunk)
	go func() {
		defer close(out)
		for chunk := range c.agg.Stream(ctx) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			c.agg.Cancel(failure.New(failure.TimedOut, "caller went away"))
		}
	}()
	return out
}

// Response is the synchronous rendering of a finished request.
type Response struct {
	RequestID   string            `json:"request_id"`
	AgentID     string            `json:"agent_id"`
	SessionID   string            `json:"session_id,omitempty"`
	RouteReason string            `json:"route_reason,omitempty"`
	Status      stage.Status      `json:"status"`
	Message     string            `json:"message"`
	Reasoning   string            `json:"reasoning,omitempty"`
	ToolCalls   []stage.ToolEvent `json:"tool_calls"`
	Error       *failure.Error    `json:"error,omitempty"`
}

// Render builds the response for a snapshot of this call.
func (c *Call) Render(snap stage.Snapshot) Response {
	tools := snap.ToolEvents
	if tools == nil {
		tools = []stage.ToolEvent{}
	}
	return Response{
		RequestID:   c.RequestID,
		AgentID:     c.AgentID,
		SessionID:   c.SessionID,
		RouteReason: c.RouteReason,
		Status:      snap.Status,
		Message:     snap.MessageText(),
		Reasoning:   snap.ReasoningText(),
		ToolCalls:   tools,
		Error:       snap.Err,
	}
}

// Handle routes and submits one request. Errors carry a failure kind.
func (b *Bridge) Handle(ctx context.Context, in InboundRequest) (*Call, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, failure.New(failure.InvalidRequest, "text is required")
	}
	if in.Channel == "" {
		in.Channel = ChannelAPI
	}
	if !in.Channel.Valid() {
		return nil, failure.New(failure.InvalidRequest, "unknown channel %q", in.Channel)
	}
	if in.DeadlineMS < 0 {
		return nil, failure.New(failure.InvalidRequest, "deadline_ms must not be negative")
	}
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}

	meta := in.Metadata
	meta.Channel = in.Channel
	meta.Utterance = text
	agentID, reason, err := b.router.Resolve(meta)
	if err != nil {
		return nil, err
	}

	submittedAt := time.Now()
	deadline := submittedAt.Add(b.deadlines.forChannel(in.Channel, b.deadlines.requested(in.DeadlineMS)))
	call := &Call{
		RequestID:   in.RequestID,
		AgentID:     agentID,
		RouteReason: reason,
		SessionID:   in.SessionID,
		Channel:     in.Channel,
		Deadline:    deadline,
		text:        text,
		finished:    make(chan struct{}),
	}

	prompt := text
	if in.SessionID != "" && b.conv != nil {
		prompt, err = b.joinSession(ctx, call)
		if err != nil {
			return nil, err
		}
	}

	submitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	agg, err := b.backend.Submit(submitCtx, call.AgentID, agent.Request{
		RequestID: call.RequestID,
		Prompt:    prompt,
		Channel:   string(call.Channel),
		Deadline:  deadline,
	})
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || failure.KindOf(err) == failure.TimedOut) {
		// The deadline passed in the agent's queue: the caller gets an
		// empty timed_out result, not a failure.
		b.logger.Warn("request deadline exceeded while queued", "request_id", call.RequestID, "agent_id", call.AgentID)
		agg, err = expiredAggregator(call, submittedAt, b.logger), nil
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = failure.New(failure.TimedOut, "deadline passed while waiting for %s", call.AgentID)
		}
		b.logger.Warn("request not submitted",
			"request_id", call.RequestID,
			"agent_id", call.AgentID,
			"channel", call.Channel,
			"error", err,
		)
		b.saveRejected(call, submittedAt, err)
		return nil, err
	}
	call.agg = agg

	b.mu.Lock()
	b.active[call.RequestID] = call
	b.mu.Unlock()

	b.wg.Add(1)
	go b.supervise(call)

	b.logger.Info("request submitted",
		"request_id", call.RequestID,
		"agent_id", call.AgentID,
		"channel", call.Channel,
		"route_reason", call.RouteReason,
		"session_id", call.SessionID,
	)
	return call, nil
}

// expiredAggregator is a buffer already frozen as timed_out, for a request
// whose deadline passed before an agent slot freed up.
func expiredAggregator(call *Call, submittedAt time.Time, logger *slog.Logger) *stage.Aggregator {
	agg := stage.New(stage.RequestContext{
		RequestID:   call.RequestID,
		AgentID:     call.AgentID,
		Channel:     string(call.Channel),
		SubmittedAt: submittedAt,
		Deadline:    call.Deadline,
	}, stage.Options{Logger: logger})
	agg.Cancel(failure.New(failure.TimedOut, "deadline passed while waiting for %s", call.AgentID))
	return agg
}

// joinSession pins the call to its conversation and returns the prompt with
// history prepended. A request that routed to nothing in particular stays
// with the session's agent; one that routed elsewhere hands the session off.
func (b *Bridge) joinSession(ctx context.Context, call *Call) (string, error) {
	sess, err := b.conv.Get(ctx, call.SessionID)
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound):
		if _, err := b.conv.Begin(ctx, call.SessionID, string(call.Channel), call.AgentID); err != nil {
			return "", failure.New(failure.Internal, "opening session: %v", err)
		}
	case err != nil:
		return "", failure.New(failure.Internal, "loading session: %v", err)
	case call.RouteReason == ReasonFallback && b.router.Known(sess.AgentID):
		call.AgentID = sess.AgentID
		call.RouteReason = ReasonSession
	case sess.AgentID != call.AgentID:
		var message string
		if b.voices != nil {
			message = b.voices.Handoff(sess.AgentID, call.AgentID)
		}
		result, err := b.conv.Handoff(ctx, call.SessionID, call.AgentID, message, "")
		if err != nil {
			return "", failure.New(failure.Internal, "handing off session: %v", err)
		}
		call.Handoff = result
	}

	history, err := b.conv.History(ctx, call.SessionID)
	if err != nil {
		return "", failure.New(failure.Internal, "loading history: %v", err)
	}
	return conversation.Compose(history, call.text), nil
}

// supervise enforces the deadline and persists the outcome.
func (b *Bridge) supervise(call *Call) {
	defer b.wg.Done()

	timer := time.NewTimer(time.Until(call.Deadline))
	select {
	case <-call.agg.Done():
	case <-timer.C:
		if call.agg.Cancel(failure.New(failure.TimedOut, "deadline exceeded")) {
			b.logger.Warn("request deadline exceeded", "request_id", call.RequestID, "agent_id", call.AgentID)
		}
		<-call.agg.Done()
	}
	timer.Stop()

	snap := call.agg.Snapshot()
	b.persist(call, snap)

	b.mu.Lock()
	delete(b.active, call.RequestID)
	b.mu.Unlock()
	close(call.finished)

	b.logger.Info("request finished",
		"request_id", call.RequestID,
		"agent_id", call.AgentID,
		"status", snap.Status,
		"duration", snap.FinishedAt.Sub(snap.SubmittedAt),
	)
}

func (b *Bridge) persist(call *Call, snap stage.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if b.ledger != nil {
		rec := &store.RequestRecord{
			ID:          call.RequestID,
			AgentID:     call.AgentID,
			Channel:     string(call.Channel),
			SessionID:   call.SessionID,
			RouteReason: call.RouteReason,
			Prompt:      call.text,
			Status:      string(snap.Status),
			Message:     snap.MessageText(),
			Reasoning:   snap.ReasoningText(),
			ToolCalls:   toolCallsJSON(snap.ToolEvents),
			Anomalies:   snap.Anomalies,
			SubmittedAt: snap.SubmittedAt,
			FinishedAt:  snap.FinishedAt,
		}
		if snap.Err != nil {
			rec.ErrorKind = string(snap.Err.Kind)
			rec.ErrorDetail = snap.Err.Detail
		}
		if err := b.ledger.SaveRequest(ctx, rec); err != nil {
			b.logger.Error("failed to record request", "request_id", call.RequestID, "error", err)
		}
	}

	if call.SessionID != "" && b.conv != nil {
		turn := &store.Turn{
			SessionID: call.SessionID,
			RequestID: call.RequestID,
			AgentID:   call.AgentID,
			Prompt:    call.text,
			Response:  snap.MessageText(),
			Status:    string(snap.Status),
		}
		if err := b.conv.Record(ctx, turn); err != nil {
			b.logger.Error("failed to record turn", "request_id", call.RequestID, "session_id", call.SessionID, "error", err)
		}
	}
}

func (b *Bridge) saveRejected(call *Call, submittedAt time.Time, err error) {
	if b.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	fe := failure.From(err)
	rec := &store.RequestRecord{
		ID:          call.RequestID,
		AgentID:     call.AgentID,
		Channel:     string(call.Channel),
		SessionID:   call.SessionID,
		RouteReason: call.RouteReason,
		Prompt:      call.text,
		Status:      string(stage.StatusFailed),
		ToolCalls:   "[]",
		ErrorKind:   string(fe.Kind),
		ErrorDetail: fe.Detail,
		SubmittedAt: submittedAt,
		FinishedAt:  time.Now(),
	}
	if err := b.ledger.SaveRequest(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicateRequest) {
		b.logger.Error("failed to record rejected request", "request_id", call.RequestID, "error", err)
	}
}

func toolCallsJSON(tools []stage.ToolEvent) string {
	if len(tools) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Active returns the in-flight calls ordered by deadline.
func (b *Bridge) Active() []*Call {
	b.mu.Lock()
	calls := make([]*Call, 0, len(b.active))
	for _, c := range b.active {
		calls = append(calls, c)
	}
	b.mu.Unlock()

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].Deadline.Before(calls[j].Deadline)
	})
	return calls
}

// Lookup returns an in-flight call by request id.
func (b *Bridge) Lookup(requestID string) (*Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.active[requestID]
	return c, ok
}

// Wait blocks until every supervised call has been persisted or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
