// ABOUTME: Per-request stage buffer fed by one writer and read by many
// ABOUTME: Accumulates reasoning, tool events and message text until finalized once

package stage

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/event"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

// Status is the terminal state of a request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Final reports whether s is a terminal state.
func (s Status) Final() bool {
	return s != StatusPending && s != ""
}

// ToolStatus tracks one tool invocation.
type ToolStatus string

const (
	ToolRunning  ToolStatus = "running"
	ToolOK       ToolStatus = "ok"
	ToolError    ToolStatus = "error"
	ToolTimedOut ToolStatus = "timed_out"
)

// ToolEvent is one tool invocation, opened by tool_begin and closed by tool_end.
type ToolEvent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    ToolStatus      `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// RequestContext describes the request an aggregator belongs to.
type RequestContext struct {
	RequestID   string
	AgentID     string
	Channel     string
	SubmittedAt time.Time
	Deadline    time.Time
}

// Snapshot is a point-in-time copy of the stage buffer.
type Snapshot struct {
	RequestID    string         `json:"request_id"`
	AgentID      string         `json:"agent_id"`
	Reasoning    []string       `json:"reasoning"`
	ToolEvents   []ToolEvent    `json:"tool_events"`
	Message      []string       `json:"message"`
	Status       Status         `json:"status"`
	Err          *failure.Error `json:"error,omitempty"`
	Canceled     bool           `json:"canceled,omitempty"`
	Anomalies    int            `json:"anomalies"`
	Unclassified int            `json:"unclassified"`
	Version      uint64         `json:"version"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	FinishedAt   time.Time      `json:"finished_at"`
}

// ReasoningText joins all reasoning fragments.
func (s Snapshot) ReasoningText() string {
	return strings.Join(s.Reasoning, "")
}

// MessageText joins all message fragments.
func (s Snapshot) MessageText() string {
	return strings.Join(s.Message, "")
}

// Options configure an Aggregator.
type Options struct {
	// IdleTimeout finalizes the request as timed_out when no notification
	// arrives for this long. Zero disables the idle timer.
	IdleTimeout time.Duration

	// OnFinalize runs once, outside the lock, after the buffer is frozen
	// and before Done is closed.
	OnFinalize func(Snapshot)

	Logger *slog.Logger
}

// Aggregator owns the stage buffer for one in-flight request.
type Aggregator struct {
	req  RequestContext
	opts Options

	mu           sync.Mutex
	reasoning    []string
	message      []string
	tools        []ToolEvent
	toolIndex    map[string]int
	status       Status
	err          *failure.Error
	canceled     bool
	anomalies    int
	unclassified int
	version      uint64
	lastSeq      uint64
	finishedAt   time.Time
	idle         *time.Timer
	lastActivity time.Time

	changed chan struct{}
	done    chan struct{}
	logger  *slog.Logger
}

// New creates an Aggregator and starts its idle timer.
func New(req RequestContext, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	a := &Aggregator{
		req:       req,
		opts:      opts,
		toolIndex: make(map[string]int),
		status:    StatusPending,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger.With("request_id", req.RequestID, "agent_id", req.AgentID),
	}

	a.mu.Lock()
	a.lastActivity = time.Now()
	if opts.IdleTimeout > 0 {
		a.idle = time.AfterFunc(opts.IdleTimeout, a.idleExpired)
	}
	a.mu.Unlock()

	return a
}

// Request returns the context this aggregator was created with.
func (a *Aggregator) Request() RequestContext {
	return a.req
}

// Apply folds one notification into the buffer. A non-nil error means the
// notification was a protocol violation and was not applied.
func (a *Aggregator) Apply(n event.Notification) error {
	a.mu.Lock()

	if a.status.Final() {
		a.anomalies++
		status := a.status
		a.mu.Unlock()
		a.logger.Warn("notification after finalization", "kind", n.Kind, "status", status)
		return failure.New(failure.ProtocolViolation, "%s after request finalized", n.Kind)
	}

	a.checkSeqLocked(n.Seq)
	a.resetIdleLocked()

	var violation *failure.Error
	var final bool

	switch n.Kind {
	case event.KindReasoningDelta:
		a.reasoning = append(a.reasoning, n.Text)
		a.bumpLocked()

	case event.KindMessageDelta:
		a.message = append(a.message, n.Text)
		a.bumpLocked()

	case event.KindToolBegin:
		if _, exists := a.toolIndex[n.ToolID]; exists {
			violation = failure.New(failure.ProtocolViolation, "duplicate tool_begin for %s", n.ToolID)
			break
		}
		a.toolIndex[n.ToolID] = len(a.tools)
		a.tools = append(a.tools, ToolEvent{
			ID:        n.ToolID,
			Name:      n.ToolName,
			Args:      n.Args,
			Status:    ToolRunning,
			StartedAt: time.Now(),
		})
		a.bumpLocked()

	case event.KindToolEnd:
		idx, exists := a.toolIndex[n.ToolID]
		if !exists {
			violation = failure.New(failure.ProtocolViolation, "tool_end without tool_begin for %s", n.ToolID)
			break
		}
		if a.tools[idx].Status != ToolRunning {
			violation = failure.New(failure.ProtocolViolation, "duplicate tool_end for %s", n.ToolID)
			break
		}
		tool := &a.tools[idx]
		tool.Status = ToolOK
		if n.Status == event.ToolStatusError {
			tool.Status = ToolError
		}
		tool.Result = n.Result
		tool.Error = n.Error
		tool.EndedAt = time.Now()
		a.bumpLocked()

	case event.KindTerminalComplete:
		if len(a.message) == 0 && n.Text != "" {
			a.message = append(a.message, n.Text)
		}
		a.finalizeLocked(StatusCompleted, nil)
		final = true

	case event.KindTerminalError:
		a.finalizeLocked(StatusFailed, failure.New(failure.AgentError, "%s", n.Error))
		final = true

	case event.KindUnclassified:
		a.unclassified++

	default:
		violation = failure.New(failure.ProtocolViolation, "unknown kind %q", n.Kind)
	}

	if violation != nil {
		a.anomalies++
	}

	var snap Snapshot
	if final {
		snap = a.snapshotLocked()
	}
	a.mu.Unlock()

	if violation != nil {
		a.logger.Warn("protocol violation", "error", violation.Detail)
		return violation
	}
	if final {
		a.runFinalize(snap)
	}
	return nil
}

// Fail finalizes the request as failed. Returns false if already finalized.
func (a *Aggregator) Fail(err *failure.Error) bool {
	return a.finish(StatusFailed, err, false)
}

// Cancel abandons the request: the buffer is frozen as timed_out with
// whatever content has accumulated and later notifications count as anomalies.
// Returns false if the request was already finalized.
func (a *Aggregator) Cancel(err *failure.Error) bool {
	if err == nil {
		err = failure.New(failure.TimedOut, "request canceled")
	}
	return a.finish(StatusTimedOut, err, true)
}

// NoteAnomaly records an upstream anomaly attributed to this request.
func (a *Aggregator) NoteAnomaly() {
	a.mu.Lock()
	a.anomalies++
	a.mu.Unlock()
}

// Snapshot returns a copy of the buffer. It never blocks on the writer
// beyond the time needed to copy.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// Done is closed when the buffer is finalized.
func (a *Aggregator) Done() <-chan struct{} {
	return a.done
}

// Changed returns a channel closed on the next mutation.
func (a *Aggregator) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

// Wait blocks until the request is finalized or ctx is done. The returned
// snapshot is the buffer at that moment; err is ctx.Err() on early return.
func (a *Aggregator) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-a.done:
		return a.Snapshot(), nil
	case <-ctx.Done():
		return a.Snapshot(), ctx.Err()
	}
}

// idleExpired may run after a Reset already rescheduled the timer, so it
// re-checks the last activity under the lock.
func (a *Aggregator) idleExpired() {
	a.mu.Lock()
	if a.status.Final() || time.Since(a.lastActivity) < a.opts.IdleTimeout {
		a.mu.Unlock()
		return
	}
	a.finalizeLocked(StatusTimedOut, failure.New(failure.TimedOut, "no agent activity for %s", a.opts.IdleTimeout))
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.logger.Warn("request idle timeout", "idle_timeout", a.opts.IdleTimeout)
	a.runFinalize(snap)
}

func (a *Aggregator) finish(status Status, err *failure.Error, canceled bool) bool {
	a.mu.Lock()
	if a.status.Final() {
		a.mu.Unlock()
		return false
	}
	a.canceled = canceled
	a.finalizeLocked(status, err)
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.runFinalize(snap)
	return true
}

// runFinalize invokes the hook, then releases waiters, so a caller woken by
// Done observes the hook's side effects.
func (a *Aggregator) runFinalize(snap Snapshot) {
	a.logger.Debug("request finalized", "status", snap.Status, "anomalies", snap.Anomalies)
	if a.opts.OnFinalize != nil {
		a.opts.OnFinalize(snap)
	}
	close(a.done)
}

// finalizeLocked freezes the buffer. Open tool events are closed so a frozen
// snapshot never reports a running tool.
func (a *Aggregator) finalizeLocked(status Status, err *failure.Error) {
	a.status = status
	a.err = err
	a.finishedAt = time.Now()
	if a.idle != nil {
		a.idle.Stop()
	}

	for i := range a.tools {
		if a.tools[i].Status != ToolRunning {
			continue
		}
		if status == StatusTimedOut {
			a.tools[i].Status = ToolTimedOut
		} else {
			a.tools[i].Status = ToolError
			a.tools[i].Error = "request ended before tool completed"
		}
		a.tools[i].EndedAt = a.finishedAt
	}

	a.bumpLocked()
}

func (a *Aggregator) bumpLocked() {
	a.version++
	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *Aggregator) resetIdleLocked() {
	a.lastActivity = time.Now()
	if a.idle != nil {
		a.idle.Reset(a.opts.IdleTimeout)
	}
}

// checkSeqLocked counts gaps and reordering. Notifications are never reordered.
func (a *Aggregator) checkSeqLocked(seq uint64) {
	if seq == 0 {
		return
	}
	switch {
	case seq <= a.lastSeq:
		a.anomalies++
		a.logger.Warn("out of order notification", "seq", seq, "last_seq", a.lastSeq)
		return
	case a.lastSeq != 0 && seq > a.lastSeq+1:
		a.anomalies++
		a.logger.Warn("notification sequence gap", "seq", seq, "last_seq", a.lastSeq)
	}
	a.lastSeq = seq
}

func (a *Aggregator) snapshotLocked() Snapshot {
	snap := Snapshot{
		RequestID:    a.req.RequestID,
		AgentID:      a.req.AgentID,
		Reasoning:    append([]string{}, a.reasoning...),
		ToolEvents:   append([]ToolEvent{}, a.tools...),
		Message:      append([]string{}, a.message...),
		Status:       a.status,
		Canceled:     a.canceled,
		Anomalies:    a.anomalies,
		Unclassified: a.unclassified,
		Version:      a.version,
		SubmittedAt:  a.req.SubmittedAt,
		FinishedAt:   a.finishedAt,
	}
	if a.err != nil {
		errCopy := *a.err
		snap.Err = &errCopy
	}
	return snap
}
