// ABOUTME: Tests for the bridge: validation, deadlines, ledger records and session pinning
// ABOUTME: Uses the scripted pool so every outcome is deterministic

package gateway

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/event"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
)

func TestBridgeHandle_Completes(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()

	call, err := tg.bridge.Handle(ctx, InboundRequest{Text: "  hello there  "})
	require.NoError(t, err)
	assert.NotEmpty(t, call.RequestID)
	assert.Equal(t, "router", call.AgentID)
	assert.Equal(t, ReasonFallback, call.RouteReason)
	assert.Equal(t, ChannelAPI, call.Channel)

	snap := call.Wait(ctx)
	assert.Equal(t, stage.StatusCompleted, snap.Status)
	assert.Equal(t, "router: hello there", snap.MessageText())

	resp := call.Render(snap)
	assert.Equal(t, call.RequestID, resp.RequestID)
	assert.NotNil(t, resp.ToolCalls)
	assert.Nil(t, resp.Error)

	waitFinished(t, call)
	rec, err := tg.ledger.GetRequest(ctx, call.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "router: hello there", rec.Message)
	assert.Equal(t, "hello there", rec.Prompt)
	assert.Equal(t, "api", rec.Channel)
	assert.Equal(t, ReasonFallback, rec.RouteReason)
	assert.Equal(t, "[]", rec.ToolCalls)

	_, ok := tg.bridge.Lookup(call.RequestID)
	assert.False(t, ok)
}

func TestBridgeHandle_KeepsCallerRequestID(t *testing.T) {
	tg := newTestGateway(t)

	call, err := tg.bridge.Handle(context.Background(), InboundRequest{RequestID: "req-42", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "req-42", call.RequestID)
	assert.Equal(t, "req-42", tg.pool.lastRequest(t).RequestID)
}

func TestBridgeHandle_Validation(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name string
		in   InboundRequest
		kind failure.Kind
	}{
		{"empty text", InboundRequest{Text: "   "}, failure.InvalidRequest},
		{"bad channel", InboundRequest{Text: "hi", Channel: "fax"}, failure.InvalidRequest},
		{"negative deadline", InboundRequest{Text: "hi", DeadlineMS: -1}, failure.InvalidRequest},
		{"unknown agent", InboundRequest{Text: "hi", Metadata: ChannelMetadata{AgentID: "ghost"}}, failure.UnknownAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tg.bridge.Handle(context.Background(), tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))
		})
	}
	assert.Zero(t, tg.pool.requestCount())
}

func TestBridgeHandle_RoutesBySuffix(t *testing.T) {
	tg := newTestGateway(t)

	call, err := tg.bridge.Handle(context.Background(), InboundRequest{
		Text:     "quarterly numbers",
		Channel:  ChannelEmail,
		Metadata: ChannelMetadata{Address: "alice+finance@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "finance", call.AgentID)
	assert.Equal(t, ReasonSuffix, call.RouteReason)

	req := tg.pool.lastRequest(t)
	assert.Equal(t, "email", req.Channel)
	assert.Equal(t, "quarterly numbers", req.Prompt)
}

func TestBridgeHandle_DeadlineKeepsPartial(t *testing.T) {
	tg := newTestGateway(t)
	tg.pool.setResponder(stall("half an ans"))

	call, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "slow question", DeadlineMS: 100})
	require.NoError(t, err)

	snap := call.Wait(context.Background())
	assert.Equal(t, stage.StatusTimedOut, snap.Status)
	assert.Equal(t, "half an ans", snap.MessageText())
	require.NotNil(t, snap.Err)
	assert.Equal(t, failure.TimedOut, snap.Err.Kind)

	waitFinished(t, call)
	rec, err := tg.ledger.GetRequest(context.Background(), call.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "timed_out", rec.Status)
	assert.Equal(t, "half an ans", rec.Message)
	assert.Equal(t, string(failure.TimedOut), rec.ErrorKind)
}

func TestBridgeHandle_DeadlineClampedToMax(t *testing.T) {
	tg := newTestGateway(t)

	before := time.Now()
	call, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "hi", DeadlineMS: 60_000})
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(5*time.Second), call.Deadline, time.Second)
	call.Wait(context.Background())
}

func TestDeadlines_RequestedClampsBeforeConversion(t *testing.T) {
	d := Deadlines{Max: time.Hour}
	assert.Equal(t, time.Duration(0), d.requested(0))
	assert.Equal(t, time.Duration(0), d.requested(-5))
	assert.Equal(t, 250*time.Millisecond, d.requested(250))
	assert.Equal(t, time.Hour, d.requested(math.MaxInt64))
	assert.Equal(t, time.Hour, d.requested(9_300_000_000_000))

	unbounded := Deadlines{}
	assert.Greater(t, unbounded.requested(math.MaxInt64), time.Duration(0))
}

func TestBridgeHandle_HugeDeadlineClamped(t *testing.T) {
	tg := newTestGateway(t)

	before := time.Now()
	call, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "hi", DeadlineMS: math.MaxInt64})
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(5*time.Second), call.Deadline, time.Second)
	call.Wait(context.Background())
}

func TestBridgeHandle_ChannelDefaultDeadlines(t *testing.T) {
	d := Deadlines{Voice: time.Second, Email: time.Minute, API: 2 * time.Second, Max: time.Hour}

	assert.Equal(t, time.Second, d.forChannel(ChannelVoice, 0))
	assert.Equal(t, time.Minute, d.forChannel(ChannelEmail, 0))
	assert.Equal(t, 2*time.Second, d.forChannel(ChannelAPI, 0))
	assert.Equal(t, 10*time.Second, d.forChannel(ChannelVoice, 10*time.Second))
	assert.Equal(t, time.Hour, d.forChannel(ChannelAPI, 2*time.Hour))
}

func TestBridgeHandle_CallerGivesUp(t *testing.T) {
	tg := newTestGateway(t)
	tg.pool.setResponder(stall("partial"))

	call, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	snap := call.Wait(ctx)
	assert.Equal(t, stage.StatusTimedOut, snap.Status)
	assert.Equal(t, "partial", snap.MessageText())
	assert.True(t, snap.Canceled)

	waitFinished(t, call)
}

func TestBridgeHandle_SubmitRejected(t *testing.T) {
	tg := newTestGateway(t)
	tg.pool.setError("router", failure.New(failure.CapacityExceeded, "router is full"))

	_, err := tg.bridge.Handle(context.Background(), InboundRequest{RequestID: "busy-1", Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, failure.CapacityExceeded, failure.KindOf(err))

	rec, err := tg.ledger.GetRequest(context.Background(), "busy-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, string(failure.CapacityExceeded), rec.ErrorKind)
	assert.Empty(t, tg.bridge.Active())
}

func TestBridgeHandle_AgentError(t *testing.T) {
	tg := newTestGateway(t)
	tg.pool.setResponder(func(_ string, _ agent.Request, agg *stage.Aggregator) {
		_ = agg.Apply(event.Notification{Kind: event.KindTerminalError, Error: "model crashed"})
	})

	call, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "hi"})
	require.NoError(t, err)

	snap := call.Wait(context.Background())
	assert.Equal(t, stage.StatusFailed, snap.Status)
	require.NotNil(t, snap.Err)
	assert.Equal(t, failure.AgentError, snap.Err.Kind)
	assert.Contains(t, snap.Err.Detail, "model crashed")
}

func TestBridgeHandle_ActiveOrderedByDeadline(t *testing.T) {
	tg := newTestGateway(t)
	tg.pool.setResponder(stall(""))

	late, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "late", DeadlineMS: 400})
	require.NoError(t, err)
	early, err := tg.bridge.Handle(context.Background(), InboundRequest{Text: "early", DeadlineMS: 200})
	require.NoError(t, err)

	active := tg.bridge.Active()
	require.Len(t, active, 2)
	assert.Equal(t, early.RequestID, active[0].RequestID)
	assert.Equal(t, late.RequestID, active[1].RequestID)

	got, ok := tg.bridge.Lookup(late.RequestID)
	require.True(t, ok)
	assert.Same(t, late, got)

	waitFinished(t, early)
	waitFinished(t, late)
	assert.Empty(t, tg.bridge.Active())
}

func TestBridgeHandle_SessionPinningAndHandoff(t *testing.T) {
	tg := newTestGateway(t)
	ctx := context.Background()

	first, err := tg.bridge.Handle(ctx, InboundRequest{Text: "first question", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "router", first.AgentID)
	assert.Equal(t, "first question", tg.pool.lastRequest(t).Prompt)
	first.Wait(ctx)
	waitFinished(t, first)

	// Explicit re-route moves the conversation.
	second, err := tg.bridge.Handle(ctx, InboundRequest{
		Text:      "over to finance",
		SessionID: "s1",
		Metadata:  ChannelMetadata{AgentID: "finance"},
	})
	require.NoError(t, err)
	assert.Equal(t, "finance", second.AgentID)
	require.NotNil(t, second.Handoff)
	assert.Equal(t, "router", second.Handoff.PreviousAgent)

	prompt := tg.pool.lastRequest(t).Prompt
	assert.Contains(t, prompt, "first question")
	assert.Contains(t, prompt, "Current request: over to finance")
	second.Wait(ctx)
	waitFinished(t, second)

	// Nothing routes the third turn, so it stays with finance.
	third, err := tg.bridge.Handle(ctx, InboundRequest{Text: "and next month", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "finance", third.AgentID)
	assert.Equal(t, ReasonSession, third.RouteReason)
	assert.Nil(t, third.Handoff)
	third.Wait(ctx)
	waitFinished(t, third)

	sess, err := tg.conversation.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "finance", sess.AgentID)

	turns, err := tg.conversation.Recent(ctx, "s1", 10)
	require.NoError(t, err)
	var answered int
	for _, turn := range turns {
		if turn.RequestID != "" {
			answered++
		}
	}
	assert.Equal(t, 3, answered)
}

func TestBridge_WaitDrains(t *testing.T) {
	cfg := testConfig(t)
	pool := newFakePool(cfg.AgentIDs()...)
	pool.setResponder(reply("done"))

	router, err := NewRouter(cfg.Routing, cfg.AgentIDs(), testLogger())
	require.NoError(t, err)
	b := NewBridge(router, pool, BridgeOptions{Deadlines: Deadlines{API: time.Second}})

	for i := 0; i < 3; i++ {
		_, err := b.Handle(context.Background(), InboundRequest{Text: "hi"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.Empty(t, b.Active())
}
