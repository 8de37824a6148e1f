// ABOUTME: Tests for the turn broadcaster fan-out
// ABOUTME: Covers subscribe, publish, isolation, slow subscribers and cleanup

package conversation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
)

func makeTurn(id, sessionID string) *store.Turn {
	return &store.Turn{
		ID:        id,
		SessionID: sessionID,
		AgentID:   "office",
		Prompt:    "hello from " + id,
		Response:  "hi",
		Status:    "completed",
		CreatedAt: time.Now(),
	}
}

func TestBroadcaster_SubscribersReceiveTurn(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-1")

	b.Publish(makeTurn("turn-1", "sess-1"))

	for i, ch := range []<-chan *store.Turn{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "turn-1", got.ID, "subscriber %d got wrong turn", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-2")

	b.Publish(makeTurn("turn-1", "sess-1"))

	select {
	case got := <-ch1:
		assert.Equal(t, "turn-1", got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for sess-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for sess-2 should not receive turns for sess-1")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "sess-1")

	done := make(chan struct{})
	go func() {
		for i := range subscriberBufferSize + 10 {
			b.Publish(makeTurn(fmt.Sprintf("turn-%d", i), "sess-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "sess-1")
	require.Equal(t, 1, b.Subscribers("sess-1"))

	cancel()

	require.Eventually(t, func() bool {
		return b.Subscribers("sess-1") == 0
	}, time.Second, 10*time.Millisecond)

	_, open := <-ch
	assert.False(t, open, "channel should be closed after unsubscribe")
}

func TestBroadcaster_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, subID := b.Subscribe(t.Context(), "sess-1")
	b.Unsubscribe("sess-1", subID)
	b.Unsubscribe("sess-1", subID)
	b.Unsubscribe("unknown", "nope")

	assert.Equal(t, 0, b.Subscribers("sess-1"))
}

func TestBroadcaster_CloseClosesAllChannels(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "sess-1")
	ch2, _ := b.Subscribe(t.Context(), "sess-2")

	b.Close()

	for _, ch := range []<-chan *store.Turn{ch1, ch2} {
		_, open := <-ch
		assert.False(t, open)
	}
}
