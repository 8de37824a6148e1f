package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

func newTestManager(t *testing.T, ids ...string) (*Manager, map[string]*pipeConn) {
	t.Helper()
	mgr := NewManager(quietLogger())
	conns := make(map[string]*pipeConn)
	for _, id := range ids {
		pc := newPipeConn()
		d := &fakeDialer{}
		d.add(pc)
		conns[id] = pc
		require.NoError(t, mgr.Register(NewSession(SessionConfig{AgentID: id, Endpoint: "exec:" + id}, d, SessionOptions{Logger: quietLogger()})))
	}
	mgr.Start(context.Background())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, conns
}

func TestManager(t *testing.T) {
	t.Run("register rejects duplicates", func(t *testing.T) {
		mgr := NewManager(quietLogger())
		require.NoError(t, mgr.Register(NewSession(SessionConfig{AgentID: "office"}, &fakeDialer{}, SessionOptions{})))
		err := mgr.Register(NewSession(SessionConfig{AgentID: "office"}, &fakeDialer{}, SessionOptions{}))
		assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)
	})

	t.Run("submit to unknown agent", func(t *testing.T) {
		mgr, _ := newTestManager(t, "office")
		_, err := mgr.Submit(context.Background(), "payroll", Request{Prompt: "hi"})
		assert.ErrorIs(t, err, failure.ErrUnknownAgent)
	})

	t.Run("submit routes to the named agent", func(t *testing.T) {
		mgr, conns := newTestManager(t, "office", "analyst")
		agg, err := mgr.Submit(context.Background(), "analyst", Request{RequestID: "r1", Prompt: "q3 revenue"})
		require.NoError(t, err)
		assert.Equal(t, "analyst", agg.Request().AgentID)

		msg := conns["analyst"].nextWrite(t)
		assert.Equal(t, "r1", msg["id"])
		assert.Empty(t, conns["office"].writes)
	})

	t.Run("generates request ids", func(t *testing.T) {
		mgr, _ := newTestManager(t, "office")
		agg, err := mgr.Submit(context.Background(), "office", Request{Prompt: "hi"})
		require.NoError(t, err)
		assert.NotEmpty(t, agg.Request().RequestID)
	})

	t.Run("list is sorted and reports health", func(t *testing.T) {
		mgr, _ := newTestManager(t, "office", "analyst", "router")
		infos := mgr.List()
		require.Len(t, infos, 3)
		assert.Equal(t, []string{"analyst", "office", "router"}, []string{infos[0].AgentID, infos[1].AgentID, infos[2].AgentID})
		assert.Equal(t, []string{"analyst", "office", "router"}, mgr.IDs())
		for _, info := range infos {
			assert.Equal(t, HealthUnknown, info.Health)
			assert.Equal(t, DefaultConcurrencyLimit, info.ConcurrencyLimit)
		}

		h, err := mgr.Status("office")
		require.NoError(t, err)
		assert.Equal(t, HealthUnknown, h)

		_, err = mgr.Status("payroll")
		assert.ErrorIs(t, err, failure.ErrUnknownAgent)
		assert.True(t, mgr.Has("router"))
		assert.False(t, mgr.Has("payroll"))
	})

	t.Run("logs come from the tail", func(t *testing.T) {
		mgr, _ := newTestManager(t, "office")
		s, ok := mgr.Get("office")
		require.True(t, ok)
		s.Tail().Append("warming up")
		s.Tail().Append("ready")

		lines, err := mgr.Logs("office", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"ready"}, lines)

		_, err = mgr.Logs("payroll", 1)
		assert.ErrorIs(t, err, failure.ErrUnknownAgent)
	})
}
