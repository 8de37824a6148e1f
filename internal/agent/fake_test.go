// ABOUTME: In-memory agent connection used by session and manager tests
// ABOUTME: Lines pushed by the test are read by the session; writes are captured

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	lines  chan []byte
	writes chan []byte
	done   chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		lines:  make(chan []byte, 64),
		writes: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

func (p *pipeConn) ReadLine() ([]byte, error) {
	select {
	case <-p.done:
		return nil, io.EOF
	default:
	}
	select {
	case l := <-p.lines:
		return l, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeConn) WriteJSON(v any) error {
	select {
	case <-p.done:
		return ErrConnClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writes <- data
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeConn) emit(format string, args ...any) {
	p.lines <- []byte(fmt.Sprintf(format, args...))
}

// nextWrite returns the next message the session wrote to the agent.
func (p *pipeConn) nextWrite(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-p.writes:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session write")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
	dials int
}

func (d *fakeDialer) add(c *pipeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		return nil, errors.New("no agent listening")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession starts a session backed by the given connections.
func startSession(t *testing.T, cfg SessionConfig, conns ...*pipeConn) (*Session, *fakeDialer) {
	t.Helper()
	if cfg.AgentID == "" {
		cfg.AgentID = "office"
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 10 * time.Millisecond
		cfg.ReconnectMax = 20 * time.Millisecond
	}

	d := &fakeDialer{}
	for _, c := range conns {
		d.add(c)
	}
	s := NewSession(cfg, d, SessionOptions{Logger: quietLogger()})
	s.Start(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	return s, d
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
