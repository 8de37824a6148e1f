// ABOUTME: Shared fixtures for gateway tests: a scripted agent pool and gateway builder
// ABOUTME: The pool hands out real aggregators and feeds them canned notifications

package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/config"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/email"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/event"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
)

const testConfigYAML = `
database:
  path: ":memory:"
agents:
  - id: router
    name: Router
    command: fake-agent
  - id: finance
    name: Finance Desk
    command: fake-agent
  - id: research
    command: fake-agent
routing:
  fallback: router
  email_domain: example.com
  suffixes:
    finance: finance
    research: research
  wake_words:
    "hey finance": finance
    "research": research
  keywords:
    finance: [invoice, budget]
    research: [paper, study]
email:
  enabled: true
  client_state: state-123
timeouts:
  api_deadline: 2s
  voice_deadline: 2s
  email_deadline: 2s
  max_deadline: 5s
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfigYAML))
	require.NoError(t, err)
	return cfg
}

// responder scripts what an agent does with one request.
type responder func(agentID string, req agent.Request, agg *stage.Aggregator)

// reply answers with a single message fragment then completes.
func reply(text string) responder {
	return func(_ string, _ agent.Request, agg *stage.Aggregator) {
		_ = agg.Apply(event.Notification{Kind: event.KindMessageDelta, Text: text})
		_ = agg.Apply(event.Notification{Kind: event.KindTerminalComplete})
	}
}

// echo answers with "<agent>: <prompt>".
func echo() responder {
	return func(agentID string, req agent.Request, agg *stage.Aggregator) {
		_ = agg.Apply(event.Notification{Kind: event.KindMessageDelta, Text: agentID + ": " + req.Prompt})
		_ = agg.Apply(event.Notification{Kind: event.KindTerminalComplete})
	}
}

// stall emits a partial message and never finishes.
func stall(partial string) responder {
	return func(_ string, _ agent.Request, agg *stage.Aggregator) {
		if partial != "" {
			_ = agg.Apply(event.Notification{Kind: event.KindMessageDelta, Text: partial})
		}
	}
}

// fakePool is an AgentPool whose agents are scripted in-process.
type fakePool struct {
	mu       sync.Mutex
	ids      []string
	health   map[string]agent.Health
	errs     map[string]error
	logs     map[string][]string
	requests []agent.Request
	aggs     map[string]*stage.Aggregator
	slots    map[string]chan struct{}
	respond  responder
}

func newFakePool(ids ...string) *fakePool {
	p := &fakePool{
		ids:     ids,
		health:  make(map[string]agent.Health),
		errs:    make(map[string]error),
		logs:    make(map[string][]string),
		aggs:    make(map[string]*stage.Aggregator),
		slots:   make(map[string]chan struct{}),
		respond: echo(),
	}
	for _, id := range ids {
		p.health[id] = agent.HealthHealthy
	}
	return p
}

func (p *fakePool) setResponder(r responder) {
	p.mu.Lock()
	p.respond = r
	p.mu.Unlock()
}

func (p *fakePool) setError(agentID string, err error) {
	p.mu.Lock()
	p.errs[agentID] = err
	p.mu.Unlock()
}

// setLimit makes agentID queue submissions beyond n running requests,
// like a session with admission=queue.
func (p *fakePool) setLimit(agentID string, n int) {
	p.mu.Lock()
	p.slots[agentID] = make(chan struct{}, n)
	p.mu.Unlock()
}

func (p *fakePool) setHealth(agentID string, h agent.Health) {
	p.mu.Lock()
	p.health[agentID] = h
	p.mu.Unlock()
}

func (p *fakePool) Submit(ctx context.Context, agentID string, req agent.Request) (*stage.Aggregator, error) {
	p.mu.Lock()
	known := false
	for _, id := range p.ids {
		if id == agentID {
			known = true
		}
	}
	err := p.errs[agentID]
	slots := p.slots[agentID]
	p.mu.Unlock()

	if !known {
		return nil, failure.New(failure.UnknownAgent, "no agent named %q", agentID)
	}
	if err != nil {
		return nil, err
	}
	if slots != nil {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil, failure.New(failure.TimedOut, "waiting for agent capacity: %v", ctx.Err())
		}
	}

	agg := stage.New(stage.RequestContext{
		RequestID:   req.RequestID,
		AgentID:     agentID,
		Channel:     req.Channel,
		SubmittedAt: time.Now(),
		Deadline:    req.Deadline,
	}, stage.Options{Logger: testLogger()})
	if slots != nil {
		go func() {
			<-agg.Done()
			<-slots
		}()
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.aggs[req.RequestID] = agg
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		go respond(agentID, req, agg)
	}
	return agg, nil
}

func (p *fakePool) List() []agent.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]agent.SessionInfo, 0, len(p.ids))
	for _, id := range p.ids {
		infos = append(infos, agent.SessionInfo{
			AgentID:          id,
			Endpoint:         "exec:fake-agent",
			Health:           p.health[id],
			ConcurrencyLimit: 4,
		})
	}
	return infos
}

func (p *fakePool) Logs(agentID string, n int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.ids {
		if id == agentID {
			lines := p.logs[agentID]
			if n > 0 && len(lines) > n {
				lines = lines[len(lines)-n:]
			}
			return lines, nil
		}
	}
	return nil, failure.New(failure.UnknownAgent, "no agent named %q", agentID)
}

func (p *fakePool) lastRequest(t *testing.T) agent.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.requests, "no request reached the pool")
	return p.requests[len(p.requests)-1]
}

func (p *fakePool) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// recordingMailbox serves canned messages and captures replies.
type recordingMailbox struct {
	mu       sync.Mutex
	messages map[string]*email.Message
	fetchErr error
	replies  chan email.Reply
}

func newRecordingMailbox() *recordingMailbox {
	return &recordingMailbox{
		messages: make(map[string]*email.Message),
		replies:  make(chan email.Reply, 16),
	}
}

func (m *recordingMailbox) add(msg *email.Message) {
	m.mu.Lock()
	m.messages[msg.ID] = msg
	m.mu.Unlock()
}

func (m *recordingMailbox) Fetch(ctx context.Context, messageID string) (*email.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if msg, ok := m.messages[messageID]; ok {
		return msg, nil
	}
	return nil, email.ErrFetchUnsupported
}

func (m *recordingMailbox) Send(ctx context.Context, r email.Reply) error {
	m.replies <- r
	return nil
}

func (m *recordingMailbox) nextReply(t *testing.T) email.Reply {
	t.Helper()
	select {
	case r := <-m.replies:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no reply sent")
		return email.Reply{}
	}
}

func addressed(id, subject, body string, to ...string) *email.Message {
	msg := &email.Message{
		ID:      id,
		Subject: subject,
		Body:    email.Body{ContentType: "text", Content: body},
		From:    &email.Recipient{EmailAddress: email.Address{Address: "alice@example.com"}},
	}
	for _, addr := range to {
		msg.ToRecipients = append(msg.ToRecipients, email.Recipient{EmailAddress: email.Address{Address: addr}})
	}
	return msg
}

// testGateway bundles a gateway with its fakes.
type testGateway struct {
	*Gateway
	pool    *fakePool
	ledger  *store.MockStore
	mailbox *recordingMailbox
}

// newTestGateway assembles a gateway over a fake pool and a mock store.
func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	pool := newFakePool(cfg.AgentIDs()...)
	st := store.NewMockStore()
	reporter := newHealthReporter(testLogger())

	gw, err := assemble(cfg, st, pool, reporter, testLogger())
	require.NoError(t, err)
	mailbox := newRecordingMailbox()
	gw.mailbox = mailbox

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.bridge.Wait(ctx)
		gw.bgCancel()
		gw.background.Wait()
		gw.dedupe.Close()
		gw.conversation.Broadcaster().Close()
	})
	return &testGateway{Gateway: gw, pool: pool, ledger: st, mailbox: mailbox}
}

// waitFinished blocks until the call's outcome is persisted.
func waitFinished(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Finished():
	case <-time.After(5 * time.Second):
		t.Fatalf("request %s never finished", call.RequestID)
	}
}
