// ABOUTME: HTTP API handlers for requests, agents, sessions and the request ledger
// ABOUTME: Renders synchronous JSON or SSE streams and maps failure kinds to status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/agent"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/conversation"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/store"
)

const (
	maxBodyBytes       = 1 << 20
	defaultLogTail     = 100
	defaultListLimit   = 50
	defaultTurnHistory = 20
)

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error *failure.Error `json:"error"`
}

// httpStatus maps a failure kind onto an HTTP status code.
func httpStatus(kind failure.Kind) int {
	switch kind {
	case failure.InvalidRequest:
		return http.StatusBadRequest
	case failure.UnknownAgent:
		return http.StatusNotFound
	case failure.CapacityExceeded:
		return http.StatusTooManyRequests
	case failure.BackendUnavailable:
		return http.StatusServiceUnavailable
	case failure.TimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFailure renders err with its taxonomy kind.
func (g *Gateway) writeFailure(w http.ResponseWriter, err error) {
	fe := failure.From(err)
	status := httpStatus(fe.Kind)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: fe})
}

func (g *Gateway) badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: failure.New(failure.InvalidRequest, format, args...)})
}

func notFound(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: &failure.Error{Kind: "not_found", Detail: fmt.Sprintf(format, args...)}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return failure.New(failure.InvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, failure.New(failure.InvalidRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}

// wantsStream reports whether the caller asked for server-sent events.
func wantsStream(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("stream")) {
	case "1", "true", "yes":
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleSubmitRequest handles POST /api/requests.
func (g *Gateway) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	var in InboundRequest
	if err := decodeBody(w, r, &in); err != nil {
		g.writeFailure(w, err)
		return
	}

	call, err := g.bridge.Handle(r.Context(), in)
	if err != nil {
		g.writeFailure(w, err)
		return
	}

	if wantsStream(r) {
		g.streamCall(w, r, call, startedEvent(call))
		return
	}

	snap := call.Wait(r.Context())
	writeJSON(w, http.StatusOK, call.Render(snap))
}

func startedEvent(call *Call) map[string]string {
	return map[string]string{
		"request_id":   call.RequestID,
		"agent_id":     call.AgentID,
		"route_reason": call.RouteReason,
		"session_id":   call.SessionID,
	}
}

// streamCall writes the call's chunks as server-sent events. The first
// event is "started" with the given payload; the last is "terminal".
func (g *Gateway) streamCall(w http.ResponseWriter, r *http.Request, call *Call, started any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		call.Wait(r.Context())
		g.writeFailure(w, failure.New(failure.Internal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "started", started)
	flusher.Flush()

	for chunk := range call.Stream(r.Context()) {
		g.writeSSEEvent(w, string(chunk.Stage), chunk)
		flusher.Flush()
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// requestView is the JSON form of a ledger entry.
type requestView struct {
	ID          string          `json:"request_id"`
	AgentID     string          `json:"agent_id"`
	Channel     string          `json:"channel"`
	SessionID   string          `json:"session_id,omitempty"`
	RouteReason string          `json:"route_reason,omitempty"`
	Prompt      string          `json:"prompt"`
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	Reasoning   string          `json:"reasoning,omitempty"`
	ToolCalls   json.RawMessage `json:"tool_calls"`
	Error       *failure.Error  `json:"error,omitempty"`
	Anomalies   int             `json:"anomalies"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

func newRequestView(rec *store.RequestRecord) requestView {
	v := requestView{
		ID:          rec.ID,
		AgentID:     rec.AgentID,
		Channel:     rec.Channel,
		SessionID:   rec.SessionID,
		RouteReason: rec.RouteReason,
		Prompt:      rec.Prompt,
		Status:      rec.Status,
		Message:     rec.Message,
		Reasoning:   rec.Reasoning,
		ToolCalls:   json.RawMessage(rec.ToolCalls),
		Anomalies:   rec.Anomalies,
		SubmittedAt: rec.SubmittedAt,
		FinishedAt:  rec.FinishedAt,
	}
	if !json.Valid(v.ToolCalls) {
		v.ToolCalls = json.RawMessage("[]")
	}
	if rec.ErrorKind != "" {
		v.Error = &failure.Error{Kind: failure.Kind(rec.ErrorKind), Detail: rec.ErrorDetail}
	}
	return v
}

// handleGetRequest handles GET /api/requests/{id}. In-flight requests are
// rendered from their live buffer.
func (g *Gateway) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if call, ok := g.bridge.Lookup(id); ok {
		writeJSON(w, http.StatusOK, call.Render(call.Aggregator().Snapshot()))
		return
	}

	rec, err := g.store.GetRequest(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		notFound(w, "no request %q", id)
		return
	}
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRequestView(rec))
}

// handleListRequests handles GET /api/requests.
func (g *Gateway) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	recs, err := g.store.ListRequests(r.Context(), limit)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	views := make([]requestView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newRequestView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

// AgentView is the JSON response element of GET /api/agents.
type AgentView struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Endpoint         string       `json:"endpoint"`
	Health           agent.Health `json:"health"`
	InFlight         int          `json:"in_flight"`
	QueueDepth       int          `json:"queue_depth"`
	ConcurrencyLimit int          `json:"concurrency_limit"`
	Anomalies        uint64       `json:"anomalies"`
	Reconnects       int          `json:"reconnects"`
	LastError        string       `json:"last_error,omitempty"`
	WakeWords        []string     `json:"wake_words"`
	Suffixes         []string     `json:"suffixes"`
	Voice            string       `json:"voice,omitempty"`
	Fallback         bool         `json:"fallback,omitempty"`
}

func (g *Gateway) agentViews() []AgentView {
	infos := g.agents.List()
	views := make([]AgentView, 0, len(infos))
	for _, info := range infos {
		wake, suffixes := g.router.Routes(info.AgentID)
		if wake == nil {
			wake = []string{}
		}
		if suffixes == nil {
			suffixes = []string{}
		}
		v := AgentView{
			ID:               info.AgentID,
			Name:             g.names[info.AgentID],
			Endpoint:         info.Endpoint,
			Health:           info.Health,
			InFlight:         info.InFlight,
			QueueDepth:       info.QueueDepth,
			ConcurrencyLimit: info.ConcurrencyLimit,
			Anomalies:        info.Anomalies,
			Reconnects:       info.Reconnects,
			LastError:        info.LastError,
			WakeWords:        wake,
			Suffixes:         suffixes,
			Fallback:         info.AgentID == g.router.Fallback(),
		}
		if v.Name == "" {
			v.Name = info.AgentID
		}
		if g.voices != nil {
			v.Voice = g.voices.Persona(info.AgentID).Voice
		}
		views = append(views, v)
	}
	return views
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.agentViews())
}

// handleAgentLogs handles GET /api/agents/{id}/logs?tail=N.
func (g *Gateway) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := queryInt(r, "tail", defaultLogTail)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	lines, err := g.agents.Logs(id, n)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_id": id, "lines": lines})
}

type inFlightView struct {
	RequestID   string       `json:"request_id"`
	AgentID     string       `json:"agent_id"`
	Channel     Channel      `json:"channel"`
	SessionID   string       `json:"session_id,omitempty"`
	RouteReason string       `json:"route_reason"`
	Status      stage.Status `json:"status"`
	Version     uint64       `json:"version"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Deadline    time.Time    `json:"deadline"`
}

type sessionView struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Channel   string    `json:"channel"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type turnView struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id,omitempty"`
	AgentID   string    `json:"agent_id"`
	Prompt    string    `json:"prompt,omitempty"`
	Response  string    `json:"response,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) newSessionView(s *store.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		AgentID:   s.AgentID,
		Channel:   s.Channel,
		TurnCount: s.TurnCount,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ExpiresAt: s.UpdatedAt.Add(g.conversation.TTL()),
	}
}

func newTurnView(t *store.Turn) turnView {
	return turnView{
		ID:        t.ID,
		RequestID: t.RequestID,
		AgentID:   t.AgentID,
		Prompt:    t.Prompt,
		Response:  t.Response,
		Status:    t.Status,
		CreatedAt: t.CreatedAt,
	}
}

// handleListSessions handles GET /api/sessions: in-flight requests plus
// live conversation sessions.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		g.writeFailure(w, err)
		return
	}

	calls := g.bridge.Active()
	inFlight := make([]inFlightView, 0, len(calls))
	for _, c := range calls {
		snap := c.Aggregator().Snapshot()
		inFlight = append(inFlight, inFlightView{
			RequestID:   c.RequestID,
			AgentID:     c.AgentID,
			Channel:     c.Channel,
			SessionID:   c.SessionID,
			RouteReason: c.RouteReason,
			Status:      snap.Status,
			Version:     snap.Version,
			SubmittedAt: snap.SubmittedAt,
			Deadline:    c.Deadline,
		})
	}

	sessions, err := g.conversation.Active(r.Context(), limit)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	convs := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		convs = append(convs, g.newSessionView(s))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"in_flight":     inFlight,
		"conversations": convs,
	})
}

// handleGetSession handles GET /api/sessions/{id}. The id may name an
// in-flight request or a conversation session.
func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if call, ok := g.bridge.Lookup(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{"request": call.Render(call.Aggregator().Snapshot())})
		return
	}

	sess, err := g.conversation.Get(r.Context(), id)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		notFound(w, "no session %q", id)
		return
	}
	if err != nil {
		g.writeFailure(w, err)
		return
	}

	n, err := queryInt(r, "turns", defaultTurnHistory)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	turns, err := g.conversation.Recent(r.Context(), id, n)
	if err != nil {
		g.writeFailure(w, err)
		return
	}
	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		views = append(views, newTurnView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": g.newSessionView(sess),
		"turns":   views,
	})
}

// HandoffRequest is the body of POST /api/sessions/{id}/handoff.
type HandoffRequest struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// handleHandoff handles POST /api/sessions/{id}/handoff.
func (g *Gateway) handleHandoff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req HandoffRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeFailure(w, err)
		return
	}
	if req.AgentID == "" {
		g.badRequest(w, "agent_id is required")
		return
	}
	if !g.router.Known(req.AgentID) {
		g.writeFailure(w, failure.New(failure.UnknownAgent, "no agent named %q", req.AgentID))
		return
	}

	message := req.Message
	if message == "" && g.voices != nil {
		if sess, err := g.conversation.Get(r.Context(), id); err == nil {
			message = g.voices.Handoff(sess.AgentID, req.AgentID)
		}
	}

	result, err := g.conversation.Handoff(r.Context(), id, req.AgentID, message, req.Topic)
	if errors.Is(err, conversation.ErrSessionNotFound) {
		notFound(w, "no session %q", id)
		return
	}
	if err != nil {
		g.writeFailure(w, err)
		return
	}

	resp := map[string]any{
		"session":        g.newSessionView(result.Session),
		"previous_agent": result.PreviousAgent,
		"message":        result.Message,
	}
	if g.voices != nil {
		resp["persona"] = g.voices.Persona(req.AgentID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionEvents handles GET /api/sessions/{id}/events, streaming
// each recorded turn of a conversation as it happens.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := g.conversation.Get(r.Context(), id); err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			notFound(w, "no session %q", id)
			return
		}
		g.writeFailure(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeFailure(w, failure.New(failure.Internal, "streaming not supported"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	turns, _ := g.conversation.Broadcaster().Subscribe(ctx, id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	g.writeSSEEvent(w, "subscribed", map[string]string{"session_id": id})
	flusher.Flush()

	for turn := range turns {
		g.writeSSEEvent(w, "turn", newTurnView(turn))
		flusher.Flush()
	}
}

type agentHealth struct {
	Health     agent.Health `json:"health"`
	InFlight   int          `json:"in_flight"`
	QueueDepth int          `json:"queue_depth"`
}

// handleHealth handles GET /health with a per-agent breakdown.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	agents := make(map[string]agentHealth)
	status := "ok"
	for _, info := range g.agents.List() {
		agents[info.AgentID] = agentHealth{
			Health:     info.Health,
			InFlight:   info.InFlight,
			QueueDepth: info.QueueDepth,
		}
		if !info.Health.Serving() {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"server_id": g.serverID,
		"agents":    agents,
	})
}

// handleReady returns 200 OK if at least one agent can take requests.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	serving := 0
	for _, info := range g.agents.List() {
		if info.Health.Serving() {
			serving++
		}
	}
	if serving == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", serving)
}
