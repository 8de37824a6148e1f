// ABOUTME: Voice channel handlers: POST /voice/command and the /voice/stream WebSocket
// ABOUTME: Attaches the agent persona to every answer and speaks apologies on failure

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/voice"
)

// VoiceCommand is the body of POST /voice/command and each message on
// the voice socket.
type VoiceCommand struct {
	ID         string `json:"id,omitempty"` // socket correlation id, echoed back
	Text       string `json:"text"`
	WakeWord   string `json:"wake_word,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	DeadlineMS int64  `json:"deadline_ms,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
}

func (c VoiceCommand) inbound() InboundRequest {
	return InboundRequest{
		Text:       c.Text,
		Channel:    ChannelVoice,
		SessionID:  c.SessionID,
		DeadlineMS: c.DeadlineMS,
		Metadata: ChannelMetadata{
			WakeWord: c.WakeWord,
			AgentID:  c.AgentID,
		},
	}
}

// VoiceResponse is what a voice client speaks.
type VoiceResponse struct {
	Response    string         `json:"response"`
	Server      string         `json:"server"`
	SessionID   string         `json:"session_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Status      stage.Status   `json:"status"`
	Voice       string         `json:"voice"`
	VoiceConfig voice.Settings `json:"voice_config"`
	Handoff     string         `json:"handoff,omitempty"`
	RouteReason string         `json:"route_reason,omitempty"`
	Error       *failure.Error `json:"error,omitempty"`
}

// voiceAnswer renders a finished call. Timed out calls speak whatever
// partial message exists, or an apology when there is none.
func (g *Gateway) voiceAnswer(call *Call, snap stage.Snapshot) VoiceResponse {
	persona := g.voices.Persona(call.AgentID)
	resp := VoiceResponse{
		Response:    snap.MessageText(),
		Server:      call.AgentID,
		SessionID:   call.SessionID,
		RequestID:   call.RequestID,
		Status:      snap.Status,
		Voice:       persona.Voice,
		VoiceConfig: persona.Settings,
		RouteReason: call.RouteReason,
		Error:       snap.Err,
	}
	if call.Handoff != nil {
		resp.Handoff = call.Handoff.Message
	}
	if snap.Status != stage.StatusCompleted && strings.TrimSpace(resp.Response) == "" {
		kind := failure.TimedOut
		if snap.Err != nil {
			kind = snap.Err.Kind
		}
		resp.Response = g.voices.Apology(call.AgentID, kind)
	}
	return resp
}

// voiceApology renders a request that never reached an agent.
func (g *Gateway) voiceApology(cmd VoiceCommand, err error) VoiceResponse {
	fe := failure.From(err)
	agentID := g.router.Fallback()
	if fe.Kind != failure.UnknownAgent {
		meta := cmd.inbound().Metadata
		meta.Channel = ChannelVoice
		meta.Utterance = cmd.Text
		if id, _, rerr := g.router.Resolve(meta); rerr == nil {
			agentID = id
		}
	}
	persona := g.voices.Persona(agentID)
	return VoiceResponse{
		Response:    g.voices.Apology(agentID, fe.Kind),
		Server:      agentID,
		SessionID:   cmd.SessionID,
		Status:      stage.StatusFailed,
		Voice:       persona.Voice,
		VoiceConfig: persona.Settings,
		Error:       fe,
	}
}

// handleVoiceCommand handles POST /voice/command. Failures other than a
// malformed request still answer 200 so the client has something to say.
func (g *Gateway) handleVoiceCommand(w http.ResponseWriter, r *http.Request) {
	var cmd VoiceCommand
	if err := decodeBody(w, r, &cmd); err != nil {
		g.writeFailure(w, err)
		return
	}

	call, err := g.bridge.Handle(r.Context(), cmd.inbound())
	if err != nil {
		if failure.KindOf(err) == failure.InvalidRequest {
			g.writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g.voiceApology(cmd, err))
		return
	}

	if cmd.Stream || wantsStream(r) {
		persona := g.voices.Persona(call.AgentID)
		started := map[string]any{
			"request_id":   call.RequestID,
			"server":       call.AgentID,
			"session_id":   call.SessionID,
			"voice":        persona.Voice,
			"voice_config": persona.Settings,
		}
		g.streamCall(w, r, call, started)
		return
	}

	snap := call.Wait(r.Context())
	writeJSON(w, http.StatusOK, g.voiceAnswer(call, snap))
}

// Voice socket timing.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 64 * 1024
	wsSendBuffer     = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// voiceFrame is one server-to-client message on the voice socket.
type voiceFrame struct {
	Type     string         `json:"type"` // started, chunk, done, error
	ID       string         `json:"id,omitempty"`
	Request  string         `json:"request_id,omitempty"`
	Chunk    *stage.Chunk   `json:"chunk,omitempty"`
	Response *VoiceResponse `json:"response,omitempty"`
	Error    *failure.Error `json:"error,omitempty"`
}

// voiceSocket serves one WebSocket client. Each inbound message is an
// independent request; frames carry the request id so replies may
// interleave.
type voiceSocket struct {
	gw   *Gateway
	conn *websocket.Conn
	send chan voiceFrame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// handleVoiceStream handles GET /voice/stream.
func (g *Gateway) handleVoiceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("voice socket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s := &voiceSocket{
		gw:     g,
		conn:   conn,
		send:   make(chan voiceFrame, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	g.logger.Info("voice socket opened", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()
	s.readPump()

	s.cancel()
	s.wg.Wait()
	close(s.send)
	<-done
	g.logger.Info("voice socket closed", "remote", r.RemoteAddr)
}

func (s *voiceSocket) readPump() {
	s.conn.SetReadLimit(wsMaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.gw.logger.Warn("voice socket read error", "error", err)
			}
			return
		}

		var cmd VoiceCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.push(voiceFrame{Type: "error", Error: failure.New(failure.InvalidRequest, "invalid JSON message")})
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(cmd)
		}()
	}
}

func (s *voiceSocket) serve(cmd VoiceCommand) {
	call, err := s.gw.bridge.Handle(s.ctx, cmd.inbound())
	if err != nil {
		frame := voiceFrame{Type: "error", ID: cmd.ID, Error: failure.From(err)}
		if failure.KindOf(err) != failure.InvalidRequest {
			resp := s.gw.voiceApology(cmd, err)
			frame.Response = &resp
		}
		s.push(frame)
		return
	}

	s.push(voiceFrame{Type: "started", ID: cmd.ID, Request: call.RequestID})
	for chunk := range call.Stream(s.ctx) {
		if chunk.Stage == stage.StageTerminal {
			break
		}
		s.push(voiceFrame{Type: "chunk", ID: cmd.ID, Request: call.RequestID, Chunk: &chunk})
	}

	snap := call.Wait(s.ctx)
	resp := s.gw.voiceAnswer(call, snap)
	s.push(voiceFrame{Type: "done", ID: cmd.ID, Request: call.RequestID, Response: &resp})
}

// push queues a frame unless the socket is going away.
func (s *voiceSocket) push(f voiceFrame) {
	select {
	case s.send <- f:
	case <-s.ctx.Done():
	}
}

func (s *voiceSocket) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(frame); err != nil {
				s.gw.logger.Warn("voice socket write failed", "error", err)
				s.cancel()
				s.drain()
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				s.drain()
				return
			}
		}
	}
}

// drain discards frames until the channel closes so pushers never block.
func (s *voiceSocket) drain() {
	_ = s.conn.Close()
	for range s.send {
	}
}
