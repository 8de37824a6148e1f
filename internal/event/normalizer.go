// ABOUTME: Translates raw agent output lines into canonical notifications
// ABOUTME: Drops banner noise, maps native event types through a fixed table

package event

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
)

const (
	methodNativeEvent     = "codex/event"
	methodCanonicalPrefix = "notifications/"
)

// bannerHints identify startup chatter agents print on stdout before speaking JSON.
var bannerHints = []string{
	"MCP Doc Forge Server",
	"Server is running",
	"Starting",
	"Listening",
}

// nativeKinds maps agent-native event types onto canonical kinds.
var nativeKinds = map[string]Kind{
	"agent_reasoning_delta":             KindReasoningDelta,
	"agent_reasoning_raw_content_delta": KindReasoningDelta,
	"reasoning_delta":                   KindReasoningDelta,
	"agent_message_delta":               KindMessageDelta,
	"message_delta":                     KindMessageDelta,
	"mcp_tool_call_begin":               KindToolBegin,
	"exec_command_begin":                KindToolBegin,
	"tool_begin":                        KindToolBegin,
	"mcp_tool_call_end":                 KindToolEnd,
	"exec_command_end":                  KindToolEnd,
	"tool_end":                          KindToolEnd,
	"task_complete":                     KindTerminalComplete,
	"terminal_complete":                 KindTerminalComplete,
	"error":                             KindTerminalError,
	"stream_error":                      KindTerminalError,
	"terminal_error":                    KindTerminalError,
}

// silentTypes are native events that carry no request content.
var silentTypes = map[string]bool{
	"session_configured": true,
}

// Stats counts what the normalizer has seen since creation.
type Stats struct {
	Lines        uint64 `json:"lines"`
	Emitted      uint64 `json:"emitted"`
	NonJSON      uint64 `json:"non_json"`
	Malformed    uint64 `json:"malformed"`
	Unclassified uint64 `json:"unclassified"`
	Ignored      uint64 `json:"ignored"`
}

// Anomalies is the number of lines counted as malformed_stream.
func (s Stats) Anomalies() uint64 {
	return s.NonJSON + s.Malformed
}

// Normalizer converts one agent's raw output into canonical notifications.
// It keeps no per-request state: order in equals order out.
type Normalizer struct {
	logger *slog.Logger

	lines        atomic.Uint64
	emitted      atomic.Uint64
	nonJSON      atomic.Uint64
	malformed    atomic.Uint64
	unclassified atomic.Uint64
	ignored      atomic.Uint64
}

// NewNormalizer creates a Normalizer. Pass nil logger for default.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize turns one line into zero or one notification.
// Non-JSON lines and structurally invalid JSON are counted and dropped.
func (n *Normalizer) Normalize(line []byte) (Notification, bool) {
	n.lines.Add(1)

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		n.ignored.Add(1)
		return Notification{}, false
	}

	if trimmed[0] != '{' {
		if json.Valid(trimmed) {
			n.malformed.Add(1)
			n.logger.Warn("dropping non-object JSON line", "line", truncate(trimmed))
			return Notification{}, false
		}
		n.dropNoise(trimmed)
		return Notification{}, false
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		n.dropNoise(trimmed)
		return Notification{}, false
	}

	notif, ok := n.translate(env, trimmed)
	if !ok {
		return Notification{}, false
	}

	n.emitted.Add(1)
	if notif.Kind == KindUnclassified {
		n.unclassified.Add(1)
	}
	return notif, true
}

// Stats returns a copy of the current counters.
func (n *Normalizer) Stats() Stats {
	return Stats{
		Lines:        n.lines.Load(),
		Emitted:      n.emitted.Load(),
		NonJSON:      n.nonJSON.Load(),
		Malformed:    n.malformed.Load(),
		Unclassified: n.unclassified.Load(),
		Ignored:      n.ignored.Load(),
	}
}

func (n *Normalizer) dropNoise(line []byte) {
	n.nonJSON.Add(1)
	text := string(line)
	for _, hint := range bannerHints {
		if strings.Contains(text, hint) {
			n.logger.Debug("dropping banner line", "line", truncate(line))
			return
		}
	}
	n.logger.Warn("dropping non-JSON line", "line", truncate(line))
}

func (n *Normalizer) malformedLine(reason string, line []byte) (Notification, bool) {
	n.malformed.Add(1)
	n.logger.Warn("dropping malformed event", "reason", reason, "line", truncate(line))
	return Notification{}, false
}

// translate dispatches on the envelope shape: JSON-RPC notification,
// JSON-RPC response, or a bare native event object.
func (n *Normalizer) translate(env map[string]json.RawMessage, line []byte) (Notification, bool) {
	if rawMethod, ok := env["method"]; ok {
		method := stringField(rawMethod)
		params := objectField(env["params"])

		switch {
		case method == methodNativeEvent:
			msg := objectField(params["msg"])
			if msg == nil {
				return n.malformedLine("codex/event without msg", line)
			}
			session := firstNonEmpty(
				stringField(msg["session_id"]),
				stringField(params["session_id"]),
				metaRequestID(params),
			)
			seq := uintField(msg["seq"], params["seq"])
			return n.fromNative(msg, session, seq, line)

		case strings.HasPrefix(method, methodCanonicalPrefix):
			kind := Kind(strings.TrimPrefix(method, methodCanonicalPrefix))
			if !kind.Valid() || kind == KindUnclassified {
				return unclassified(stringField(params["session_id"]), line), true
			}
			if params == nil {
				return n.malformedLine("canonical notification without params", line)
			}
			session := stringField(params["session_id"])
			return n.fromFields(kind, params, session, uintField(params["seq"]), line)

		default:
			return unclassified(firstNonEmpty(stringField(params["session_id"]), metaRequestID(params)), line), true
		}
	}

	if rawID, ok := env["id"]; ok {
		_, hasResult := env["result"]
		rpcErr, hasErr := env["error"]
		if hasResult || hasErr {
			session := stringField(rawID)
			if session == "" {
				return n.malformedLine("response without usable id", line)
			}
			if hasErr {
				return Notification{
					Kind:      KindTerminalError,
					SessionID: session,
					Error:     rpcErrorMessage(rpcErr),
				}, true
			}
			return Notification{
				Kind:      KindTerminalComplete,
				SessionID: session,
				Text:      resultText(env["result"]),
			}, true
		}
	}

	if _, ok := env["type"]; ok {
		session := firstNonEmpty(stringField(env["session_id"]), stringField(env["request_id"]))
		return n.fromNative(env, session, uintField(env["seq"]), line)
	}

	return n.malformedLine("object with no method, id or type", line)
}

// fromNative applies the fixed type table to an agent-native event object.
func (n *Normalizer) fromNative(msg map[string]json.RawMessage, session string, seq uint64, line []byte) (Notification, bool) {
	typ := stringField(msg["type"])
	if typ == "" {
		return n.malformedLine("event without type", line)
	}
	if silentTypes[typ] {
		n.ignored.Add(1)
		return Notification{}, false
	}

	kind, ok := nativeKinds[typ]
	if !ok {
		out := unclassified(session, line)
		out.Seq = seq
		return out, true
	}

	switch typ {
	case "mcp_tool_call_begin":
		inv := objectField(msg["invocation"])
		fields := map[string]json.RawMessage{
			"tool_id": firstRaw(msg["call_id"], msg["tool_id"]),
			"name":    firstRaw(inv["tool"], msg["name"]),
			"args":    firstRaw(inv["arguments"], msg["args"]),
		}
		return n.fromFields(kind, fields, session, seq, line)

	case "exec_command_begin":
		fields := map[string]json.RawMessage{
			"tool_id": firstRaw(msg["call_id"], msg["tool_id"]),
			"name":    json.RawMessage(`"exec"`),
			"args":    firstRaw(msg["command"], msg["args"]),
		}
		return n.fromFields(kind, fields, session, seq, line)

	case "mcp_tool_call_end":
		fields := map[string]json.RawMessage{
			"tool_id": firstRaw(msg["call_id"], msg["tool_id"]),
		}
		if res := objectField(msg["result"]); res != nil && (res["Ok"] != nil || res["Err"] != nil) {
			if errRaw, isErr := res["Err"]; isErr {
				fields["status"] = json.RawMessage(`"error"`)
				fields["error"] = errRaw
			} else {
				fields["status"] = json.RawMessage(`"ok"`)
				fields["result"] = res["Ok"]
			}
		} else {
			fields["status"] = msg["status"]
			fields["result"] = msg["result"]
			fields["error"] = msg["error"]
		}
		return n.fromFields(kind, fields, session, seq, line)

	case "exec_command_end":
		fields := map[string]json.RawMessage{
			"tool_id": firstRaw(msg["call_id"], msg["tool_id"]),
			"result":  firstRaw(msg["stdout"], msg["aggregated_output"]),
			"status":  json.RawMessage(`"ok"`),
		}
		if code, err := strconv.Atoi(string(msg["exit_code"])); err == nil && code != 0 {
			fields["status"] = json.RawMessage(`"error"`)
			fields["error"] = firstRaw(msg["stderr"], json.RawMessage(strconv.Quote("exit code "+strconv.Itoa(code))))
		}
		return n.fromFields(kind, fields, session, seq, line)

	case "task_complete":
		return Notification{
			Kind:      kind,
			SessionID: session,
			Seq:       seq,
			Text:      stringField(msg["last_agent_message"]),
		}, true

	case "error", "stream_error":
		return Notification{
			Kind:      kind,
			SessionID: session,
			Seq:       seq,
			Error:     firstNonEmpty(stringField(msg["message"]), stringField(msg["error"]), typ),
		}, true

	case "agent_reasoning_delta", "agent_reasoning_raw_content_delta", "agent_message_delta":
		fields := map[string]json.RawMessage{"text": firstRaw(msg["delta"], msg["text"])}
		return n.fromFields(kind, fields, session, seq, line)
	}

	return n.fromFields(kind, msg, session, seq, line)
}

// fromFields builds a notification from canonical field names and checks
// the fields each kind requires.
func (n *Normalizer) fromFields(kind Kind, f map[string]json.RawMessage, session string, seq uint64, line []byte) (Notification, bool) {
	out := Notification{Kind: kind, SessionID: session, Seq: seq}

	switch kind {
	case KindReasoningDelta, KindMessageDelta:
		raw := firstRaw(f["text"], f["delta"])
		if raw == nil || !isJSONString(raw) {
			return n.malformedLine(string(kind)+" without text", line)
		}
		out.Text = stringField(raw)

	case KindToolBegin:
		out.ToolID = stringField(f["tool_id"])
		if out.ToolID == "" {
			return n.malformedLine("tool_begin without tool_id", line)
		}
		out.ToolName = stringField(f["name"])
		out.Args = cloneRaw(f["args"])

	case KindToolEnd:
		out.ToolID = stringField(f["tool_id"])
		if out.ToolID == "" {
			return n.malformedLine("tool_end without tool_id", line)
		}
		out.Status = stringField(f["status"])
		out.Error = errorText(f["error"])
		if out.Status == "" {
			out.Status = ToolStatusOK
			if out.Error != "" {
				out.Status = ToolStatusError
			}
		}
		if out.Status != ToolStatusOK && out.Status != ToolStatusError {
			return n.malformedLine("tool_end with unknown status", line)
		}
		out.Result = cloneRaw(f["result"])

	case KindTerminalComplete:
		out.Text = stringField(f["text"])

	case KindTerminalError:
		out.Error = firstNonEmpty(errorText(f["error"]), "agent reported an error")
	}

	return out, true
}

func unclassified(session string, line []byte) Notification {
	return Notification{
		Kind:      KindUnclassified,
		SessionID: session,
		Raw:       cloneRaw(line),
	}
}

// stringField decodes a JSON string or number into text. Anything else is empty.
func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

func uintField(raws ...json.RawMessage) uint64 {
	for _, raw := range raws {
		if len(raw) == 0 {
			continue
		}
		var v uint64
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return 0
}

func objectField(raw json.RawMessage) map[string]json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func metaRequestID(params map[string]json.RawMessage) string {
	meta := objectField(params["_meta"])
	if meta == nil {
		return ""
	}
	return stringField(meta["requestId"])
}

// errorText accepts either a string or an object with a message field.
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if s := stringField(raw); s != "" {
		return s
	}
	if m := objectField(raw); m != nil {
		if msg := stringField(m["message"]); msg != "" {
			return msg
		}
	}
	return string(raw)
}

func rpcErrorMessage(raw json.RawMessage) string {
	return firstNonEmpty(errorText(raw), "agent returned an error response")
}

// resultText concatenates text content items of a tools/call result.
func resultText(raw json.RawMessage) string {
	var res struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return ""
	}
	var b strings.Builder
	for _, c := range res.Content {
		if c.Type == "text" || c.Type == "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func isJSONString(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '"'
}

func firstRaw(raws ...json.RawMessage) json.RawMessage {
	for _, r := range raws {
		if len(r) > 0 && string(r) != "null" {
			return r
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func cloneRaw(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func truncate(line []byte) string {
	const maxLogLine = 200
	if len(line) > maxLogLine {
		return string(line[:maxLogLine]) + "..."
	}
	return string(line)
}
