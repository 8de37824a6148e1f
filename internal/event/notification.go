// ABOUTME: Canonical notification types emitted by the normalizer
// ABOUTME: Kind is a closed set; payload fields are populated per kind

package event

import "encoding/json"

// Kind is the canonical notification kind.
type Kind string

const (
	KindReasoningDelta   Kind = "reasoning_delta"
	KindMessageDelta     Kind = "message_delta"
	KindToolBegin        Kind = "tool_begin"
	KindToolEnd          Kind = "tool_end"
	KindTerminalComplete Kind = "terminal_complete"
	KindTerminalError    Kind = "terminal_error"
	KindUnclassified     Kind = "unclassified"
)

// Valid reports whether k is one of the canonical kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindReasoningDelta, KindMessageDelta, KindToolBegin, KindToolEnd,
		KindTerminalComplete, KindTerminalError, KindUnclassified:
		return true
	}
	return false
}

// IsTerminal reports whether k ends a request.
func (k Kind) IsTerminal() bool {
	return k == KindTerminalComplete || k == KindTerminalError
}

// Tool end statuses carried on KindToolEnd notifications.
const (
	ToolStatusOK    = "ok"
	ToolStatusError = "error"
)

// Notification is one normalized upstream event. It is immutable once emitted.
type Notification struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`

	// reasoning_delta, message_delta; final text on terminal_complete when the agent reports one
	Text string `json:"text,omitempty"`

	// tool_begin / tool_end
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   string          `json:"status,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// tool_end with status error, terminal_error
	Error string `json:"error,omitempty"`

	// unclassified
	Raw json.RawMessage `json:"raw,omitempty"`
}
