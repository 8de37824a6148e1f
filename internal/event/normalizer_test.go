// ABOUTME: Tests for the event normalizer
// ABOUTME: Covers banner dropping, native translation, canonical pass-through and anomalies

package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_DropsNoise(t *testing.T) {
	n := NewNormalizer(nil)

	lines := []string{
		"MCP Doc Forge Server running on stdio",
		"Server is running",
		"random log noise",
		"",
		"   ",
		"{not json",
	}
	for _, l := range lines {
		_, ok := n.Normalize([]byte(l))
		assert.False(t, ok, "line %q should be dropped", l)
	}

	stats := n.Stats()
	assert.Equal(t, uint64(6), stats.Lines)
	assert.Equal(t, uint64(4), stats.NonJSON)
	assert.Equal(t, uint64(2), stats.Ignored)
	assert.Equal(t, uint64(0), stats.Emitted)
}

func TestNormalize_NativeTable(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Notification
	}{
		{
			name: "reasoning delta wrapped in codex/event",
			line: `{"jsonrpc":"2.0","method":"codex/event","params":{"_meta":{"requestId":"r1"},"msg":{"type":"agent_reasoning_delta","delta":"Look"}}}`,
			want: Notification{Kind: KindReasoningDelta, SessionID: "r1", Text: "Look"},
		},
		{
			name: "raw reasoning content delta",
			line: `{"method":"codex/event","params":{"session_id":"r1","msg":{"type":"agent_reasoning_raw_content_delta","delta":"ing"}}}`,
			want: Notification{Kind: KindReasoningDelta, SessionID: "r1", Text: "ing"},
		},
		{
			name: "message delta bare",
			line: `{"type":"agent_message_delta","session_id":"r2","delta":"hello","seq":7}`,
			want: Notification{Kind: KindMessageDelta, SessionID: "r2", Seq: 7, Text: "hello"},
		},
		{
			name: "numeric request id",
			line: `{"method":"codex/event","params":{"_meta":{"requestId":42},"msg":{"type":"agent_message_delta","delta":"x"}}}`,
			want: Notification{Kind: KindMessageDelta, SessionID: "42", Text: "x"},
		},
		{
			name: "task complete",
			line: `{"type":"task_complete","session_id":"r3","last_agent_message":"done"}`,
			want: Notification{Kind: KindTerminalComplete, SessionID: "r3", Text: "done"},
		},
		{
			name: "error event",
			line: `{"type":"error","session_id":"r3","message":"model overloaded"}`,
			want: Notification{Kind: KindTerminalError, SessionID: "r3", Error: "model overloaded"},
		},
		{
			name: "jsonrpc result",
			line: `{"jsonrpc":"2.0","id":"r4","result":{"content":[{"type":"text","text":"final answer"}]}}`,
			want: Notification{Kind: KindTerminalComplete, SessionID: "r4", Text: "final answer"},
		},
		{
			name: "jsonrpc error",
			line: `{"jsonrpc":"2.0","id":"r4","error":{"code":-32000,"message":"boom"}}`,
			want: Notification{Kind: KindTerminalError, SessionID: "r4", Error: "boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(nil)
			got, ok := n.Normalize([]byte(tt.line))
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_ToolCalls(t *testing.T) {
	n := NewNormalizer(nil)

	begin, ok := n.Normalize([]byte(`{"type":"mcp_tool_call_begin","session_id":"s","call_id":"t1","invocation":{"server":"graph","tool":"list_mail","arguments":{"top":5}}}`))
	require.True(t, ok)
	assert.Equal(t, KindToolBegin, begin.Kind)
	assert.Equal(t, "t1", begin.ToolID)
	assert.Equal(t, "list_mail", begin.ToolName)
	assert.JSONEq(t, `{"top":5}`, string(begin.Args))

	okEnd, ok := n.Normalize([]byte(`{"type":"mcp_tool_call_end","session_id":"s","call_id":"t1","result":{"Ok":{"count":3}}}`))
	require.True(t, ok)
	assert.Equal(t, KindToolEnd, okEnd.Kind)
	assert.Equal(t, ToolStatusOK, okEnd.Status)
	assert.JSONEq(t, `{"count":3}`, string(okEnd.Result))

	errEnd, ok := n.Normalize([]byte(`{"type":"mcp_tool_call_end","session_id":"s","call_id":"t2","result":{"Err":"permission denied"}}`))
	require.True(t, ok)
	assert.Equal(t, ToolStatusError, errEnd.Status)
	assert.Equal(t, "permission denied", errEnd.Error)

	execEnd, ok := n.Normalize([]byte(`{"type":"exec_command_end","session_id":"s","call_id":"t3","exit_code":2,"stderr":"no such file"}`))
	require.True(t, ok)
	assert.Equal(t, ToolStatusError, execEnd.Status)
	assert.Equal(t, "no such file", execEnd.Error)
}

func TestNormalize_CanonicalPassThrough(t *testing.T) {
	n := NewNormalizer(nil)

	got, ok := n.Normalize([]byte(`{"jsonrpc":"2.0","method":"notifications/tool_end","params":{"session_id":"s1","seq":3,"tool_id":"a","status":"error","error":{"message":"timeout"}}}`))
	require.True(t, ok)
	assert.Equal(t, Notification{Kind: KindToolEnd, SessionID: "s1", Seq: 3, ToolID: "a", Status: ToolStatusError, Error: "timeout"}, got)
}

func TestNormalize_SilentAndUnclassified(t *testing.T) {
	n := NewNormalizer(nil)

	_, ok := n.Normalize([]byte(`{"method":"codex/event","params":{"msg":{"type":"session_configured","model":"x"}}}`))
	assert.False(t, ok)

	line := `{"method":"codex/event","params":{"_meta":{"requestId":"r"},"msg":{"type":"token_count","total":12}}}`
	got, ok := n.Normalize([]byte(line))
	require.True(t, ok)
	assert.Equal(t, KindUnclassified, got.Kind)
	assert.Equal(t, "r", got.SessionID)
	assert.JSONEq(t, line, string(got.Raw))

	other, ok := n.Normalize([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))
	require.True(t, ok)
	assert.Equal(t, KindUnclassified, other.Kind)

	stats := n.Stats()
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.Equal(t, uint64(2), stats.Unclassified)
}

func TestNormalize_MalformedContainers(t *testing.T) {
	lines := []string{
		`[1,2,3]`,
		`42`,
		`{"foo":"bar"}`,
		`{"type":"mcp_tool_call_begin","session_id":"s"}`,
		`{"type":"tool_end","session_id":"s","tool_id":"x","status":"weird"}`,
		`{"type":"agent_message_delta","session_id":"s","delta":{"nested":true}}`,
		`{"method":"codex/event","params":{}}`,
	}

	n := NewNormalizer(nil)
	for _, l := range lines {
		_, ok := n.Normalize([]byte(l))
		assert.False(t, ok, "line %s should be rejected", l)
	}
	assert.Equal(t, uint64(len(lines)), n.Stats().Malformed)
	assert.Equal(t, uint64(len(lines)), n.Stats().Anomalies())
}

func TestNormalize_PreservesOrder(t *testing.T) {
	n := NewNormalizer(nil)
	input := []string{
		"Starting agent...",
		`{"type":"agent_reasoning_delta","session_id":"s","delta":"a"}`,
		"noise",
		`{"type":"agent_reasoning_delta","session_id":"s","delta":"b"}`,
		`{"type":"agent_message_delta","session_id":"s","delta":"c"}`,
	}

	var texts []string
	for _, l := range input {
		if notif, ok := n.Normalize([]byte(l)); ok {
			texts = append(texts, notif.Text)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, texts)
}

// Every emitted notification must carry a canonical kind, whatever the input.
func TestNormalize_OutputAlwaysCanonical(t *testing.T) {
	n := NewNormalizer(nil)
	inputs := []string{
		`{"type":"something_new"}`,
		`{"method":"x/y","params":null}`,
		`{"id":1,"result":null}`,
		`{"method":"notifications/reasoning_delta","params":{"text":"t"}}`,
		`{"type":"exec_command_begin","call_id":"c","command":["ls"]}`,
	}
	for _, in := range inputs {
		notif, ok := n.Normalize([]byte(in))
		if !ok {
			continue
		}
		assert.True(t, notif.Kind.Valid(), "kind %q from %s", notif.Kind, in)
		_, err := json.Marshal(notif)
		assert.NoError(t, err)
	}
}
