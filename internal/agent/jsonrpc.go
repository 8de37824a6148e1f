// ABOUTME: JSON-RPC 2.0 messages written to agents
// ABOUTME: tools/call submissions, the initialize handshake and liveness pings

package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"

	// DefaultTool is the tool name invoked for each submitted prompt.
	DefaultTool = "codex"

	pingPrefix = "ping-"
	initPrefix = "init-"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type callParams struct {
	Name      string        `json:"name"`
	Arguments callArguments `json:"arguments"`
}

type callArguments struct {
	Prompt string `json:"prompt"`
	Cwd    string `json:"cwd,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientVersion is reported to agents during the handshake.
var ClientVersion = "dev"

// newToolCall builds the submission for one request. The request ID is the
// JSON-RPC id, so the agent's notifications and final response carry it.
func newToolCall(requestID, tool, prompt, cwd string) rpcRequest {
	if tool == "" {
		tool = DefaultTool
	}
	return rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      requestID,
		Method:  "tools/call",
		Params: callParams{
			Name:      tool,
			Arguments: callArguments{Prompt: prompt, Cwd: cwd},
		},
	}
}

func newInitialize(id string) rpcRequest {
	return rpcRequest{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  "initialize",
		Params: initializeParams{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      clientInfo{Name: "agent-bridge", Version: ClientVersion},
		},
	}
}

func newInitialized() rpcRequest {
	return rpcRequest{JSONRPC: jsonrpcVersion, Method: "notifications/initialized"}
}

func newPing(id string) rpcRequest {
	return rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: "ping"}
}

// matchResponse reports whether line is the JSON-RPC response to id, and
// the error it carries if any.
func matchResponse(line []byte, id string) (bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return false, nil
	}

	var resp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return false, nil
	}

	var got string
	if err := json.Unmarshal(resp.ID, &got); err != nil || got != id {
		return false, nil
	}
	if resp.Error != nil {
		return true, fmt.Errorf("agent rejected %s: %s (code %d)", id, resp.Error.Message, resp.Error.Code)
	}
	return true, nil
}
