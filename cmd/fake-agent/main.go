// ABOUTME: Minimal stdio agent for E2E testing: answers JSON-RPC and streams codex/event notifications.
// ABOUTME: Usage: fake-agent [-name "Echo Agent"] [-delay 20ms]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type callParams struct {
	Name      string `json:"name"`
	Arguments struct {
		Prompt string `json:"prompt"`
	} `json:"arguments"`
}

// writer serializes lines to stdout; concurrent calls interleave by line.
type writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *writer) send(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		log.Printf("write error: %v", err)
	}
}

func main() {
	name := flag.String("name", "Echo Agent", "Agent display name")
	delay := flag.Duration("delay", 20*time.Millisecond, "Pause between streamed chunks")
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("fake-agent: ")

	if err := run(os.Stdin, os.Stdout, *name, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(in io.Reader, out io.Writer, name string, delay time.Duration) error {
	w := &writer{enc: json.NewEncoder(out)}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Printf("ignoring malformed line: %v", err)
			continue
		}

		switch req.Method {
		case "initialize":
			w.send(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"result": map[string]any{
					"protocolVersion": "2024-11-05",
					"capabilities":    map[string]any{"tools": map[string]any{}},
					"serverInfo":      map[string]any{"name": name, "version": "dev"},
				},
			})
		case "notifications/initialized":
			log.Printf("initialized as %s", name)
		case "ping":
			w.send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{}})
		case "tools/call":
			var p callParams
			if err := json.Unmarshal(req.Params, &p); err != nil {
				w.send(rpcError(req.ID, -32602, "invalid params"))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				answer(w, req.ID, p.Arguments.Prompt, delay)
			}()
		default:
			if len(req.ID) > 0 {
				w.send(rpcError(req.ID, -32601, "method not found: "+req.Method))
			}
		}
	}
	return scanner.Err()
}

func rpcError(id json.RawMessage, code int, msg string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	}
}

// answer streams one reply. Prompts mentioning "fail" end in a JSON-RPC
// error, "tool" adds a tool call and "hang" never finishes.
func answer(w *writer, id json.RawMessage, prompt string, delay time.Duration) {
	var requestID string
	_ = json.Unmarshal(id, &requestID)
	log.Printf("received call [%s]: %s", requestID, prompt)

	seq := 0
	emit := func(msg map[string]any) {
		seq++
		msg["seq"] = seq
		w.send(map[string]any{
			"jsonrpc": "2.0",
			"method":  "codex/event",
			"params": map[string]any{
				"_meta": map[string]any{"requestId": requestID},
				"id":    requestID,
				"msg":   msg,
			},
		})
		time.Sleep(delay)
	}

	lower := strings.ToLower(prompt)
	emit(map[string]any{"type": "agent_reasoning_delta", "delta": "Reading the request."})

	if strings.Contains(lower, "tool") {
		emit(map[string]any{
			"type":       "mcp_tool_call_begin",
			"call_id":    "call-1",
			"invocation": map[string]any{"tool": "search", "arguments": map[string]any{"q": prompt}},
		})
		emit(map[string]any{
			"type":    "mcp_tool_call_end",
			"call_id": "call-1",
			"result":  map[string]any{"Ok": map[string]any{"hits": 1}},
		})
	}

	if strings.Contains(lower, "fail") {
		w.send(rpcError(id, -32000, "fake failure requested"))
		return
	}

	reply := fmt.Sprintf("Echo: %s", prompt)
	for _, word := range strings.SplitAfter(reply, " ") {
		emit(map[string]any{"type": "agent_message_delta", "delta": word})
	}

	if strings.Contains(lower, "hang") {
		return
	}

	w.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{{"type": "text", "text": reply}},
		},
	})
}
