// ABOUTME: Incremental chunk stream over an aggregator's buffer
// ABOUTME: Emits reasoning, tool, message and terminal chunks as they become available

package stage

import (
	"context"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

// ChunkStage labels a streamed chunk.
type ChunkStage string

const (
	StageReasoning ChunkStage = "reasoning"
	StageTool      ChunkStage = "tool"
	StageMessage   ChunkStage = "message"
	StageTerminal  ChunkStage = "terminal"
)

// Chunk is one incremental piece of a streaming response.
type Chunk struct {
	Stage  ChunkStage     `json:"stage"`
	Text   string         `json:"text,omitempty"`
	Tool   *ToolEvent     `json:"tool,omitempty"`
	Status Status         `json:"status,omitempty"`
	Error  *failure.Error `json:"error,omitempty"`
}

const streamBuffer = 32

// cursor remembers what a stream reader has already emitted.
type cursor struct {
	reasoning    int
	message      int
	toolStatus   []ToolStatus
	terminalSent bool
}

// Stream emits the buffer incrementally. Each pass sends new reasoning
// fragments, then tool transitions, then message fragments; the channel
// closes after the terminal chunk or when ctx is done.
func (a *Aggregator) Stream(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk, streamBuffer)

	go func() {
		defer close(out)

		var cur cursor
		for {
			chunks, changed, final := a.collect(&cur)
			for _, c := range chunks {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
			if final {
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// collect returns chunks not yet seen by cur and the channel to wait on
// for the next mutation.
func (a *Aggregator) collect(cur *cursor) ([]Chunk, <-chan struct{}, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var chunks []Chunk

	for ; cur.reasoning < len(a.reasoning); cur.reasoning++ {
		chunks = append(chunks, Chunk{Stage: StageReasoning, Text: a.reasoning[cur.reasoning]})
	}

	for i := range a.tools {
		if i < len(cur.toolStatus) && cur.toolStatus[i] == a.tools[i].Status {
			continue
		}
		tool := a.tools[i]
		chunks = append(chunks, Chunk{Stage: StageTool, Tool: &tool})
		if i < len(cur.toolStatus) {
			cur.toolStatus[i] = tool.Status
		} else {
			cur.toolStatus = append(cur.toolStatus, tool.Status)
		}
	}

	for ; cur.message < len(a.message); cur.message++ {
		chunks = append(chunks, Chunk{Stage: StageMessage, Text: a.message[cur.message]})
	}

	final := a.status.Final()
	if final && !cur.terminalSent {
		term := Chunk{Stage: StageTerminal, Status: a.status}
		if a.err != nil {
			errCopy := *a.err
			term.Error = &errCopy
		}
		chunks = append(chunks, term)
		cur.terminalSent = true
	}

	return chunks, a.changed, final
}
