// ABOUTME: Fixed-size ring of recent agent stderr lines
// ABOUTME: Backs the per-agent log endpoint and CLI logs command

package agent

import "sync"

// DefaultLogTailSize is the number of stderr lines kept per agent.
const DefaultLogTailSize = 200

// LogTail keeps the most recent lines written to it.
type LogTail struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewLogTail creates a tail holding up to size lines.
func NewLogTail(size int) *LogTail {
	if size <= 0 {
		size = DefaultLogTailSize
	}
	return &LogTail{lines: make([]string, size)}
}

// Append records a line, evicting the oldest when full.
func (t *LogTail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.next] = line
	t.next = (t.next + 1) % len(t.lines)
	if t.next == 0 {
		t.full = true
	}
}

// Lines returns up to n of the most recent lines, oldest first.
// n <= 0 returns everything held.
func (t *LogTail) Lines(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := t.next
	if t.full {
		count = len(t.lines)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]string, 0, n)
	start := (t.next - n + len(t.lines)) % len(t.lines)
	for i := 0; i < n; i++ {
		out = append(out, t.lines[(start+i)%len(t.lines)])
	}
	return out
}
