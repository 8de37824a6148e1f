// ABOUTME: Reply composition: agent signature, category and HTML rendering
// ABOUTME: Agent answers are Markdown and are rendered with goldmark

package email

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
)

// Reply is an answer to one inbound message.
type Reply struct {
	MessageID string
	AgentID   string
	AgentName string
	Text      string // Markdown body without signature
	Failed    bool   // the agent did not answer; Text explains why
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Signed returns the reply text with the agent signature appended.
func (r Reply) Signed() string {
	if r.AgentName == "" {
		return r.Text + "\n\n— AI Assistant Response"
	}
	return fmt.Sprintf("%s\n\n— Response from AI %s", r.Text, r.AgentName)
}

// HTML renders the signed reply.
func (r Reply) HTML() (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(r.Signed()), &buf); err != nil {
		return "", fmt.Errorf("rendering reply: %w", err)
	}
	return buf.String(), nil
}

// Category is the mail category tagged on the original message,
// for example "AI-Office". Empty when no agent answered.
func (r Reply) Category() string {
	if r.AgentID == "" {
		return ""
	}
	return "AI-" + strings.ToUpper(r.AgentID[:1]) + r.AgentID[1:]
}

// FailureText explains to the sender why no full answer is coming.
// partial is whatever the agent produced before the failure.
func FailureText(kind failure.Kind, partial string) string {
	var msg string
	switch kind {
	case failure.BackendUnavailable:
		msg = "The assistant that handles this mailbox is offline right now. Please resend your message later."
	case failure.CapacityExceeded:
		msg = "The assistant is busy with other requests. Please resend your message later."
	case failure.TimedOut:
		msg = "The assistant did not finish in time."
	default:
		msg = fmt.Sprintf("Your message could not be processed (%s).", kind)
	}
	if partial = strings.TrimSpace(partial); partial != "" {
		msg += " A partial answer follows.\n\n" + partial
	}
	return msg
}
