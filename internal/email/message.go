// ABOUTME: Graph-style mail notification and message types
// ABOUTME: Parses webhook batches and pulls routing hints out of a message

package email

import (
	"fmt"
	"strings"
)

// AgentHeader names the header that selects an agent explicitly.
const AgentHeader = "X-AI-Agent"

// Notification is one change notification from a mail subscription.
type Notification struct {
	SubscriptionID string        `json:"subscriptionId"`
	ChangeType     string        `json:"changeType"`
	ClientState    string        `json:"clientState"`
	Resource       string        `json:"resource"`
	TenantID       string        `json:"tenantId"`
	ResourceData   *ResourceData `json:"resourceData,omitempty"`
}

// ResourceData carries the id of the changed message.
type ResourceData struct {
	ID string `json:"id"`
}

// Batch is the webhook body: {"value": [...]}.
type Batch struct {
	Value []Notification `json:"value"`
}

// MessageID returns the message id the notification refers to, taken from
// resourceData when present and otherwise from a
// users/{user}/messages/{id} resource path.
func (n Notification) MessageID() (string, bool) {
	if n.ResourceData != nil && n.ResourceData.ID != "" {
		return n.ResourceData.ID, true
	}
	parts := strings.Split(strings.Trim(n.Resource, "/"), "/")
	if len(parts) >= 4 && strings.EqualFold(parts[2], "messages") && parts[3] != "" {
		return parts[3], true
	}
	return "", false
}

// Address is a mailbox name and address.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Recipient wraps an address the way the mail API does.
type Recipient struct {
	EmailAddress Address `json:"emailAddress"`
}

// Header is one internet message header.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Body is message content.
type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Message is the subset of a mail message used for routing and prompting.
type Message struct {
	ID                     string      `json:"id"`
	Subject                string      `json:"subject"`
	BodyPreview            string      `json:"bodyPreview"`
	Body                   Body        `json:"body"`
	From                   *Recipient  `json:"from,omitempty"`
	ToRecipients           []Recipient `json:"toRecipients"`
	CcRecipients           []Recipient `json:"ccRecipients"`
	InternetMessageHeaders []Header    `json:"internetMessageHeaders"`
}

// Header returns the first header named name, case-insensitively.
func (m *Message) Header(name string) string {
	for _, h := range m.InternetMessageHeaders {
		if strings.EqualFold(h.Name, name) {
			return strings.TrimSpace(h.Value)
		}
	}
	return ""
}

// Recipients returns To then Cc addresses.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.ToRecipients)+len(m.CcRecipients))
	for _, r := range m.ToRecipients {
		out = append(out, r.EmailAddress.Address)
	}
	for _, r := range m.CcRecipients {
		out = append(out, r.EmailAddress.Address)
	}
	return out
}

// Prompt renders the message as agent input.
func (m *Message) Prompt() string {
	var b strings.Builder
	if m.From != nil && m.From.EmailAddress.Address != "" {
		fmt.Fprintf(&b, "From: %s\n", m.From.EmailAddress.Address)
	}
	if m.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	}

	text := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") || text == "" {
		text = m.BodyPreview
	}
	if text = strings.TrimSpace(text); text != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String()
}
