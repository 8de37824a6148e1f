// ABOUTME: Tests for notification parsing and message accessors
// ABOUTME: Covers message id extraction, header lookup, recipients and prompt rendering

package email

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotification_MessageID(t *testing.T) {
	tests := []struct {
		name   string
		n      Notification
		want   string
		wantOK bool
	}{
		{"resource path", Notification{Resource: "users/u1/messages/m1"}, "m1", true},
		{"capitalised path", Notification{Resource: "Users/u1/Messages/AAMk=="}, "AAMk==", true},
		{"leading slash", Notification{Resource: "/users/u1/messages/m2"}, "m2", true},
		{"resource data wins", Notification{Resource: "users/u1/messages/m1", ResourceData: &ResourceData{ID: "m9"}}, "m9", true},
		{"not a message", Notification{Resource: "users/u1/events/e1"}, "", false},
		{"too short", Notification{Resource: "users/u1"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.n.MessageID()
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBatch_Decode(t *testing.T) {
	body := `{"value":[{"subscriptionId":"s","changeType":"created","clientState":"secret","resource":"users/u/messages/m1"}]}`

	var b Batch
	require.NoError(t, json.Unmarshal([]byte(body), &b))
	require.Len(t, b.Value, 1)
	assert.Equal(t, "created", b.Value[0].ChangeType)
	assert.Equal(t, "secret", b.Value[0].ClientState)
}

func TestMessage_Accessors(t *testing.T) {
	m := &Message{
		Subject: "Q3 numbers",
		Body:    Body{ContentType: "text", Content: "  Can you pull revenue?  "},
		From:    &Recipient{EmailAddress: Address{Address: "bob@example.com"}},
		ToRecipients: []Recipient{
			{EmailAddress: Address{Address: "alice+analyst@example.com"}},
		},
		CcRecipients: []Recipient{
			{EmailAddress: Address{Address: "carol@example.com"}},
		},
		InternetMessageHeaders: []Header{{Name: "x-ai-agent", Value: " office "}},
	}

	assert.Equal(t, "office", m.Header(AgentHeader))
	assert.Empty(t, m.Header("X-Missing"))
	assert.Equal(t, []string{"alice+analyst@example.com", "carol@example.com"}, m.Recipients())
	assert.Equal(t, "From: bob@example.com\nSubject: Q3 numbers\n\nCan you pull revenue?", m.Prompt())
}

func TestMessage_PromptUsesPreviewForHTML(t *testing.T) {
	m := &Message{
		Body:        Body{ContentType: "html", Content: "<p>Hello</p>"},
		BodyPreview: "Hello",
	}
	assert.Equal(t, "Hello", m.Prompt())
}
