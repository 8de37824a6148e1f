// ABOUTME: Mailbox access for fetching inbound messages and sending replies
// ABOUTME: GraphMailbox talks to the Microsoft Graph REST API; LogMailbox only logs

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrFetchUnsupported is returned by mailboxes that cannot read messages.
var ErrFetchUnsupported = errors.New("mailbox cannot fetch messages")

// Mailbox reads inbound messages and delivers replies.
type Mailbox interface {
	Fetch(ctx context.Context, messageID string) (*Message, error)
	Send(ctx context.Context, reply Reply) error
}

// LogMailbox logs replies instead of sending them. Used when no mail API
// token is configured.
type LogMailbox struct {
	logger *slog.Logger
}

// NewLogMailbox creates a LogMailbox.
func NewLogMailbox(logger *slog.Logger) *LogMailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailbox{logger: logger.With("component", "mailbox")}
}

func (l *LogMailbox) Fetch(ctx context.Context, messageID string) (*Message, error) {
	return nil, ErrFetchUnsupported
}

func (l *LogMailbox) Send(ctx context.Context, reply Reply) error {
	l.logger.Info("email reply (not sent)",
		"message_id", reply.MessageID,
		"agent_id", reply.AgentID,
		"category", reply.Category(),
		"failed", reply.Failed,
		"body", reply.Signed())
	return nil
}

// GraphMailbox implements Mailbox against the Graph v1.0 API.
type GraphMailbox struct {
	baseURL string
	userID  string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// GraphOptions configures a GraphMailbox.
type GraphOptions struct {
	BaseURL string // e.g. https://graph.microsoft.com/v1.0
	UserID  string // mailbox owner, "me" when empty
	Token   string
	Client  *http.Client
	Logger  *slog.Logger
}

// NewGraphMailbox creates a GraphMailbox.
func NewGraphMailbox(opts GraphOptions) *GraphMailbox {
	if opts.UserID == "" {
		opts.UserID = "me"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &GraphMailbox{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		userID:  opts.UserID,
		token:   opts.Token,
		client:  opts.Client,
		logger:  opts.Logger.With("component", "mailbox"),
	}
}

// APIError is a non-success response from the mail API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("mail api returned %d: %s", e.Status, e.Body)
}

func (g *GraphMailbox) messageURL(messageID string, suffix ...string) string {
	parts := append([]string{g.baseURL, "users", url.PathEscape(g.userID), "messages", url.PathEscape(messageID)}, suffix...)
	return strings.Join(parts, "/")
}

func (g *GraphMailbox) do(ctx context.Context, method, target string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Fetch loads the fields needed for routing and prompting.
func (g *GraphMailbox) Fetch(ctx context.Context, messageID string) (*Message, error) {
	q := url.Values{}
	q.Set("$select", "id,subject,bodyPreview,body,from,toRecipients,ccRecipients,internetMessageHeaders")

	var msg Message
	if err := g.do(ctx, http.MethodGet, g.messageURL(messageID)+"?"+q.Encode(), nil, http.StatusOK, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = messageID
	}
	return &msg, nil
}

// Send replies to the original message and tags it with the agent category.
// A category failure is logged, not returned, since the reply already went out.
func (g *GraphMailbox) Send(ctx context.Context, reply Reply) error {
	html, err := reply.HTML()
	if err != nil {
		return err
	}

	if err := g.do(ctx, http.MethodPost, g.messageURL(reply.MessageID, "reply"), map[string]string{"comment": html}, http.StatusAccepted, nil); err != nil {
		return fmt.Errorf("sending reply: %w", err)
	}
	g.logger.Info("reply sent", "message_id", reply.MessageID, "agent_id", reply.AgentID)

	if category := reply.Category(); category != "" {
		patch := map[string][]string{"categories": {category}}
		if err := g.do(ctx, http.MethodPatch, g.messageURL(reply.MessageID), patch, http.StatusOK, nil); err != nil {
			g.logger.Warn("failed to set category", "message_id", reply.MessageID, "category", category, "error", err)
		}
	}
	return nil
}

var (
	_ Mailbox = (*LogMailbox)(nil)
	_ Mailbox = (*GraphMailbox)(nil)
)
