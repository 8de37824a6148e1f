// ABOUTME: Email webhook ingest: validation echo, idempotent batches and agent replies
// ABOUTME: Routes each new message by header or plus-address suffix and answers via the mailbox

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/email"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/failure"
	"github.com/hvkshetry/codex-mcp-orchestra/internal/stage"
)

// Per-notification outcomes reported to the webhook caller.
const (
	emailAccepted  = "accepted"
	emailDuplicate = "duplicate"
	emailRejected  = "rejected"
	emailInvalid   = "invalid"
)

type emailResult struct {
	MessageID string `json:"message_id,omitempty"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

func emailKey(messageID string) string {
	return "email:" + messageID
}

func validationToken(r *http.Request) string {
	if tok := r.URL.Query().Get("validationToken"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("validation_token")
}

func writeValidationToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, token)
}

// handleEmailValidation handles GET /email/notification.
func (g *Gateway) handleEmailValidation(w http.ResponseWriter, r *http.Request) {
	token := validationToken(r)
	if token == "" {
		g.badRequest(w, "no validation token provided")
		return
	}
	g.logger.Info("validating mail webhook")
	writeValidationToken(w, token)
}

// decodeNotifications accepts a {"value": [...]} batch or a single
// notification object.
func decodeNotifications(w http.ResponseWriter, r *http.Request) ([]email.Notification, error) {
	var raw map[string]json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		return nil, err
	}

	if value, ok := raw["value"]; ok {
		var batch []email.Notification
		if err := json.Unmarshal(value, &batch); err != nil {
			return nil, failure.New(failure.InvalidRequest, "invalid notification batch: %v", err)
		}
		return batch, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid notification: %v", err)
	}
	var n email.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, failure.New(failure.InvalidRequest, "invalid notification: %v", err)
	}
	return []email.Notification{n}, nil
}

// handleEmailNotification handles POST /email/notification and
// POST /email/route. Each new message id is claimed once and processed in
// the background; the caller gets 202 with a result per notification.
func (g *Gateway) handleEmailNotification(w http.ResponseWriter, r *http.Request) {
	if token := validationToken(r); token != "" {
		writeValidationToken(w, token)
		return
	}

	notifications, err := decodeNotifications(w, r)
	if err != nil {
		g.writeFailure(w, err)
		return
	}

	results := make([]emailResult, 0, len(notifications))
	accepted := 0
	for _, n := range notifications {
		res := g.ingestNotification(n)
		if res.Status == emailAccepted {
			accepted++
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"processed": accepted,
		"results":   results,
	})
}

func (g *Gateway) ingestNotification(n email.Notification) emailResult {
	if g.config.Email.ClientState != "" && n.ClientState != g.config.Email.ClientState {
		g.logger.Warn("mail notification with wrong client state", "subscription_id", n.SubscriptionID)
		return emailResult{Status: emailRejected, Detail: "client state mismatch"}
	}

	id, ok := n.MessageID()
	if !ok {
		return emailResult{Status: emailInvalid, Detail: "no message id in notification"}
	}

	if !g.dedupe.Claim(emailKey(id)) {
		g.logger.Info("skipping duplicate message", "message_id", id)
		return emailResult{MessageID: id, Status: emailDuplicate}
	}

	g.background.Add(1)
	go func() {
		defer g.background.Done()
		g.processEmail(g.bgCtx, id, n)
	}()
	return emailResult{MessageID: id, Status: emailAccepted}
}

// processEmail answers one message. A fetch failure releases the claim so
// a redelivery can retry; every other failure is answered with a reply.
func (g *Gateway) processEmail(ctx context.Context, messageID string, n email.Notification) {
	logger := g.logger.With("message_id", messageID)

	msg, err := g.mailbox.Fetch(ctx, messageID)
	switch {
	case errors.Is(err, email.ErrFetchUnsupported):
		msg = &email.Message{ID: messageID}
	case err != nil:
		logger.Warn("failed to fetch message", "error", err)
		g.dedupe.Release(emailKey(messageID))
		return
	}

	hints := g.router.Hints(msg)
	prompt := msg.Prompt()
	if prompt == "" {
		prompt = fmt.Sprintf("Process email notification: %s on %s", n.ChangeType, n.Resource)
	}

	call, err := g.bridge.Handle(ctx, InboundRequest{
		Text:    prompt,
		Channel: ChannelEmail,
		Metadata: ChannelMetadata{
			Suffix:  hints.Suffix,
			Address: hints.Address,
			Header:  hints.HeaderAgent,
		},
	})
	if err != nil {
		kind := failure.KindOf(err)
		logger.Warn("message not submitted", "kind", kind, "error", err)
		g.sendReply(ctx, email.Reply{
			MessageID: messageID,
			Text:      email.FailureText(kind, ""),
			Failed:    true,
		})
		return
	}

	logger.Info("message routed", "agent_id", call.AgentID, "route_reason", call.RouteReason, "request_id", call.RequestID)
	snap := call.Wait(ctx)

	reply := email.Reply{
		MessageID: messageID,
		AgentID:   call.AgentID,
		AgentName: g.names[call.AgentID],
		Text:      snap.MessageText(),
	}
	if snap.Status != stage.StatusCompleted {
		kind := failure.TimedOut
		if snap.Err != nil {
			kind = snap.Err.Kind
		}
		reply.Text = email.FailureText(kind, snap.MessageText())
		reply.Failed = true
	} else if strings.TrimSpace(reply.Text) == "" {
		reply.Text = "The assistant finished without a written answer."
	}
	g.sendReply(ctx, reply)
}

func (g *Gateway) sendReply(ctx context.Context, reply email.Reply) {
	if err := g.mailbox.Send(ctx, reply); err != nil {
		g.logger.Error("failed to send reply", "message_id", reply.MessageID, "agent_id", reply.AgentID, "error", err)
	}
}

// handleEmailStatus handles GET /email/status.
func (g *Gateway) handleEmailStatus(w http.ResponseWriter, r *http.Request) {
	mailbox := "log"
	if _, ok := g.mailbox.(*email.GraphMailbox); ok {
		mailbox = "graph"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":         g.config.Email.Enabled,
		"mailbox":         mailbox,
		"processed_count": g.dedupe.Len(),
		"idempotency":     g.dedupe.Stats(),
	})
}
