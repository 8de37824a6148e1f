// Package email turns mailbox change notifications into bridge requests and
// sends the agent's answer back as a reply.
//
// # Ingest
//
// A subscription posts batches of Notification values. Each names a message
// by resource path (users/{user}/messages/{id}) or resourceData.id. The
// message is fetched through a Mailbox, and SuffixMatcher pulls routing
// hints out of it:
//
//   - X-AI-Agent header: an explicit agent, honoured only when it is known
//   - plus-address suffix on any To or Cc recipient, such as
//     alice+finance@example.com
//
// # Replies
//
// Agent answers are Markdown. A Reply is signed with the agent's display
// name, rendered to HTML with goldmark, sent as a reply to the original
// message, and the original is tagged with an "AI-<Agent>" category.
//
// GraphMailbox needs email.graph_token. Without one, LogMailbox logs the
// replies it would have sent and cannot fetch messages, so notifications
// fall back to the default agent.
package email
