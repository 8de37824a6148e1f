// Package gateway is the bridge front end of agent-bridge.
//
// # Overview
//
// The gateway owns every component between the outside world and the agent
// sessions: the router, the bridge, the channel handlers, the gRPC health
// server and the HTTP server. Agent sessions live in the agent package and
// are reached through the AgentPool interface.
//
// # Request Flow
//
//	voice / email / api handler
//	    -> Bridge.Handle (validate, route, apply deadline, join session)
//	    -> AgentPool.Submit (returns a stage.Aggregator)
//	    -> Call.Wait or Call.Stream
//	    -> supervise (deadline, ledger record, conversation turn)
//
// # Routing
//
// Router.Resolve checks, in order: explicit agent id, the X-AI-Agent email
// header, the plus-address suffix, the wake_word field, and for voice the
// utterance prefix then keyword scoring. Anything else goes to the fallback
// agent. The table is immutable; Update swaps it atomically when the
// routing file changes.
//
// # HTTP API
//
// Public:
//
//	GET  /health                      liveness plus per-agent health
//	GET  /health/ready                200 while any agent is serving
//	GET  /email/notification          webhook validation echo
//	POST /email/notification          mail change notifications
//	POST /email/route                 alias of /email/notification
//	GET  /email/status                idempotency cache counters
//
// Scope "requests":
//
//	POST /api/requests                submit (JSON or SSE with ?stream=1)
//	POST /voice/command               voice request with persona
//	GET  /voice/stream                voice WebSocket
//	GET  /api/agents                  sessions, routes and personas
//	GET  /api/sessions                in-flight requests and conversations
//	GET  /api/sessions/{id}           one request or conversation
//	GET  /api/sessions/{id}/events    SSE stream of new turns
//
// Scope "admin":
//
//	GET  /api/agents/{id}/logs        stderr tail
//	POST /api/sessions/{id}/handoff   move a conversation to another agent
//	GET  /api/requests                request ledger
//	GET  /api/requests/{id}           one ledger entry
//
// # gRPC
//
// The gRPC server exposes grpc.health.v1 with one service per agent
// ("agent.<id>") and the overall status under "". Reflection is enabled.
package gateway
