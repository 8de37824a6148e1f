// Package agent manages long-lived sessions with upstream reasoning agents.
//
// # Overview
//
// Each configured agent gets one Session. A session owns a single upstream
// connection (a spawned subprocess speaking JSON over stdio, a WebSocket, or
// a TCP socket), reads its output line by line, normalizes every line into
// a canonical notification, and routes it to the stage aggregator of the
// request it belongs to.
//
// # Manager
//
// The Manager tracks sessions by agent id:
//
//	mgr := agent.NewManager(logger)
//	mgr.Register(agent.NewSession(cfg, dialer, opts))
//	mgr.Start(ctx)
//	agg, err := mgr.Submit(ctx, "office", agent.Request{Prompt: "..."})
//
// # Request/Response Correlation
//
// A request is written as a JSON-RPC tools/call whose id is the request id.
// The agent echoes that id as the session id of its notifications and as
// the id of its final response, so the Connection's in-flight table maps
// each notification to exactly one aggregator. Notifications for unknown
// or already finalized requests are discarded and counted as anomalies.
//
// # Admission
//
// At most ConcurrencyLimit requests are in flight per agent. Extra requests
// either wait in a bounded queue or are rejected immediately with
// capacity_exceeded, depending on the Admission policy.
//
// # Health
//
//	unknown  -> healthy   first completed request
//	healthy  -> degraded  FailureThreshold consecutive failures
//	degraded -> healthy   a completed request
//	any      -> dead      connection lost
//	dead     -> unknown   reconnected
//
// When the connection drops every in-flight request fails with
// backend_unavailable and the session reconnects with exponential backoff.
package agent
