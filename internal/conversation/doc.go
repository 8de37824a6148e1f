// Package conversation carries context across requests that share a
// caller-supplied session id.
//
// # Sessions
//
// A session is pinned to the agent that served its first request. Later
// requests in the same session are sent to that agent unless routing finds
// an explicit signal (wake word, suffix, header, target). A handoff moves the
// session to another agent and records the farewell in its history.
//
// Sessions expire after TTL (30 minutes by default) without activity. Begin
// on an expired id starts a fresh session; Run sweeps expired rows from the
// store periodically.
//
// # Context
//
// History renders the last MaxTurns turns as
//
//	User: <prompt>
//	Office: <response>
//
// and Compose wraps the new prompt:
//
//	Previous context:
//	...
//
//	Current request: <prompt>
//
// # Broadcasting
//
// Every recorded turn is published to a Broadcaster keyed by session id.
// Subscribers get a buffered channel (64 turns); turns are dropped for a
// subscriber whose buffer is full, never blocking the recorder.
package conversation
