// ABOUTME: Error taxonomy shared by the session manager, aggregator and front end.
// ABOUTME: Every failure surfaced to a caller carries exactly one Kind.

package failure

import (
	"errors"
	"fmt"
)

// Kind identifies one class of failure in the request pipeline.
type Kind string

const (
	// MalformedStream is an upstream line that could not be interpreted.
	MalformedStream Kind = "malformed_stream"

	// ProtocolViolation is a well-formed notification that breaks stage rules.
	ProtocolViolation Kind = "protocol_violation"

	// CapacityExceeded means the agent's concurrency limit and queue are full.
	CapacityExceeded Kind = "capacity_exceeded"

	// BackendUnavailable means the agent connection is down.
	BackendUnavailable Kind = "backend_unavailable"

	// UnknownAgent means an explicit target names no configured agent.
	UnknownAgent Kind = "unknown_agent"

	// TimedOut means the idle window or the request deadline expired.
	TimedOut Kind = "timed_out"

	// AgentError is a terminal error reported by the agent itself.
	AgentError Kind = "agent_error"

	// InvalidRequest is a caller error detected before submission.
	InvalidRequest Kind = "invalid_request"

	// Internal is anything the taxonomy does not otherwise describe.
	Internal Kind = "internal"
)

// Sentinels for errors.Is checks. Details are ignored when matching.
var (
	ErrMalformedStream    = &Error{Kind: MalformedStream}
	ErrProtocolViolation  = &Error{Kind: ProtocolViolation}
	ErrCapacityExceeded   = &Error{Kind: CapacityExceeded}
	ErrBackendUnavailable = &Error{Kind: BackendUnavailable}
	ErrUnknownAgent       = &Error{Kind: UnknownAgent}
	ErrTimedOut           = &Error{Kind: TimedOut}
	ErrInvalidRequest     = &Error{Kind: InvalidRequest}
)

// Error is a failure with a taxonomy kind and a human-readable detail.
type Error struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the failure kind from err, or Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// From converts any error into an *Error, preserving the kind when present.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Kind: Internal, Detail: err.Error()}
}
