// ABOUTME: Upstream transport abstraction for agent connections
// ABOUTME: Selects subprocess stdio, WebSocket or TCP by endpoint shape

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
)

// ErrUnsupportedEndpoint indicates an endpoint with no matching transport.
var ErrUnsupportedEndpoint = errors.New("unsupported agent endpoint")

// Conn is one live line-oriented connection to an agent.
// ReadLine is only called from the session's reader goroutine.
type Conn interface {
	ReadLine() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer establishes a new Conn to an agent.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Endpoint describes where an agent lives. Command wins over URL.
type Endpoint struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	URL     string
}

// String renders the endpoint for logs and listings.
func (e Endpoint) String() string {
	if e.Command != "" {
		return "exec:" + e.Command
	}
	return e.URL
}

// NewDialer picks a transport for the endpoint. Subprocess stderr is
// written to tail when non-nil.
func NewDialer(ep Endpoint, tail *LogTail, logger *slog.Logger) (Dialer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ep.Command != "" {
		return &processDialer{endpoint: ep, tail: tail, logger: logger}, nil
	}
	if ep.URL == "" {
		return nil, fmt.Errorf("%w: neither command nor url set", ErrUnsupportedEndpoint)
	}

	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing agent url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return &wsDialer{url: ep.URL, logger: logger}, nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: tcp url without host", ErrUnsupportedEndpoint)
		}
		return &tcpDialer{addr: u.Host}, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEndpoint, u.Scheme)
	}
}
