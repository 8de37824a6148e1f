// ABOUTME: Raw TCP transport for agents exposing newline-delimited JSON on a socket
// ABOUTME: Used for agents launched outside the bridge, e.g. behind socat

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

type tcpDialer struct {
	addr string
}

func (d *tcpDialer) Dial(ctx context.Context) (Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing agent socket: %w", err)
	}
	return &tcpConn{
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64*1024),
		encoder: json.NewEncoder(conn),
	}, nil
}

type tcpConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	encoder *json.Encoder

	mu     sync.Mutex
	closed bool
}

func (c *tcpConn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.reader.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("agent output line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

func (c *tcpConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	return c.encoder.Encode(v)
}

func (c *tcpConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
