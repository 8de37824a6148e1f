// ABOUTME: Subprocess transport speaking newline-delimited JSON over stdio
// ABOUTME: Captures stderr into a log tail and stops the process group in stages

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hvkshetry/codex-mcp-orchestra/internal/procattr"
)

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("agent connection closed")

const maxLineBytes = 4 << 20

type processDialer struct {
	endpoint Endpoint
	tail     *LogTail
	logger   *slog.Logger
}

// Dial spawns the agent process. The process lives until Close or ctx ends.
func (d *processDialer) Dial(ctx context.Context) (Conn, error) {
	cmd := exec.CommandContext(ctx, d.endpoint.Command, d.endpoint.Args...)
	procattr.Set(cmd)
	cmd.Cancel = func() error { return procattr.Interrupt(cmd.Process) }
	cmd.WaitDelay = time.Second
	cmd.Dir = d.endpoint.Dir

	if len(d.endpoint.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range d.endpoint.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent process: %w", err)
	}

	pc := &processConn{
		cmd:     cmd,
		stdin:   stdin,
		reader:  bufio.NewReaderSize(stdout, 64*1024),
		encoder: json.NewEncoder(stdin),
		exited:  make(chan struct{}),
		logger:  d.logger,
	}

	go pc.captureStderr(stderr, d.tail)
	go func() {
		pc.waitErr = cmd.Wait()
		close(pc.exited)
	}()

	d.logger.Info("agent process started", "command", d.endpoint.Command, "pid", cmd.Process.Pid)
	return pc, nil
}

type processConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reader  *bufio.Reader
	encoder *json.Encoder
	logger  *slog.Logger

	mu       sync.Mutex
	stopping bool

	exited  chan struct{}
	waitErr error
}

// ReadLine returns the next stdout line without its trailing newline.
func (p *processConn) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := p.reader.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
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

func (p *processConn) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return ErrConnClosed
	}
	return p.encoder.Encode(v)
}

// Close closes stdin, then interrupts and finally kills the process group
// if the agent does not exit on its own.
func (p *processConn) Close() error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	_ = p.stdin.Close()

	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	_ = procattr.Interrupt(p.cmd.Process)
	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	p.logger.Warn("agent process ignored interrupt, killing group", "pid", p.cmd.Process.Pid)
	_ = procattr.KillGroup(p.cmd.Process)
	select {
	case <-p.exited:
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}

func (p *processConn) captureStderr(r io.Reader, tail *LogTail) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			tail.Append(line)
		}
		p.logger.Debug("agent stderr", "line", line)
	}
}
