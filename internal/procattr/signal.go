// ABOUTME: Process-group signalling used to stop agent subprocesses
// ABOUTME: Interrupt first, then kill the whole group

package procattr

import (
	"os"
	"syscall"
)

// SignalGroup delivers sig to every process in p's group.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	return syscall.Kill(-p.Pid, sig)
}

// Interrupt asks the group to shut down.
func Interrupt(p *os.Process) error {
	return SignalGroup(p, syscall.SIGINT)
}

// KillGroup force-kills the group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}
