// ABOUTME: Process attributes for agent subprocesses on non-Linux unixes
// ABOUTME: New process group only

//go:build !linux

// Package procattr configures agent subprocesses so they never outlive the
// bridge and can be signalled as a group.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Parent-death signals are
// Linux-only, so elsewhere the group kill in Stop is the only cleanup.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
