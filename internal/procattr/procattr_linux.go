// ABOUTME: Linux process attributes for agent subprocesses
// ABOUTME: New process group plus a parent-death signal

//go:build linux

// Package procattr configures agent subprocesses so they never outlive the
// bridge and can be signalled as a group.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group and asks the kernel to send
// it SIGTERM if the bridge dies without cleaning up.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
