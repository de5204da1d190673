// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup spawns and reaps whole process groups. Session commands
// run with Set so a timeout or cancel kills the shell and every child it
// forked, not just the leader.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// ErrKillFailed is returned when a process group survives SIGKILL past the
// reap timeout.
var ErrKillFailed = errors.New("procgroup: kill operation failed")

// Terminate gracefully stops a command's process group: SIGTERM, wait up to
// grace via waitCh, then SIGKILL and drain. It returns the wait error so
// callers see the real exit status. Safe on nil commands.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = Kill(cmd, syscall.SIGKILL)
	return <-waitCh
}
