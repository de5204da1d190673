// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix && !windows

package procgroup

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminateKillsWholeGroup(t *testing.T) {
	// A shell that forks a child and sleeps; the trap swallows SIGTERM so
	// Terminate must escalate to SIGKILL.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "spawned process should lead its own group")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	err = Terminate(cmd, waitCh, 100*time.Millisecond)
	require.Error(t, err, "SIGKILL exit is reported as an error")

	// The whole group must be gone.
	err = syscall.Kill(-pgid, syscall.Signal(0))
	require.Equal(t, syscall.ESRCH, err)
}

func TestTerminateGracefulExit(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 5*time.Second)
	require.Error(t, err, "SIGTERM exit is reported as an error")
	require.Less(t, time.Since(start), 2*time.Second, "should not wait out the grace period")
}

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
}

func TestKillAlreadyExited(t *testing.T) {
	cmd := exec.Command("true")
	Set(cmd)
	require.NoError(t, cmd.Run())
	require.NoError(t, Kill(cmd, syscall.SIGTERM))
}
