// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package debugger

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/debugd/internal/runner"
)

// Debugger kinds.
const (
	KindDebugpy = "debugpy"
	KindGDB     = "gdbserver"
	KindLLDB    = "lldb-server"
)

// ErrInvalidLaunch rejects launch requests that name no target.
var ErrInvalidLaunch = errors.New("debugger: invalid launch request")

// LaunchRequest describes a debuggee to run under a tunnel.
type LaunchRequest struct {
	Kind string `json:"kind"`

	// Python (debugpy): exactly one of Module or Script.
	Module string `json:"module,omitempty"`
	Script string `json:"script,omitempty"`

	// Native (gdbserver / lldb-server): the program binary.
	Program string `json:"program,omitempty"`

	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WaitForClient bool              `json:"wait_for_client,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
}

// Adapter builds the supervised command that binds a debugger to a tunnel.
type Adapter interface {
	Kind() string
	BuildSpec(t Tunnel, req LaunchRequest) (runner.CommandSpec, error)
}

// AdapterFor resolves a launch kind. An empty kind defaults to debugpy.
func AdapterFor(kind string) (Adapter, error) {
	switch kind {
	case "", KindDebugpy:
		return debugpyAdapter{}, nil
	case KindGDB:
		return gdbAdapter{}, nil
	case KindLLDB:
		return lldbAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidLaunch, kind)
	}
}

// tunnelEnv merges the request env with the injected tunnel credentials.
func tunnelEnv(t Tunnel, req LaunchRequest) map[string]string {
	env := make(map[string]string, len(req.Env)+2)
	for k, v := range req.Env {
		env[k] = v
	}
	env[EnvSessionToken] = t.Token
	env[EnvSessionURI] = t.URI
	return env
}

type debugpyAdapter struct{}

func (debugpyAdapter) Kind() string { return KindDebugpy }

func (debugpyAdapter) BuildSpec(t Tunnel, req LaunchRequest) (runner.CommandSpec, error) {
	if req.Module == "" && req.Script == "" {
		return runner.CommandSpec{}, fmt.Errorf("%w: neither module nor script given", ErrInvalidLaunch)
	}
	if req.Module != "" && req.Script != "" {
		return runner.CommandSpec{}, fmt.Errorf("%w: module and script are mutually exclusive", ErrInvalidLaunch)
	}
	argv := []string{"python", "-m", "debugpy", "--listen", t.Addr()}
	if req.WaitForClient {
		argv = append(argv, "--wait-for-client")
	}
	if req.Module != "" {
		argv = append(argv, "-m", req.Module)
	} else {
		argv = append(argv, req.Script)
	}
	argv = append(argv, req.Args...)
	return runner.CommandSpec{
		Argv:    argv,
		Cwd:     req.Cwd,
		Env:     tunnelEnv(t, req),
		Timeout: req.Timeout,
	}, nil
}

type gdbAdapter struct{}

func (gdbAdapter) Kind() string { return KindGDB }

func (gdbAdapter) BuildSpec(t Tunnel, req LaunchRequest) (runner.CommandSpec, error) {
	if req.Program == "" {
		return runner.CommandSpec{}, fmt.Errorf("%w: program required for gdbserver", ErrInvalidLaunch)
	}
	argv := append([]string{"gdbserver", t.Addr(), req.Program}, req.Args...)
	return runner.CommandSpec{
		Argv:    argv,
		Cwd:     req.Cwd,
		Env:     tunnelEnv(t, req),
		Timeout: req.Timeout,
	}, nil
}

type lldbAdapter struct{}

func (lldbAdapter) Kind() string { return KindLLDB }

func (lldbAdapter) BuildSpec(t Tunnel, req LaunchRequest) (runner.CommandSpec, error) {
	if req.Program == "" {
		return runner.CommandSpec{}, fmt.Errorf("%w: program required for lldb-server", ErrInvalidLaunch)
	}
	argv := append([]string{"lldb-server", "gdbserver", t.Addr(), "--", req.Program}, req.Args...)
	return runner.CommandSpec{
		Argv:    argv,
		Cwd:     req.Cwd,
		Env:     tunnelEnv(t, req),
		Timeout: req.Timeout,
	}, nil
}
