// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package runner executes session commands in leased worktrees, capturing
// output to log streams and recording results and artifacts.
package runner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSpec rejects command specs at the boundary; nothing is recorded.
var ErrInvalidSpec = errors.New("runner: invalid command spec")

// ExecutionError marks a command that could not be spawned. The command row
// is recorded as failed with a nil exit code and the log artifact carries
// the cause.
type ExecutionError struct {
	CommandID int64
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("runner: command %d execution failed: %v", e.CommandID, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// CommandSpec describes one command to run inside a session's worktree.
type CommandSpec struct {
	Argv    []string          `json:"argv"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Validate enforces the boundary contract: at least one argv element, none
// empty, and env keys without '='.
func (s CommandSpec) Validate() error {
	if len(s.Argv) == 0 {
		return fmt.Errorf("%w: argv must not be empty", ErrInvalidSpec)
	}
	for i, arg := range s.Argv {
		if arg == "" {
			return fmt.Errorf("%w: argv[%d] is empty", ErrInvalidSpec, i)
		}
	}
	for k := range s.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: bad env key %q", ErrInvalidSpec, k)
		}
	}
	return nil
}

// String renders the argv as a shell-safe command line for display and for
// the command row.
func (s CommandSpec) String() string {
	return ShellJoin(s.Argv)
}

// ShellJoin quotes each element so the result round-trips through a POSIX
// shell. Plain words stay unquoted for readability.
func ShellJoin(argv []string) string {
	parts := make([]string, len(argv))
	for i, arg := range argv {
		parts[i] = shellQuote(arg)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n\"'\\$&|;<>(){}[]*?~#`!") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
