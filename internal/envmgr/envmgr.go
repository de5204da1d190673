// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package envmgr creates and reuses per-fingerprint interpreter environments.
package envmgr

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/debugd/internal/deps"
	"github.com/ManuGH/debugd/internal/log"
)

// Handle describes a ready-to-use environment.
type Handle struct {
	Name            string
	Path            string
	InterpreterPath string
	BinPath         string
	Fingerprint     string
}

// Request asks for an environment by name. Fingerprinting covers the
// manifests plus metadata; an empty request yields an empty fingerprint and
// reuses whatever directory already exists.
type Request struct {
	Name      string
	Manifests []string
	Metadata  map[string]string
	Force     bool
}

// Manager owns the environments root directory and the build-state cache.
type Manager struct {
	root   string
	states *deps.StateStore
	logger zerolog.Logger

	// lookPath is an indirection for interpreter discovery. Test hook.
	lookPath func(string) (string, error)
}

// New initializes the root and its hidden state directory.
func New(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("envmgr: create root: %w", err)
	}
	states, err := deps.NewStateStore(filepath.Join(root, ".state"))
	if err != nil {
		return nil, err
	}
	return &Manager{
		root:     root,
		states:   states,
		logger:   log.WithComponent("envmgr"),
		lookPath: exec.LookPath,
	}, nil
}

// Ensure returns an environment for the request, rebuilding when forced,
// when the directory is missing, or when the fingerprint changed since the
// last build.
func (m *Manager) Ensure(req Request) (Handle, error) {
	if req.Name == "" {
		return Handle{}, fmt.Errorf("envmgr: environment name must not be empty")
	}

	var fingerprint string
	if len(req.Manifests) > 0 || len(req.Metadata) > 0 {
		var err error
		fingerprint, err = deps.Hash(req.Manifests, req.Metadata)
		if err != nil {
			return Handle{}, err
		}
	}

	dir := m.envDir(req.Name)
	rebuild := req.Force
	if !rebuild {
		if _, err := os.Stat(dir); err != nil {
			rebuild = true
		}
	}
	if !rebuild {
		prev, ok, err := m.states.Get(req.Name)
		if err != nil {
			return Handle{}, err
		}
		if !ok || prev.Fingerprint != fingerprint {
			rebuild = true
		}
	}

	if rebuild {
		if err := m.build(req.Name, dir, fingerprint, req.Metadata); err != nil {
			return Handle{}, err
		}
	}

	return Handle{
		Name:            req.Name,
		Path:            dir,
		InterpreterPath: filepath.Join(dir, "bin", "python"),
		BinPath:         filepath.Join(dir, "bin"),
		Fingerprint:     fingerprint,
	}, nil
}

// Remove deletes the environment directory and its cached state.
func (m *Manager) Remove(name string) error {
	if err := os.RemoveAll(m.envDir(name)); err != nil {
		return fmt.Errorf("envmgr: remove %q: %w", name, err)
	}
	return m.states.Delete(name)
}

func (m *Manager) build(name, dir, fingerprint string, metadata map[string]string) error {
	start := time.Now()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("envmgr: clear %q: %w", name, err)
	}
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("envmgr: create %q: %w", name, err)
	}

	interp, err := m.resolveInterpreter(metadata)
	if err != nil {
		return err
	}
	for _, alias := range []string{"python", "python3"} {
		if err := os.Symlink(interp, filepath.Join(binDir, alias)); err != nil {
			return fmt.Errorf("envmgr: link interpreter for %q: %w", name, err)
		}
	}

	if err := m.states.Put(name, deps.EnvState{
		Fingerprint: fingerprint,
		BuiltAt:     time.Now().UTC(),
		Metadata:    metadata,
	}); err != nil {
		return err
	}

	m.logger.Info().
		Str("event", "env.built").
		Str("name", name).
		Str("fingerprint", fingerprint).
		Dur("duration", time.Since(start)).
		Msg("environment rebuilt")
	return nil
}

// resolveInterpreter honors an explicit "interpreter" metadata entry, then
// falls back to whatever python the host provides.
func (m *Manager) resolveInterpreter(metadata map[string]string) (string, error) {
	if p := strings.TrimSpace(metadata["interpreter"]); p != "" {
		if filepath.IsAbs(p) {
			if _, err := os.Stat(p); err != nil {
				return "", fmt.Errorf("envmgr: interpreter %q: %w", p, err)
			}
			return p, nil
		}
		return m.lookPath(p)
	}
	for _, candidate := range []string{"python3", "python"} {
		if p, err := m.lookPath(candidate); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("envmgr: no python interpreter found on PATH")
}

func (m *Manager) envDir(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	return filepath.Join(m.root, safe)
}
