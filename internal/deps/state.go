// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package deps

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// EnvState is the cached build record for one named environment.
type EnvState struct {
	Fingerprint string            `json:"fingerprint"`
	BuiltAt     time.Time         `json:"built_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// StateStore persists one small JSON file per environment name under a
// hidden subdirectory. Writes are atomic so a crash never leaves a
// half-written state file behind.
type StateStore struct {
	dir string
}

// NewStateStore creates the state directory if needed.
func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("deps: create state dir: %w", err)
	}
	return &StateStore{dir: dir}, nil
}

// Get returns the stored state for name, or ok=false when absent.
func (s *StateStore) Get(name string) (EnvState, bool, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return EnvState{}, false, nil
	}
	if err != nil {
		return EnvState{}, false, fmt.Errorf("deps: read state %q: %w", name, err)
	}
	var st EnvState
	if err := json.Unmarshal(data, &st); err != nil {
		return EnvState{}, false, fmt.Errorf("deps: decode state %q: %w", name, err)
	}
	return st, true, nil
}

// Put atomically replaces the stored state for name.
func (s *StateStore) Put(name string, st EnvState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("deps: encode state %q: %w", name, err)
	}
	if err := renameio.WriteFile(s.path(name), data, 0o644); err != nil {
		return fmt.Errorf("deps: write state %q: %w", name, err)
	}
	return nil
}

// Delete removes the stored state for name. Absent entries are no-ops.
func (s *StateStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deps: delete state %q: %w", name, err)
	}
	return nil
}

// path maps a logical environment name to a flat filename. Separators are
// normalized so names like "team/app" cannot escape the state directory.
func (s *StateStore) path(name string) string {
	safe := strings.ReplaceAll(name, "/", "_")
	safe = strings.ReplaceAll(safe, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}
