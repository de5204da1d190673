// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// PatchError reports a diff that could not be verified or applied. The
// session stays in its prior state; no command row is created.
type PatchError struct {
	Hash   string
	Detail string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("runner: patch %s failed: %s", e.Hash[:12], e.Detail)
}

// SavePatch writes the diff content-addressed under root as
// <sha12>.patch and returns the full SHA-256 hash plus the file path.
// Saving the same diff twice is a no-op.
func SavePatch(root, text string) (string, string, error) {
	if strings.TrimSpace(text) == "" {
		return "", "", fmt.Errorf("runner: patch text must not be empty")
	}
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(root, hash[:12]+".patch")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", "", fmt.Errorf("runner: create patches root: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return hash, path, nil
	}
	if err := renameio.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", "", fmt.Errorf("runner: write patch: %w", err)
	}
	return hash, path, nil
}

// PatchPath maps a stored patch hash back to its file.
func PatchPath(root, hash string) string {
	return filepath.Join(root, hash[:12]+".patch")
}

// ApplyPatch verifies the diff against the worktree with a dry run, then
// applies it. Either failure surfaces as *PatchError.
func ApplyPatch(ctx context.Context, worktree, patchPath, hash string) error {
	if out, err := gitApply(ctx, worktree, patchPath, true); err != nil {
		return &PatchError{Hash: hash, Detail: fmt.Sprintf("check: %s", out)}
	}
	if out, err := gitApply(ctx, worktree, patchPath, false); err != nil {
		return &PatchError{Hash: hash, Detail: fmt.Sprintf("apply: %s", out)}
	}
	return nil
}

func gitApply(ctx context.Context, worktree, patchPath string, check bool) (string, error) {
	args := []string{"apply"}
	if check {
		args = append(args, "--check")
	}
	args = append(args, patchPath)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = worktree
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}
