// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfineRelPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs", "sess-1"), 0o755))
	safe := filepath.Join(root, "logs", "sess-1", "0-echo.log")
	require.NoError(t, os.WriteFile(safe, []byte("ok"), 0o644))
	require.NoError(t, os.Symlink("..", filepath.Join(root, "escape")))

	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"existing file", "logs/sess-1/0-echo.log", false},
		{"missing file under existing dir", "logs/sess-1/1-pytest.log", false},
		{"dotdot traversal", "../outside", true},
		{"nested dotdot", "logs/../../outside", true},
		{"absolute target", "/etc/passwd", true},
		{"backslash", "logs\\sess-1", true},
		{"symlink escape", "escape/secrets", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfineRelPath(root, tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(got))
		})
	}
}

func TestConfineAbsPath(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "artifact.log")
	require.NoError(t, os.WriteFile(inside, []byte("ok"), 0o644))

	got, err := ConfineAbsPath(root, inside)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = ConfineAbsPath(root, filepath.Join(root, "..", "outside"))
	require.Error(t, err)

	_, err = ConfineAbsPath(root, "relative/path")
	require.Error(t, err)
}

func TestIsRegularFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, IsRegularFile(file))
	require.Error(t, IsRegularFile(root))
	require.Error(t, IsRegularFile(filepath.Join(root, "missing")))
}
