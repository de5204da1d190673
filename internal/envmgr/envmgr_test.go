// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package envmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "envs"))
	require.NoError(t, err)

	// Use a fake interpreter so the test does not depend on host pythons.
	fake := filepath.Join(t.TempDir(), "python3")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o755))
	m.lookPath = func(string) (string, error) { return fake, nil }
	return m
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "requirements.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestEnsureBuildsAndReuses(t *testing.T) {
	m := newTestManager(t)
	manifest := writeManifest(t, "flask==3.0\n")

	h1, err := m.Ensure(Request{Name: "app", Manifests: []string{manifest}})
	require.NoError(t, err)
	assert.NotEmpty(t, h1.Fingerprint)
	assert.Equal(t, filepath.Join(h1.Path, "bin"), h1.BinPath)

	for _, alias := range []string{"python", "python3"} {
		_, err := os.Lstat(filepath.Join(h1.BinPath, alias))
		require.NoError(t, err)
	}

	// Drop a marker; an unchanged fingerprint must not rebuild.
	marker := filepath.Join(h1.Path, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	h2, err := m.Ensure(Request{Name: "app", Manifests: []string{manifest}})
	require.NoError(t, err)
	assert.Equal(t, h1.Fingerprint, h2.Fingerprint)
	_, err = os.Stat(marker)
	require.NoError(t, err)
}

func TestEnsureRebuildsOnFingerprintChange(t *testing.T) {
	m := newTestManager(t)
	manifest := writeManifest(t, "flask==3.0\n")

	h1, err := m.Ensure(Request{Name: "app", Manifests: []string{manifest}})
	require.NoError(t, err)
	marker := filepath.Join(h1.Path, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	require.NoError(t, os.WriteFile(manifest, []byte("flask==3.1\n"), 0o644))
	h2, err := m.Ensure(Request{Name: "app", Manifests: []string{manifest}})
	require.NoError(t, err)
	assert.NotEqual(t, h1.Fingerprint, h2.Fingerprint)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureForceRebuilds(t *testing.T) {
	m := newTestManager(t)

	h1, err := m.Ensure(Request{Name: "bare"})
	require.NoError(t, err)
	assert.Empty(t, h1.Fingerprint)
	marker := filepath.Join(h1.Path, "marker")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	_, err = m.Ensure(Request{Name: "bare", Force: true})
	require.NoError(t, err)
	_, err = os.Stat(marker)
	assert.True(t, os.IsNotExist(err))
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)

	h, err := m.Ensure(Request{Name: "gone"})
	require.NoError(t, err)
	require.NoError(t, m.Remove("gone"))
	_, err = os.Stat(h.Path)
	assert.True(t, os.IsNotExist(err))
}
