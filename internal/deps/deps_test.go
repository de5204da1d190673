// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package deps

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestHashDeterministicAndOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")
	b := writeManifest(t, dir, "constraints.txt", "werkzeug<4\n")

	h1, err := Hash([]string{a, b}, map[string]string{"python": "3.12"})
	require.NoError(t, err)
	h2, err := Hash([]string{b, a}, map[string]string{"python": "3.12"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashSensitiveToContentAndMetadata(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")

	base, err := Hash([]string{a}, nil)
	require.NoError(t, err)

	withMeta, err := Hash([]string{a}, map[string]string{"python": "3.12"})
	require.NoError(t, err)
	assert.NotEqual(t, base, withMeta)

	// Content change must change the digest even with the same mtime.
	info, err := os.Stat(a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a, []byte("flask==3.1\n"), 0o644))
	require.NoError(t, os.Chtimes(a, info.ModTime(), info.ModTime()))
	changed, err := Hash([]string{a}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestHashSensitiveToMtime(t *testing.T) {
	dir := t.TempDir()
	a := writeManifest(t, dir, "requirements.txt", "flask==3.0\n")

	before, err := Hash([]string{a}, nil)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(a, later, later))
	after, err := Hash([]string{a}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestHashMissingManifestFails(t *testing.T) {
	_, err := Hash([]string{filepath.Join(t.TempDir(), "absent.txt")}, nil)
	require.Error(t, err)
}

func TestStateStoreRoundTrip(t *testing.T) {
	store, err := NewStateStore(filepath.Join(t.TempDir(), ".state"))
	require.NoError(t, err)

	_, ok, err := store.Get("app")
	require.NoError(t, err)
	assert.False(t, ok)

	want := EnvState{
		Fingerprint: "abc123",
		BuiltAt:     time.Now().UTC().Truncate(time.Second),
		Metadata:    map[string]string{"python": "3.12"},
	}
	require.NoError(t, store.Put("app", want))

	got, ok, err := store.Get("app")
	require.NoError(t, err)
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("state mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, store.Delete("app"))
	_, ok, err = store.Get("app")
	require.NoError(t, err)
	assert.False(t, ok)
	// Deleting again is fine.
	require.NoError(t, store.Delete("app"))
}

func TestStateStoreNormalizesSlashNames(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".state")
	store, err := NewStateStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Put("team/app", EnvState{Fingerprint: "x"}))
	_, err = os.Stat(filepath.Join(dir, "team_app.json"))
	require.NoError(t, err)

	got, ok, err := store.Get("team/app")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.Fingerprint)
}
