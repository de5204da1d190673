// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/envmgr"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

type dispatcherFixture struct {
	store *store.Store
	disp  *Dispatcher
	bus   *broker.Broker[broker.LogEvent]
	repo  store.Repository
	sha   string
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	origin := t.TempDir()
	git := func(args ...string) string {
		full := append([]string{
			"-c", "user.name=test",
			"-c", "user.email=test@example.com",
			"-c", "init.defaultBranch=main",
		}, args...)
		cmd := exec.Command("git", full...)
		cmd.Dir = origin
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
		return string(out)
	}
	git("init")
	require.NoError(t, os.WriteFile(filepath.Join(origin, "app.py"), []byte("print('v1')\n"), 0o644))
	git("add", ".")
	git("commit", "-m", "v1")
	sha := ""
	{
		cmd := exec.Command("git", "rev-parse", "HEAD")
		cmd.Dir = origin
		out, err := cmd.Output()
		require.NoError(t, err)
		sha = string(out[:40])
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "debugd.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := st.UpsertRepository(context.Background(), store.RepositoryParams{
		Name: "demo", RemoteURL: origin, DefaultBranch: "main",
	})
	require.NoError(t, err)

	root := t.TempDir()
	pool, err := workspace.NewPool(workspace.Config{
		ReposRoot:     filepath.Join(root, "repos"),
		WorktreesRoot: filepath.Join(root, "worktrees"),
		MaxWorktrees:  4,
		LeaseTTL:      time.Hour,
	}, st)
	require.NoError(t, err)

	envs, err := envmgr.New(filepath.Join(root, "envs"))
	require.NoError(t, err)

	bus := broker.New[broker.LogEvent](256, 256)
	sup := NewSupervisor(st, filepath.Join(root, "logs"), bus, 30*time.Second)
	disp := NewDispatcher(st, pool, envs, sup, filepath.Join(root, "patches"), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	disp.Start(ctx)
	t.Cleanup(disp.Shutdown)

	return &dispatcherFixture{store: st, disp: disp, bus: bus, repo: repo, sha: sha}
}

func (f *dispatcherFixture) enqueue(t *testing.T, sess store.Session, spec CommandSpec) store.Command {
	t.Helper()
	cmd, err := f.store.CreateCommand(context.Background(), store.CommandParams{
		SessionID: sess.ID, Command: spec.String(), Env: spec.Env,
	})
	require.NoError(t, err)
	require.NoError(t, f.disp.Enqueue(sess, cmd, spec))
	return cmd
}

func waitForStatus(t *testing.T, st *store.Store, commandID int64, want store.CommandStatus) store.Command {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		cmd, err := st.GetCommand(context.Background(), commandID)
		require.NoError(t, err)
		if cmd.Status == want {
			return cmd
		}
		if cmd.Status.Terminal() {
			t.Fatalf("command %d reached %s, want %s", commandID, cmd.Status, want)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("command %d never reached %s", commandID, want)
	return store.Command{}
}

func TestDispatcherExecutesCommandsInOrder(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	sess, err := f.store.CreateSession(ctx, store.SessionParams{
		RepositoryID: f.repo.ID, CommitSHA: f.sha,
	})
	require.NoError(t, err)

	first := f.enqueue(t, sess, CommandSpec{Argv: []string{"sh", "-c", "echo first"}})
	second := f.enqueue(t, sess, CommandSpec{Argv: []string{"sh", "-c", "echo second"}})

	got1 := waitForStatus(t, f.store, first.ID, store.CommandSucceeded)
	got2 := waitForStatus(t, f.store, second.ID, store.CommandSucceeded)
	require.NotNil(t, got1.CompletedAt)
	require.NotNil(t, got2.StartedAt)
	assert.False(t, got2.StartedAt.Before(*got1.CompletedAt), "second command must start after first completes")

	// Output order on the bus matches execution order.
	var texts []string
	for _, ev := range f.bus.History(sess.ID) {
		texts = append(texts, ev.Text)
	}
	assert.Equal(t, []string{"first\n", "second\n"}, texts)

	// The session is running with its worktree attached.
	gotSess, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, gotSess.Status)
	assert.NotNil(t, gotSess.WorktreeID)
}

func TestDispatcherAppliesSessionPatchOnce(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	patchesRoot := f.disp.patchesRoot
	hash, _, err := SavePatch(patchesRoot, helloPatch)
	require.NoError(t, err)

	sess, err := f.store.CreateSession(ctx, store.SessionParams{
		RepositoryID: f.repo.ID, CommitSHA: f.sha, PatchHash: hash,
	})
	require.NoError(t, err)

	cmd := f.enqueue(t, sess, CommandSpec{Argv: []string{"cat", "app.py"}})
	got := waitForStatus(t, f.store, cmd.ID, store.CommandSucceeded)

	data, err := os.ReadFile(got.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "print('patched')")
}

func TestDispatcherFailsSessionOnBadPatch(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	bad := `diff --git a/missing.py b/missing.py
--- a/missing.py
+++ b/missing.py
@@ -1 +1,2 @@
 print('v1')
+print('patched')
`
	hash, _, err := SavePatch(f.disp.patchesRoot, bad)
	require.NoError(t, err)

	sess, err := f.store.CreateSession(ctx, store.SessionParams{
		RepositoryID: f.repo.ID, CommitSHA: f.sha, PatchHash: hash,
	})
	require.NoError(t, err)

	cmd := f.enqueue(t, sess, CommandSpec{Argv: []string{"true"}})
	_ = waitForStatus(t, f.store, cmd.ID, store.CommandCancelled)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := f.store.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		if got.Status == store.SessionFailed {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("session never failed after patch error")
}

func TestDispatcherCancelSession(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	sess, err := f.store.CreateSession(ctx, store.SessionParams{
		RepositoryID: f.repo.ID, CommitSHA: f.sha,
	})
	require.NoError(t, err)

	cmd := f.enqueue(t, sess, CommandSpec{Argv: []string{"sh", "-c", "echo ok"}})
	waitForStatus(t, f.store, cmd.ID, store.CommandSucceeded)

	require.NoError(t, f.disp.CancelSession(ctx, sess.ID))
	got, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCancelled, got.Status)

	// Cancelling again is a no-op.
	require.NoError(t, f.disp.CancelSession(ctx, sess.ID))
}
