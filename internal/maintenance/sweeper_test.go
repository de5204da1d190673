// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

func newFixture(t *testing.T) (*Sweeper, *store.Store, *workspace.Pool) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "meta.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool, err := workspace.NewPool(workspace.Config{
		ReposRoot:     filepath.Join(dir, "repos"),
		WorktreesRoot: filepath.Join(dir, "worktrees"),
		MaxWorktrees:  4,
		LeaseTTL:      time.Minute,
	}, st)
	require.NoError(t, err)

	logBus := broker.New[broker.LogEvent](256, 16)
	debugBus := broker.New[broker.DebugEvent](256, 16)
	return New(st, pool, logBus, debugBus, time.Minute, time.Hour), st, pool
}

func seedSession(t *testing.T, st *store.Store, ttl time.Duration) store.Session {
	t.Helper()
	ctx := context.Background()
	repo, err := st.UpsertRepository(ctx, store.RepositoryParams{
		Name:      "demo",
		RemoteURL: "https://example.com/demo.git",
	})
	require.NoError(t, err)
	session, err := st.CreateSession(ctx, store.SessionParams{
		RepositoryID: repo.ID,
		CommitSHA:    "abc1234",
		TTL:          ttl,
	})
	require.NoError(t, err)
	return session
}

func TestSweepFinalizesExpiredSession(t *testing.T) {
	sw, st, _ := newFixture(t)
	ctx := context.Background()

	session := seedSession(t, st, time.Minute)
	cmd, err := st.CreateCommand(ctx, store.CommandParams{
		SessionID: session.ID,
		Command:   "echo hi",
	})
	require.NoError(t, err)

	base := time.Now().UTC()
	st.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	sw.Sweep(ctx)

	got, err := st.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, store.SessionCompleted, got.Status)

	gotCmd, err := st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, store.CommandCancelled, gotCmd.Status)
}

func TestSweepIgnoresLiveSessions(t *testing.T) {
	sw, st, _ := newFixture(t)
	ctx := context.Background()

	session := seedSession(t, st, time.Hour)
	sw.Sweep(ctx)

	got, err := st.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, store.SessionPending, got.Status)
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	sw, st, _ := newFixture(t)
	ctx := context.Background()

	repo, err := st.UpsertRepository(ctx, store.RepositoryParams{
		Name:      "leases",
		RemoteURL: "https://example.com/leases.git",
	})
	require.NoError(t, err)
	wt, err := st.RegisterWorktree(ctx, repo.ID, filepath.Join(t.TempDir(), "wt-1"))
	require.NoError(t, err)
	_, err = st.ReserveWorktree(ctx, repo.ID, "owner", time.Minute)
	require.NoError(t, err)

	base := time.Now().UTC()
	st.SetClock(func() time.Time { return base.Add(2 * time.Minute) })
	sw.Sweep(ctx)

	got, err := st.GetWorktree(ctx, wt.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorktreeIdle, got.Status)
}
