// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/debugd/internal/auth"
	"github.com/ManuGH/debugd/internal/broker"
	"github.com/ManuGH/debugd/internal/config"
	"github.com/ManuGH/debugd/internal/debugger"
	"github.com/ManuGH/debugd/internal/envmgr"
	"github.com/ManuGH/debugd/internal/runner"
	"github.com/ManuGH/debugd/internal/store"
	"github.com/ManuGH/debugd/internal/workspace"
)

type fixture struct {
	server *Server
	ts     *httptest.Server
	store  *store.Store
	logBus *broker.Broker[broker.LogEvent]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "meta.db")
	cfg.ArtifactsRoot = filepath.Join(dir, "artifacts")
	cfg.EnvsRoot = filepath.Join(dir, "envs")
	cfg.ReposRoot = filepath.Join(dir, "repos")
	cfg.WorktreesRoot = filepath.Join(dir, "worktrees")

	st, err := store.Open(cfg.DBPath, store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pool, err := workspace.NewPool(workspace.Config{
		ReposRoot:     cfg.ReposRoot,
		WorktreesRoot: cfg.WorktreesRoot,
		MaxWorktrees:  4,
		LeaseTTL:      cfg.LeaseTTL,
	}, st)
	require.NoError(t, err)

	envs, err := envmgr.New(cfg.EnvsRoot)
	require.NoError(t, err)

	logBus := broker.New[broker.LogEvent](256, 16)
	debugBus := broker.New[broker.DebugEvent](256, 16)

	sup := runner.NewSupervisor(st, cfg.LogsRoot(), logBus, cfg.CommandTimeout)
	disp := runner.NewDispatcher(st, pool, envs, sup, cfg.PatchesRoot(), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	disp.Start(ctx)
	t.Cleanup(func() {
		cancel()
		disp.Shutdown()
	})

	srv := New(cfg, Deps{
		Store:      st,
		Pool:       pool,
		Dispatcher: disp,
		Debugger:   debugger.NewManager(st, debugBus, "127.0.0.1"),
		LogBus:     logBus,
		DebugBus:   debugBus,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, ts: ts, store: st, logBus: logBus}
}

func (f *fixture) mintToken(t *testing.T, name string, scopes ...string) string {
	t.Helper()
	_, secret, err := f.store.CreateToken(context.Background(), name, scopes, 0)
	require.NoError(t, err)
	return secret
}

func (f *fixture) do(t *testing.T, method, path, secret string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRepositoryInitAndSessionCreate(t *testing.T) {
	f := newFixture(t)
	admin := f.mintToken(t, "admin", auth.ScopeAdmin)

	resp := f.do(t, http.MethodPost, "/repository/init", admin, map[string]any{
		"name":           "demo",
		"remote_url":     "https://example.com/demo.git",
		"default_branch": "main",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	repo := decode[store.Repository](t, resp)
	assert.Equal(t, "demo", repo.Name)

	resp = f.do(t, http.MethodPost, "/sessions", admin, map[string]any{
		"repository": "demo",
		"commit_sha": "abc1234",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[store.Session](t, resp)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, store.SessionPending, session.Status)
	assert.Equal(t, "abc1234", session.CommitSHA)
}

func TestRequestsWithoutTokenAreUnauthorized(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/sessions", "", nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevokedTokenIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok, secret, err := f.store.CreateToken(ctx, "doomed", []string{auth.ScopeSessionsRead}, 0)
	require.NoError(t, err)
	require.NoError(t, f.store.RevokeToken(ctx, tok.ID))

	resp := f.do(t, http.MethodGet, "/sessions", secret, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenScopeEnforcement(t *testing.T) {
	f := newFixture(t)
	admin := f.mintToken(t, "admin", auth.ScopeAdmin)
	reader := f.mintToken(t, "reader", auth.ScopeSessionsRead)

	resp := f.do(t, http.MethodPost, "/repository/init", admin, map[string]any{
		"name":       "demo",
		"remote_url": "/nonexistent/demo.git",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/sessions", admin, map[string]any{
		"repository": "demo",
		"commit_sha": "abc1234",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[store.Session](t, resp)

	// Reader may fetch the session.
	resp = f.do(t, http.MethodGet, "/sessions/"+session.ID, reader, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Reader may not queue commands.
	resp = f.do(t, http.MethodPost, "/sessions/"+session.ID+"/commands", reader, map[string]any{
		"argv": []string{"true"},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	// Admin is a superset of every scope.
	resp = f.do(t, http.MethodPost, "/sessions/"+session.ID+"/commands", admin, map[string]any{
		"argv": []string{"true"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	cmd := decode[store.Command](t, resp)
	assert.Equal(t, int64(0), cmd.Sequence)
}

func TestCommandValidationRejected(t *testing.T) {
	f := newFixture(t)
	admin := f.mintToken(t, "admin", auth.ScopeAdmin)

	resp := f.do(t, http.MethodPost, "/repository/init", admin, map[string]any{
		"name":       "demo",
		"remote_url": "/nonexistent/demo.git",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/sessions", admin, map[string]any{
		"repository": "demo",
		"commit_sha": "abc1234",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[store.Session](t, resp)

	resp = f.do(t, http.MethodPost, "/sessions/"+session.ID+"/commands", admin, map[string]any{
		"argv": []string{},
	})
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t)
	reader := f.mintToken(t, "reader", auth.ScopeSessionsRead)

	resp := f.do(t, http.MethodGet, "/sessions/doesnotexist", reader, nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWhoami(t *testing.T) {
	f := newFixture(t)
	secret := f.mintToken(t, "ci-bot", auth.ScopeSessionsRead, auth.ScopeArtifactsRead)

	resp := f.do(t, http.MethodGet, "/whoami", secret, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ci-bot", body["name"])
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestTokenLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	admin := f.mintToken(t, "admin", auth.ScopeAdmin)

	resp := f.do(t, http.MethodPost, "/auth/tokens", admin, map[string]any{
		"name":   "worker",
		"scopes": []string{auth.ScopeCommandsWrite},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[tokenCreateResponse](t, resp)
	assert.NotEmpty(t, created.Secret)

	// The list never carries secrets.
	resp = f.do(t, http.MethodGet, "/auth/tokens", admin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tokens := decode[[]map[string]any](t, resp)
	require.Len(t, tokens, 2)
	for _, tok := range tokens {
		assert.NotContains(t, tok, "secret")
		assert.NotContains(t, tok, "token_hash")
	}

	resp = f.do(t, http.MethodDelete, "/auth/tokens/"+itoa(created.ID), admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	// The revoked secret no longer authenticates.
	resp = f.do(t, http.MethodGet, "/whoami", created.Secret, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
