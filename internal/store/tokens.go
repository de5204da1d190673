// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const tokenColumns = `id, name, token_hash, scopes, last_used_at, expires_at, revoked_at,
	created_at, updated_at`

var (
	// ErrTokenInvalid is returned when no live token matches the presented secret.
	ErrTokenInvalid = errors.New("store: token invalid")
	// ErrTokenExpired is returned when the matched token is past its expiry.
	ErrTokenExpired = errors.New("store: token expired")
	// ErrTokenRevoked is returned when the matched token has been revoked.
	ErrTokenRevoked = errors.New("store: token revoked")
)

// HashToken derives the at-rest digest of a raw bearer secret.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateToken mints a new bearer token with the given scopes. The returned
// secret is shown exactly once; only its SHA-256 digest is stored.
func (s *Store) CreateToken(ctx context.Context, name string, scopes []string, ttl time.Duration) (AuthToken, string, error) {
	if name == "" {
		return AuthToken{}, "", fmt.Errorf("store: token name must not be empty")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return AuthToken{}, "", fmt.Errorf("store: entropy unavailable: %w", err)
	}
	secret := "dbg_" + base64.RawURLEncoding.EncodeToString(buf)

	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return AuthToken{}, "", fmt.Errorf("store: encode scopes: %w", err)
	}
	now := s.now()
	var expires any
	if ttl > 0 {
		expires = fmtTime(now.Add(ttl))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (name, token_hash, scopes, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, HashToken(secret), string(scopesJSON), expires, fmtTime(now), fmtTime(now))
	if err != nil {
		return AuthToken{}, "", fmt.Errorf("store: create token %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AuthToken{}, "", fmt.Errorf("store: create token %q: %w", name, err)
	}
	tok, err := s.GetToken(ctx, id)
	if err != nil {
		return AuthToken{}, "", err
	}
	return tok, secret, nil
}

// BootstrapToken stores a caller-chosen secret under the given name unless
// a token of that name already exists. Used to provision the first admin
// credential from the environment.
func (s *Store) BootstrapToken(ctx context.Context, name, secret string, scopes []string) error {
	if name == "" || secret == "" {
		return fmt.Errorf("store: bootstrap token needs name and secret")
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("store: encode scopes: %w", err)
	}
	now := fmtTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_tokens (name, token_hash, scopes, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM auth_tokens WHERE name = ?)`,
		name, HashToken(secret), string(scopesJSON), now, now, name)
	if err != nil {
		return fmt.Errorf("store: bootstrap token %q: %w", name, err)
	}
	return nil
}

// Authenticate resolves a raw bearer secret to its token row, enforcing
// revocation and expiry, and bumps last_used_at. Lookup is by digest so no
// plaintext comparison ever happens.
func (s *Store) Authenticate(ctx context.Context, secret string) (AuthToken, error) {
	if secret == "" {
		return AuthToken{}, ErrTokenInvalid
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE token_hash = ?`, HashToken(secret))
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthToken{}, ErrTokenInvalid
	}
	if err != nil {
		return AuthToken{}, err
	}
	now := s.now()
	if tok.RevokedAt != nil {
		return AuthToken{}, ErrTokenRevoked
	}
	if tok.ExpiresAt != nil && tok.ExpiresAt.Before(now) {
		return AuthToken{}, ErrTokenExpired
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET last_used_at = ?, updated_at = ? WHERE id = ?`,
		fmtTime(now), fmtTime(now), tok.ID)
	if err != nil {
		return AuthToken{}, fmt.Errorf("store: bump token usage: %w", err)
	}
	t := now
	tok.LastUsedAt = &t
	return tok, nil
}

// GetToken returns the token row with the given id.
func (s *Store) GetToken(ctx context.Context, id int64) (AuthToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens WHERE id = ?`, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthToken{}, fmt.Errorf("store: token %d: %w", id, ErrNotFound)
	}
	return tok, err
}

// ListTokens returns all token rows ordered by name.
func (s *Store) ListTokens(ctx context.Context) ([]AuthToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM auth_tokens ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AuthToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// RevokeToken marks a token as revoked. Revocation is permanent and
// idempotent on already-revoked tokens.
func (s *Store) RevokeToken(ctx context.Context, id int64) error {
	now := fmtTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_tokens SET revoked_at = COALESCE(revoked_at, ?), updated_at = ?
		WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("store: revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("store: token %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanToken(row rowScanner) (AuthToken, error) {
	var (
		tok               AuthToken
		scopes            string
		lastUsed, expires sql.NullString
		revoked           sql.NullString
		created, updated  sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.Name, &tok.TokenHash, &scopes, &lastUsed, &expires,
		&revoked, &created, &updated); err != nil {
		return AuthToken{}, err
	}
	if err := json.Unmarshal([]byte(scopes), &tok.Scopes); err != nil {
		return AuthToken{}, fmt.Errorf("store: decode scopes: %w", err)
	}

	var err error
	if tok.LastUsedAt, err = scanTime(lastUsed); err != nil {
		return AuthToken{}, err
	}
	if tok.ExpiresAt, err = scanTime(expires); err != nil {
		return AuthToken{}, err
	}
	if tok.RevokedAt, err = scanTime(revoked); err != nil {
		return AuthToken{}, err
	}
	if tok.CreatedAt, err = mustScanTime(created); err != nil {
		return AuthToken{}, err
	}
	if tok.UpdatedAt, err = mustScanTime(updated); err != nil {
		return AuthToken{}, err
	}
	return tok, nil
}
