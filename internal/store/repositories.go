// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RepositoryParams describe a repository upsert.
type RepositoryParams struct {
	Name          string
	RemoteURL     string
	DefaultBranch string
	Description   string
	Settings      map[string]string
}

// UpsertRepository creates or updates a repository, idempotent on name.
func (s *Store) UpsertRepository(ctx context.Context, p RepositoryParams) (Repository, error) {
	if p.Name == "" {
		return Repository{}, fmt.Errorf("store: repository name must not be empty")
	}
	settings, err := encodeJSON(p.Settings)
	if err != nil {
		return Repository{}, err
	}
	now := fmtTime(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repositories (name, remote_url, default_branch, description, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			remote_url = excluded.remote_url,
			default_branch = excluded.default_branch,
			description = excluded.description,
			settings = excluded.settings,
			updated_at = excluded.updated_at`,
		p.Name, p.RemoteURL, p.DefaultBranch, nullStr(p.Description), settings, now, now)
	if err != nil {
		return Repository{}, fmt.Errorf("store: upsert repository %q: %w", p.Name, err)
	}
	return s.GetRepositoryByName(ctx, p.Name)
}

// GetRepository returns the repository with the given id.
func (s *Store) GetRepository(ctx context.Context, id int64) (Repository, error) {
	return s.repositoryBy(ctx, "id = ?", id)
}

// GetRepositoryByName returns the repository with the given unique name.
func (s *Store) GetRepositoryByName(ctx context.Context, name string) (Repository, error) {
	return s.repositoryBy(ctx, "name = ?", name)
}

func (s *Store) repositoryBy(ctx context.Context, where string, arg any) (Repository, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, remote_url, default_branch, description, settings, created_at, updated_at
		FROM repositories WHERE `+where, arg)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Repository{}, fmt.Errorf("store: repository %v: %w", arg, ErrNotFound)
	}
	return repo, err
}

// ListRepositories returns all repositories ordered by name.
func (s *Store) ListRepositories(ctx context.Context) ([]Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, remote_url, default_branch, description, settings, created_at, updated_at
		FROM repositories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, repo)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRepository(row rowScanner) (Repository, error) {
	var (
		repo             Repository
		description      sql.NullString
		settings         string
		created, updated sql.NullString
	)
	if err := row.Scan(&repo.ID, &repo.Name, &repo.RemoteURL, &repo.DefaultBranch, &description, &settings, &created, &updated); err != nil {
		return Repository{}, err
	}
	repo.Description = description.String
	m, err := decodeStringMap(settings)
	if err != nil {
		return Repository{}, err
	}
	repo.Settings = m
	if repo.CreatedAt, err = mustScanTime(created); err != nil {
		return Repository{}, err
	}
	if repo.UpdatedAt, err = mustScanTime(updated); err != nil {
		return Repository{}, err
	}
	return repo, nil
}
