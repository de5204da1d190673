// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const artifactColumns = `id, session_id, command_id, kind, path, content_type, description,
	size_bytes, checksum_sha256, metadata, created_at, updated_at`

// ArtifactParams describe a produced file to record.
type ArtifactParams struct {
	SessionID      string
	CommandID      *int64
	Kind           ArtifactKind
	Path           string
	ContentType    string
	Description    string
	SizeBytes      *int64
	ChecksumSHA256 string
	Metadata       map[string]string
}

// RecordArtifact inserts an artifact row and returns it.
func (s *Store) RecordArtifact(ctx context.Context, p ArtifactParams) (Artifact, error) {
	if p.Path == "" {
		return Artifact{}, fmt.Errorf("store: artifact path must not be empty")
	}
	if p.Kind == "" {
		p.Kind = ArtifactCustom
	}
	meta, err := encodeJSON(p.Metadata)
	if err != nil {
		return Artifact{}, err
	}
	now := fmtTime(s.now())
	var size any
	if p.SizeBytes != nil {
		size = *p.SizeBytes
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (session_id, command_id, kind, path, content_type, description,
			size_bytes, checksum_sha256, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.CommandID, string(p.Kind), p.Path, nullStr(p.ContentType),
		nullStr(p.Description), size, nullStr(p.ChecksumSHA256), meta, now, now)
	if err != nil {
		return Artifact{}, fmt.Errorf("store: record artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Artifact{}, fmt.Errorf("store: record artifact: %w", err)
	}
	return s.GetArtifact(ctx, id)
}

// GetArtifact returns the artifact with the given id.
func (s *Store) GetArtifact(ctx context.Context, id int64) (Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("store: artifact %d: %w", id, ErrNotFound)
	}
	return a, err
}

// ListArtifacts returns a session's artifacts ordered by id, optionally
// filtered by kind.
func (s *Store) ListArtifacts(ctx context.Context, sessionID string, kind ArtifactKind) ([]Artifact, error) {
	q := `SELECT ` + artifactColumns + ` FROM artifacts WHERE session_id = ?`
	args := []any{sessionID}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (Artifact, error) {
	var (
		a                        Artifact
		commandID                sql.NullInt64
		kind                     string
		contentType, description sql.NullString
		size                     sql.NullInt64
		checksum                 sql.NullString
		meta                     string
		created, updated         sql.NullString
	)
	if err := row.Scan(&a.ID, &a.SessionID, &commandID, &kind, &a.Path, &contentType,
		&description, &size, &checksum, &meta, &created, &updated); err != nil {
		return Artifact{}, err
	}
	if commandID.Valid {
		a.CommandID = &commandID.Int64
	}
	a.Kind = ArtifactKind(kind)
	a.ContentType = contentType.String
	a.Description = description.String
	if size.Valid {
		a.SizeBytes = &size.Int64
	}
	a.ChecksumSHA256 = checksum.String

	var err error
	if a.Metadata, err = decodeStringMap(meta); err != nil {
		return Artifact{}, err
	}
	if a.CreatedAt, err = mustScanTime(created); err != nil {
		return Artifact{}, err
	}
	if a.UpdatedAt, err = mustScanTime(updated); err != nil {
		return Artifact{}, err
	}
	return a, nil
}
