package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ideamine/conductor/internal/artifact"
	cerr "github.com/ideamine/conductor/internal/errors"
)

// SaveArtifact persists an artifact. Artifacts are immutable: saving an
// existing ID is rejected by the primary key, which is the point.
func (d *DB) SaveArtifact(ctx context.Context, a *artifact.Artifact, cacheKey string) error {
	prov, err := marshalJSON(a.Provenance)
	if err != nil {
		return err
	}
	_, err = d.driver.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, task_id, phase, type, content_hash,
			size_bytes, storage_uri, content, cache_key, provenance, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, nullIfEmpty(a.TaskID), nullIfEmpty(a.Phase), a.Type,
		a.ContentHash, a.SizeBytes, nullIfEmpty(a.StorageURI), a.Content,
		nullIfEmpty(cacheKey), prov, formatTime(time.Now()))
	if err != nil {
		return cerr.ErrStorageFailed("SaveArtifact", err)
	}
	return nil
}

const artifactColumns = `id, run_id, task_id, phase, type, content_hash,
	size_bytes, storage_uri, content, cache_key, provenance`

// GetArtifact loads an artifact by ID.
func (d *DB) GetArtifact(ctx context.Context, id string) (*artifact.Artifact, error) {
	row := d.driver.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	a, _, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetArtifact", err)
	}
	return a, nil
}

// GetArtifactByCacheKey returns the cached artifact for an idempotent
// invocation within a run, or nil when there is no hit.
func (d *DB) GetArtifactByCacheKey(ctx context.Context, runID, cacheKey string) (*artifact.Artifact, error) {
	row := d.driver.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		WHERE run_id = ? AND cache_key = ?
		ORDER BY created_at DESC LIMIT 1`, runID, cacheKey)
	a, _, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, cerr.ErrStorageFailed("GetArtifactByCacheKey", err)
	}
	return a, nil
}

// ListArtifacts returns artifacts for a run, optionally limited to a phase.
func (d *DB) ListArtifacts(ctx context.Context, runID, phase string) ([]*artifact.Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE run_id = ?`
	args := []any{runID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := d.driver.Query(ctx, query, args...)
	if err != nil {
		return nil, cerr.ErrStorageFailed("ListArtifacts", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []*artifact.Artifact
	for rows.Next() {
		a, _, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, cerr.ErrStorageFailed("ListArtifacts", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func scanArtifact(scan func(...any) error) (*artifact.Artifact, string, error) {
	var a artifact.Artifact
	var taskID, phase, storageURI, cacheKey, prov sql.NullString
	var content []byte

	if err := scan(&a.ID, &a.RunID, &taskID, &phase, &a.Type, &a.ContentHash,
		&a.SizeBytes, &storageURI, &content, &cacheKey, &prov); err != nil {
		return nil, "", err
	}
	a.TaskID = taskID.String
	a.Phase = phase.String
	a.StorageURI = storageURI.String
	a.Content = content
	if err := unmarshalJSON(prov, &a.Provenance); err != nil {
		return nil, "", err
	}
	return &a, cacheKey.String, nil
}
