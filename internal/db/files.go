package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/revalidate/internal/types"
)

// -----------------------------------------------------------------------------
// File Methods
// -----------------------------------------------------------------------------

// upsertFile stores b unless a file with the same hash exists. b takes the
// identity of the stored file either way.
func upsertFile(ctx context.Context, q querier, b *types.Blob) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.Must(uuid.NewV7())
	}
	err := q.QueryRow(ctx,
		`INSERT INTO files (id, sha256, data, etag, last_modified_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (sha256) DO UPDATE SET sha256 = EXCLUDED.sha256
		 RETURNING id, etag, last_modified_at`,
		b.ID, b.Hash, b.Data, b.ETag, b.LastModifiedAt,
	).Scan(&b.ID, &b.ETag, &b.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to store file %s: %w", b.Hash, err)
	}
	return nil
}

// fileMeta loads a file without its content.
func fileMeta(ctx context.Context, q querier, id *uuid.UUID) (*types.Blob, error) {
	if id == nil {
		return nil, nil
	}
	var b types.Blob
	err := q.QueryRow(ctx,
		`SELECT id, sha256, etag, last_modified_at FROM files WHERE id = $1`, *id,
	).Scan(&b.ID, &b.Hash, &b.ETag, &b.LastModifiedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file %s: %w", *id, err)
	}
	return &b, nil
}

// GetBlob loads a file with its content.
func (db *DB) GetBlob(ctx context.Context, id uuid.UUID) (*types.Blob, error) {
	var b types.Blob
	err := db.pool.QueryRow(ctx,
		`SELECT id, sha256, data, etag, last_modified_at FROM files WHERE id = $1`, id,
	).Scan(&b.ID, &b.Hash, &b.Data, &b.ETag, &b.LastModifiedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	return &b, nil
}

// SaveLog stores validator output and returns its id.
func (db *DB) SaveLog(ctx context.Context, content string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO validation_logs (content) VALUES ($1) RETURNING id`, content,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save validation log: %w", err)
	}
	return id, nil
}

// GetLog returns a stored validator log, or "" and false.
func (db *DB) GetLog(ctx context.Context, id int64) (string, bool, error) {
	var content string
	err := db.pool.QueryRow(ctx, `SELECT content FROM validation_logs WHERE id = $1`, id).Scan(&content)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get validation log %d: %w", id, err)
	}
	return content, true, nil
}
