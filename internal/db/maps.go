package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/revalidate/internal/types"
)

// -----------------------------------------------------------------------------
// Map Methods
// -----------------------------------------------------------------------------

const mapColumns = `id, sha256, game_version, map_uid, name, deformatted_name, environment, mode,
	author_time, author_score, nb_laps, thumbnail, file_id, user_uploaded, external_id, created_at`

func scanMap(ctx context.Context, q querier, row pgx.Row) (*types.Map, error) {
	var m types.Map
	var fileID *uuid.UUID
	if err := row.Scan(&m.ID, &m.Hash, &m.GameVersion, &m.MapUID, &m.Name, &m.DeformattedName,
		&m.EnvironmentID, &m.ModeID, &m.AuthorTime, &m.AuthorScore, &m.NbLaps, &m.Thumbnail,
		&fileID, &m.UserUploaded, &m.ExternalID, &m.CreatedAt); err != nil {
		return nil, err
	}
	file, err := fileMeta(ctx, q, fileID)
	if err != nil {
		return nil, err
	}
	m.File = file
	return &m, nil
}

func getMap(ctx context.Context, q querier, id *uuid.UUID) (*types.Map, error) {
	if id == nil {
		return nil, nil
	}
	m, err := scanMap(ctx, q, q.QueryRow(ctx, `SELECT `+mapColumns+` FROM maps WHERE id = $1`, *id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get map %s: %w", *id, err)
	}
	return m, nil
}

// FindMapByHash returns the oldest map stored with the given content hash.
func (db *DB) FindMapByHash(ctx context.Context, hash string) (*types.Map, error) {
	m, err := scanMap(ctx, db.pool, db.pool.QueryRow(ctx,
		`SELECT `+mapColumns+` FROM maps WHERE sha256 = $1 ORDER BY created_at, id LIMIT 1`, hash))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find map by hash: %w", err)
	}
	return m, nil
}

// FindMaps returns every map stored for (gameVersion, uid), oldest first.
func (db *DB) FindMaps(ctx context.Context, gameVersion types.GameVersion, uid string) ([]*types.Map, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+mapColumns+` FROM maps WHERE game_version = $1 AND map_uid = $2 ORDER BY created_at, id`,
		gameVersion, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to find maps: %w", err)
	}

	var fileIDs []*uuid.UUID
	var out []*types.Map
	for rows.Next() {
		var m types.Map
		var fileID *uuid.UUID
		if err := rows.Scan(&m.ID, &m.Hash, &m.GameVersion, &m.MapUID, &m.Name, &m.DeformattedName,
			&m.EnvironmentID, &m.ModeID, &m.AuthorTime, &m.AuthorScore, &m.NbLaps, &m.Thumbnail,
			&fileID, &m.UserUploaded, &m.ExternalID, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan map: %w", err)
		}
		out = append(out, &m)
		fileIDs = append(fileIDs, fileID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate maps: %w", err)
	}

	for i, m := range out {
		if m.File, err = fileMeta(ctx, db.pool, fileIDs[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateMap stores a map and its file.
func (db *DB) CreateMap(ctx context.Context, m *types.Map) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.Must(uuid.NewV7())
	}
	return db.inTx(ctx, func(tx pgx.Tx) error {
		var fileID *uuid.UUID
		if m.File != nil {
			if err := upsertFile(ctx, tx, m.File); err != nil {
				return err
			}
			fileID = &m.File.ID
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO maps (`+mapColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			m.ID, m.Hash, m.GameVersion, m.MapUID, m.Name, m.DeformattedName, m.EnvironmentID, m.ModeID,
			m.AuthorTime, m.AuthorScore, m.NbLaps, m.Thumbnail, fileID, m.UserUploaded, m.ExternalID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create map %s: %w", m.MapUID, err)
		}
		return nil
	})
}
