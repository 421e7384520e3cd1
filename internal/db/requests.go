package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/revalidate/internal/types"
)

// -----------------------------------------------------------------------------
// Request Methods
// -----------------------------------------------------------------------------

// CreateRequest stores the request, inserts its new jobs and links the ones
// that already exist.
func (db *DB) CreateRequest(ctx context.Context, req *types.ValidationRequest) error {
	warnings, err := marshalBag(req.Warnings)
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO validation_requests (id, created_at, completed_at, warnings) VALUES ($1, $2, $3, $4)`,
			req.ID, req.CreatedAt, req.CompletedAt, warnings,
		); err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		for i, job := range req.Jobs {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM validation_jobs WHERE id = $1)`, job.ID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check job %s: %w", job.ID, err)
			}
			if !exists {
				if err := insertJob(ctx, tx, job); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx,
				`INSERT INTO request_jobs (request_id, job_id, position) VALUES ($1, $2, $3)
				 ON CONFLICT DO NOTHING`,
				req.ID, job.ID, i,
			); err != nil {
				return fmt.Errorf("failed to link job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// GetRequest retrieves a request with its jobs in submission order.
func (db *DB) GetRequest(ctx context.Context, id uuid.UUID) (*types.ValidationRequest, error) {
	var req types.ValidationRequest
	var warnings []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, created_at, completed_at, warnings FROM validation_requests WHERE id = $1`, id,
	).Scan(&req.ID, &req.CreatedAt, &req.CompletedAt, &warnings)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	req.Warnings = unmarshalBag(warnings)

	jobs, err := db.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs
		 JOIN request_jobs ON request_jobs.job_id = validation_jobs.id
		 WHERE request_jobs.request_id = $1
		 ORDER BY request_jobs.position`,
		id)
	if err != nil {
		return nil, err
	}
	req.Jobs = jobs
	return &req, nil
}

// DeleteRequest removes a request and its job links. Jobs are kept.
func (db *DB) DeleteRequest(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM validation_requests WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete request: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteRequest stamps the completion time if it is not set yet.
func (db *DB) CompleteRequest(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE validation_requests SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to complete request: %w", err)
	}
	return nil
}

// SettleRequests stamps every open request whose jobs are all terminal.
func (db *DB) SettleRequests(ctx context.Context, at time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE validation_requests r SET completed_at = $1
		 WHERE r.completed_at IS NULL
		   AND NOT EXISTS (
		       SELECT 1 FROM request_jobs rj
		       JOIN validation_jobs j ON j.id = rj.job_id
		       WHERE rj.request_id = r.id AND j.status NOT IN ('completed', 'failed'))`,
		at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to settle requests: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
