package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/revalidate/internal/types"
)

// -----------------------------------------------------------------------------
// Distro Run Methods
// -----------------------------------------------------------------------------

const runColumns = `id, job_id, distro_id, status, started_at, completed_at, is_valid, is_valid_extracted,
	declared_nb_checkpoints, declared_nb_respawns, declared_time, declared_score,
	validated_nb_checkpoints, validated_nb_respawns, validated_time, validated_score,
	account_id, inputs_result, description, raw_json, log_id`

// SaveDistroRun inserts or updates the run for (JobID, DistroID).
func (db *DB) SaveDistroRun(ctx context.Context, run *types.DistroRun) error {
	return saveDistroRun(ctx, db.pool, run)
}

func saveDistroRun(ctx context.Context, q querier, run *types.DistroRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.Must(uuid.NewV7())
	}

	args := []any{run.ID, run.JobID, run.DistroID, run.Status, run.StartedAt, run.CompletedAt, run.IsValid, run.IsValidExtracted}
	args = append(args, resultArgs(run.Declared)...)
	args = append(args, resultArgs(run.Validated)...)
	args = append(args, run.AccountID, run.InputsResult, run.Desc, run.RawJSON, run.LogID)

	err := q.QueryRow(ctx,
		`INSERT INTO distro_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		 ON CONFLICT (job_id, distro_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     started_at = EXCLUDED.started_at,
		     completed_at = EXCLUDED.completed_at,
		     is_valid = EXCLUDED.is_valid,
		     is_valid_extracted = EXCLUDED.is_valid_extracted,
		     declared_nb_checkpoints = EXCLUDED.declared_nb_checkpoints,
		     declared_nb_respawns = EXCLUDED.declared_nb_respawns,
		     declared_time = EXCLUDED.declared_time,
		     declared_score = EXCLUDED.declared_score,
		     validated_nb_checkpoints = EXCLUDED.validated_nb_checkpoints,
		     validated_nb_respawns = EXCLUDED.validated_nb_respawns,
		     validated_time = EXCLUDED.validated_time,
		     validated_score = EXCLUDED.validated_score,
		     account_id = EXCLUDED.account_id,
		     inputs_result = EXCLUDED.inputs_result,
		     description = EXCLUDED.description,
		     raw_json = EXCLUDED.raw_json,
		     log_id = EXCLUDED.log_id
		 RETURNING id`,
		args...).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to save %s run of job %s: %w", run.DistroID, run.JobID, err)
	}
	return nil
}

func listDistroRuns(ctx context.Context, q querier, jobID uuid.UUID) ([]*types.DistroRun, error) {
	rows, err := q.Query(ctx,
		`SELECT `+runColumns+` FROM distro_runs WHERE job_id = $1 ORDER BY distro_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list distro runs: %w", err)
	}
	defer rows.Close()

	var out []*types.DistroRun
	for rows.Next() {
		var run types.DistroRun
		var declared, validated resultCols
		dest := []any{&run.ID, &run.JobID, &run.DistroID, &run.Status, &run.StartedAt, &run.CompletedAt,
			&run.IsValid, &run.IsValidExtracted}
		dest = append(dest, declared.dest()...)
		dest = append(dest, validated.dest()...)
		dest = append(dest, &run.AccountID, &run.InputsResult, &run.Desc, &run.RawJSON, &run.LogID)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan distro run: %w", err)
		}
		run.Declared = declared.result()
		run.Validated = validated.result()
		out = append(out, &run)
	}
	return out, rows.Err()
}
