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
// Job Methods
// -----------------------------------------------------------------------------

const jobColumns = `id, sha256, file_name, status, game_version, title_id, server_build, host_family,
	declared_nb_checkpoints, declared_nb_respawns, declared_time, declared_score,
	validated_nb_checkpoints, validated_nb_respawns, validated_time, validated_score,
	is_valid, is_valid_extracted, replay_id, ghost_id, is_ghost_extracted,
	ghost_uid, login, map_uid, exe_version, exe_checksum, os_kind, cpu_kind, race_settings,
	validation_seed, events_duration, race_time, walltime_started_at, walltime_ended_at,
	steering_wheel_sensitivity, title_checksum, nb_inputs, map_id, problems,
	created_at, started_at, completed_at`

// jobRow is a job as stored, before its relations are loaded.
type jobRow struct {
	job                      types.Job
	declared, validated      resultCols
	replayID, ghostID, mapID *uuid.UUID
	problems                 []byte
}

func scanJob(row pgx.Row) (*jobRow, error) {
	var r jobRow
	j := &r.job
	dest := []any{&j.ID, &j.Hash, &j.FileName, &j.Status, &j.GameVersion, &j.TitleID, &j.ServerBuild, &j.HostFamily}
	dest = append(dest, r.declared.dest()...)
	dest = append(dest, r.validated.dest()...)
	dest = append(dest,
		&j.IsValid, &j.IsValidExtracted, &r.replayID, &r.ghostID, &j.IsGhostExtracted,
		&j.GhostUID, &j.Login, &j.MapUID, &j.ExeVersion, &j.ExeChecksum, &j.OsKind, &j.CpuKind, &j.RaceSettings,
		&j.ValidationSeed, &j.EventsDuration, &j.RaceTime, &j.WalltimeStartedAt, &j.WalltimeEndedAt,
		&j.SteeringWheelSensitivity, &j.TitleChecksum, &j.NbInputs, &r.mapID, &r.problems,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectJobs(rows pgx.Rows) ([]*jobRow, error) {
	defer rows.Close()
	var out []*jobRow
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return out, nil
}

// hydrate loads the files, map, checkpoints and runs of a job row.
func hydrate(ctx context.Context, q querier, r *jobRow) (*types.Job, error) {
	job := r.job
	if d := r.declared.result(); d != nil {
		job.Declared = *d
	}
	job.Validated = r.validated.result()
	job.Problems = unmarshalBag(r.problems)

	var err error
	if job.Replay, err = fileMeta(ctx, q, r.replayID); err != nil {
		return nil, err
	}
	if job.Ghost, err = fileMeta(ctx, q, r.ghostID); err != nil {
		return nil, err
	}
	if job.Map, err = getMap(ctx, q, r.mapID); err != nil {
		return nil, err
	}
	if job.Checkpoints, err = listCheckpoints(ctx, q, job.ID); err != nil {
		return nil, err
	}
	if job.Distros, err = listDistroRuns(ctx, q, job.ID); err != nil {
		return nil, err
	}
	return &job, nil
}

func (db *DB) queryJobs(ctx context.Context, sql string, args ...any) ([]*types.Job, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	jobRows, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Job, 0, len(jobRows))
	for _, r := range jobRows {
		job, err := hydrate(ctx, db.pool, r)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (db *DB) queryJob(ctx context.Context, sql string, args ...any) (*types.Job, error) {
	r, err := scanJob(db.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return hydrate(ctx, db.pool, r)
}

// FindJobsByHash returns every job for the content hash, oldest first.
func (db *DB) FindJobsByHash(ctx context.Context, hash string) ([]*types.Job, error) {
	return db.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs WHERE sha256 = $1 ORDER BY created_at, id`, hash)
}

// GetJob retrieves a job by ID
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	return db.queryJob(ctx, `SELECT `+jobColumns+` FROM validation_jobs WHERE id = $1`, id)
}

// DeleteJob removes a job with its runs, checkpoints, inputs and request links.
func (db *DB) DeleteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM validation_jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListIncompleteJobs returns Pending and Processing jobs, oldest first.
func (db *DB) ListIncompleteJobs(ctx context.Context) ([]*types.Job, error) {
	return db.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs WHERE status = ANY($1) ORDER BY created_at, id`,
		[]string{string(types.StatusPending), string(types.StatusProcessing)})
}

// ListJobsWithoutMap returns jobs that have no resolved map, oldest first.
func (db *DB) ListJobsWithoutMap(ctx context.Context) ([]*types.Job, error) {
	return db.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM validation_jobs WHERE map_id IS NULL ORDER BY created_at, id`)
}

// TransitionJob moves a job to next when its stored status allows it.
func (db *DB) TransitionJob(ctx context.Context, id uuid.UUID, next types.Status, at time.Time) (bool, error) {
	var sources []string
	for _, s := range types.Sources(next) {
		sources = append(sources, string(s))
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE validation_jobs
		 SET status = $2::text,
		     started_at = CASE WHEN $2::text = 'processing' AND started_at IS NULL THEN $3 ELSE started_at END,
		     completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN $3 ELSE completed_at END
		 WHERE id = $1 AND status = ANY($4)`,
		id, string(next), at.UTC(), sources)
	if err != nil {
		return false, fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM validation_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check job %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("job %s not found", id)
	}
	return false, nil
}

// SaveJobResult persists the aggregate verdict and problems of a job.
func (db *DB) SaveJobResult(ctx context.Context, job *types.Job) error {
	problems, err := marshalBag(job.Problems)
	if err != nil {
		return err
	}
	args := []any{job.ID}
	args = append(args, resultArgs(job.Validated)...)
	args = append(args, job.IsValid, job.IsValidExtracted, problems)

	tag, err := db.pool.Exec(ctx,
		`UPDATE validation_jobs
		 SET validated_nb_checkpoints = $2, validated_nb_respawns = $3, validated_time = $4, validated_score = $5,
		     is_valid = $6, is_valid_extracted = $7, problems = $8
		 WHERE id = $1`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

// SetJobMap links a job to a resolved map.
func (db *DB) SetJobMap(ctx context.Context, jobID, mapID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `UPDATE validation_jobs SET map_id = $2 WHERE id = $1`, jobID, mapID)
	if err != nil {
		return fmt.Errorf("failed to set map of job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// insertJob stores a new job with its files, checkpoints, inputs and runs.
func insertJob(ctx context.Context, tx pgx.Tx, job *types.Job) error {
	var replayID, ghostID, mapID *uuid.UUID
	if job.Replay != nil {
		if err := upsertFile(ctx, tx, job.Replay); err != nil {
			return err
		}
		replayID = &job.Replay.ID
	}
	if job.Ghost != nil {
		if err := upsertFile(ctx, tx, job.Ghost); err != nil {
			return err
		}
		ghostID = &job.Ghost.ID
	}
	if job.Map != nil {
		mapID = &job.Map.ID
	}
	problems, err := marshalBag(job.Problems)
	if err != nil {
		return err
	}

	args := []any{job.ID, job.Hash, job.FileName, job.Status, job.GameVersion, job.TitleID, job.ServerBuild, job.HostFamily}
	args = append(args, resultArgs(&job.Declared)...)
	args = append(args, resultArgs(job.Validated)...)
	args = append(args,
		job.IsValid, job.IsValidExtracted, replayID, ghostID, job.IsGhostExtracted,
		job.GhostUID, job.Login, job.MapUID, job.ExeVersion, int64(job.ExeChecksum), job.OsKind, job.CpuKind, job.RaceSettings,
		job.ValidationSeed, job.EventsDuration, job.RaceTime, job.WalltimeStartedAt, job.WalltimeEndedAt,
		job.SteeringWheelSensitivity, job.TitleChecksum, job.NbInputs, mapID, problems,
		job.CreatedAt, job.StartedAt, job.CompletedAt)

	_, err = tx.Exec(ctx,
		`INSERT INTO validation_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		         $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32,
		         $33, $34, $35, $36, $37, $38, $39, $40, $41, $42)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	if len(job.Checkpoints) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"job_checkpoints"},
			[]string{"job_id", "idx", "time", "stunts_score", "speed"},
			pgx.CopyFromSlice(len(job.Checkpoints), func(i int) ([]any, error) {
				cp := job.Checkpoints[i]
				return []any{job.ID, i, cp.Time, cp.StuntsScore, cp.Speed}, nil
			}))
		if err != nil {
			return fmt.Errorf("failed to insert checkpoints of job %s: %w", job.ID, err)
		}
	}

	if len(job.Inputs) > 0 {
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"job_inputs"},
			[]string{"job_id", "idx", "time", "name", "value", "pressed", "x", "y", "value_f"},
			pgx.CopyFromSlice(len(job.Inputs), func(i int) ([]any, error) {
				in := job.Inputs[i]
				return []any{job.ID, i, in.Time, in.Name, in.Value, in.Pressed, widen(in.X), widen(in.Y), in.ValueF}, nil
			}))
		if err != nil {
			return fmt.Errorf("failed to insert inputs of job %s: %w", job.ID, err)
		}
	}

	for _, run := range job.Distros {
		run.JobID = job.ID
		if err := saveDistroRun(ctx, tx, run); err != nil {
			return err
		}
	}
	return nil
}

func widen(v *uint16) *int32 {
	if v == nil {
		return nil
	}
	w := int32(*v)
	return &w
}

func listCheckpoints(ctx context.Context, q querier, jobID uuid.UUID) ([]types.Checkpoint, error) {
	rows, err := q.Query(ctx,
		`SELECT time, stunts_score, speed FROM job_checkpoints WHERE job_id = $1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []types.Checkpoint
	for rows.Next() {
		var cp types.Checkpoint
		if err := rows.Scan(&cp.Time, &cp.StuntsScore, &cp.Speed); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ListInputs returns the recorded inputs of a job in order.
func (db *DB) ListInputs(ctx context.Context, jobID uuid.UUID) ([]types.Input, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT time, name, value, pressed, x, y, value_f FROM job_inputs WHERE job_id = $1 ORDER BY idx`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list inputs: %w", err)
	}
	defer rows.Close()

	var out []types.Input
	for rows.Next() {
		var in types.Input
		var x, y *int32
		if err := rows.Scan(&in.Time, &in.Name, &in.Value, &in.Pressed, &x, &y, &in.ValueF); err != nil {
			return nil, fmt.Errorf("failed to scan input: %w", err)
		}
		in.X, in.Y = narrow(x), narrow(y)
		out = append(out, in)
	}
	return out, rows.Err()
}

func narrow(v *int32) *uint16 {
	if v == nil {
		return nil
	}
	n := uint16(*v)
	return &n
}
