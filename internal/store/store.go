// Package store defines the persistence contracts used by intake, the map
// resolver and the orchestrator. Lookups return nil, nil when nothing matches.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/revalidate/internal/types"
)

// Requests persists upload batches.
type Requests interface {
	// CreateRequest persists the request and every job it carries that is not
	// yet stored. Jobs already stored are only linked.
	CreateRequest(ctx context.Context, req *types.ValidationRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*types.ValidationRequest, error)
	DeleteRequest(ctx context.Context, id uuid.UUID) (bool, error)
	// CompleteRequest stamps the completion time if it is not set yet.
	CompleteRequest(ctx context.Context, id uuid.UUID, at time.Time) error
	// SettleRequests stamps every open request whose jobs are all terminal.
	SettleRequests(ctx context.Context, at time.Time) (int, error)
}

// Jobs persists validation jobs and their per-distribution runs.
type Jobs interface {
	// FindJobsByHash returns every job stored for the content hash, oldest
	// first. A replay yields one job per ghost, all sharing its hash.
	FindJobsByHash(ctx context.Context, hash string) ([]*types.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)
	DeleteJob(ctx context.Context, id uuid.UUID) (bool, error)
	// ListIncompleteJobs returns Pending and Processing jobs, oldest first.
	ListIncompleteJobs(ctx context.Context) ([]*types.Job, error)
	// ListJobsWithoutMap returns jobs that still have no resolved map.
	ListJobsWithoutMap(ctx context.Context) ([]*types.Job, error)
	// TransitionJob moves the job to next only when its stored status allows
	// it, returning false otherwise. StartedAt/CompletedAt are stamped with at.
	TransitionJob(ctx context.Context, id uuid.UUID, next types.Status, at time.Time) (bool, error)
	// SaveJobResult persists the consensus fields of a job.
	SaveJobResult(ctx context.Context, job *types.Job) error
	SetJobMap(ctx context.Context, jobID, mapID uuid.UUID) error
	// SaveDistroRun inserts or updates the run for (JobID, DistroID).
	SaveDistroRun(ctx context.Context, run *types.DistroRun) error
	SaveLog(ctx context.Context, content string) (int64, error)
	// GetLog returns a stored validator log and whether it exists.
	GetLog(ctx context.Context, id int64) (string, bool, error)
	ListInputs(ctx context.Context, jobID uuid.UUID) ([]types.Input, error)
	GetBlob(ctx context.Context, id uuid.UUID) (*types.Blob, error)
}

// Maps persists resolved track definitions.
type Maps interface {
	FindMapByHash(ctx context.Context, hash string) (*types.Map, error)
	// FindMaps returns every map stored for (gameVersion, uid).
	FindMaps(ctx context.Context, gameVersion types.GameVersion, uid string) ([]*types.Map, error)
	CreateMap(ctx context.Context, m *types.Map) error
}

// Store is the full persistence surface.
type Store interface {
	Requests
	Jobs
	Maps
}
