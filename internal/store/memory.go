package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/revalidate/internal/types"
)

type requestRecord struct {
	req    types.ValidationRequest
	jobIDs []uuid.UUID
}

// Memory is an in-process Store. Every value crossing its boundary is copied.
type Memory struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]*requestRecord
	jobs     map[uuid.UUID]*types.Job
	jobMaps  map[uuid.UUID]uuid.UUID
	runs     map[uuid.UUID][]*types.DistroRun
	maps     map[uuid.UUID]*types.Map
	blobs    map[string]*types.Blob
	logs     map[int64]string
	nextLog  int64
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		requests: make(map[uuid.UUID]*requestRecord),
		jobs:     make(map[uuid.UUID]*types.Job),
		jobMaps:  make(map[uuid.UUID]uuid.UUID),
		runs:     make(map[uuid.UUID][]*types.DistroRun),
		maps:     make(map[uuid.UUID]*types.Map),
		blobs:    make(map[string]*types.Blob),
		logs:     make(map[int64]string),
	}
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

func (m *Memory) CreateRequest(_ context.Context, req *types.ValidationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}

	rec := &requestRecord{req: *req}
	rec.req.Warnings = req.Warnings.Clone()
	rec.req.Jobs = nil

	for _, job := range req.Jobs {
		if _, ok := m.jobs[job.ID]; !ok {
			m.insertJob(job)
		}
		rec.jobIDs = append(rec.jobIDs, job.ID)
	}
	m.requests[req.ID] = rec
	return nil
}

func (m *Memory) insertJob(job *types.Job) {
	job.Replay = m.putBlob(job.Replay)
	job.Ghost = m.putBlob(job.Ghost)

	c := job.Clone()
	c.Distros = nil
	c.Map = nil
	m.jobs[job.ID] = c

	if job.Map != nil {
		m.jobMaps[job.ID] = job.Map.ID
	}
	for _, d := range job.Distros {
		m.runs[job.ID] = append(m.runs[job.ID], d.Clone())
	}
}

// putBlob stores b unless a blob with the same hash exists, returning the stored one.
func (m *Memory) putBlob(b *types.Blob) *types.Blob {
	if b == nil {
		return nil
	}
	if existing, ok := m.blobs[b.Hash]; ok {
		return existing
	}
	m.blobs[b.Hash] = b
	return b
}

func (m *Memory) GetRequest(_ context.Context, id uuid.UUID) (*types.ValidationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	req := rec.req
	req.Warnings = rec.req.Warnings.Clone()
	req.CompletedAt = clone(rec.req.CompletedAt)
	req.Jobs = make([]*types.Job, 0, len(rec.jobIDs))
	for _, jobID := range rec.jobIDs {
		if _, ok := m.jobs[jobID]; ok {
			req.Jobs = append(req.Jobs, m.hydrate(jobID))
		}
	}
	return &req, nil
}

func (m *Memory) DeleteRequest(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[id]; !ok {
		return false, nil
	}
	delete(m.requests, id)
	return true, nil
}

func (m *Memory) CompleteRequest(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("request %s not found", id)
	}
	if rec.req.CompletedAt == nil {
		at = at.UTC()
		rec.req.CompletedAt = &at
	}
	return nil
}

func (m *Memory) SettleRequests(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.requests {
		if rec.req.CompletedAt != nil {
			continue
		}
		settled := true
		for _, jobID := range rec.jobIDs {
			if job, ok := m.jobs[jobID]; ok && !job.Status.IsTerminal() {
				settled = false
				break
			}
		}
		if settled {
			stamp := at.UTC()
			rec.req.CompletedAt = &stamp
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// hydrate returns a copy of the job with its runs and map attached. Caller holds the lock.
func (m *Memory) hydrate(id uuid.UUID) *types.Job {
	job := m.jobs[id].Clone()
	for _, d := range m.runs[id] {
		job.Distros = append(job.Distros, d.Clone())
	}
	if mapID, ok := m.jobMaps[id]; ok {
		if mp, ok := m.maps[mapID]; ok {
			c := *mp
			job.Map = &c
		}
	}
	return job
}

func (m *Memory) FindJobsByHash(_ context.Context, hash string) ([]*types.Job, error) {
	return m.listJobs(func(j *types.Job) bool { return j.Hash == hash }), nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, nil
	}
	return m.hydrate(id), nil
}

func (m *Memory) DeleteJob(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	delete(m.runs, id)
	delete(m.jobMaps, id)
	for _, rec := range m.requests {
		kept := rec.jobIDs[:0]
		for _, jobID := range rec.jobIDs {
			if jobID != id {
				kept = append(kept, jobID)
			}
		}
		rec.jobIDs = kept
	}
	return true, nil
}

func (m *Memory) ListIncompleteJobs(_ context.Context) ([]*types.Job, error) {
	return m.listJobs(func(j *types.Job) bool { return !j.Status.IsTerminal() }), nil
}

func (m *Memory) ListJobsWithoutMap(_ context.Context) ([]*types.Job, error) {
	m.mu.RLock()
	linked := make(map[uuid.UUID]bool, len(m.jobMaps))
	for jobID := range m.jobMaps {
		linked[jobID] = true
	}
	m.mu.RUnlock()
	return m.listJobs(func(j *types.Job) bool { return !linked[j.ID] }), nil
}

func (m *Memory) listJobs(keep func(*types.Job) bool) []*types.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Job
	for id, job := range m.jobs {
		if keep(job) {
			out = append(out, m.hydrate(id))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID.String() < out[k].ID.String()
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

func (m *Memory) TransitionJob(_ context.Context, id uuid.UUID, next types.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s not found", id)
	}
	if !job.Status.CanTransition(next) {
		return false, nil
	}
	at = at.UTC()
	job.Status = next
	if next == types.StatusProcessing && job.StartedAt == nil {
		job.StartedAt = &at
	}
	if next.IsTerminal() {
		job.CompletedAt = &at
	}
	return true, nil
}

func (m *Memory) SaveJobResult(_ context.Context, result *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[result.ID]
	if !ok {
		return fmt.Errorf("job %s not found", result.ID)
	}
	job.Validated = result.Validated.Clone()
	job.IsValid = clone(result.IsValid)
	job.IsValidExtracted = clone(result.IsValidExtracted)
	job.Problems = result.Problems.Clone()
	return nil
}

func (m *Memory) SetJobMap(_ context.Context, jobID, mapID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[jobID]; !ok {
		return fmt.Errorf("job %s not found", jobID)
	}
	if _, ok := m.maps[mapID]; !ok {
		return fmt.Errorf("map %s not found", mapID)
	}
	m.jobMaps[jobID] = mapID
	return nil
}

func (m *Memory) SaveDistroRun(_ context.Context, run *types.DistroRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[run.JobID]; !ok {
		return fmt.Errorf("job %s not found", run.JobID)
	}
	runs := m.runs[run.JobID]
	for i, existing := range runs {
		if existing.DistroID == run.DistroID {
			run.ID = existing.ID
			runs[i] = run.Clone()
			return nil
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.Must(uuid.NewV7())
	}
	m.runs[run.JobID] = append(runs, run.Clone())
	return nil
}

func (m *Memory) SaveLog(_ context.Context, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLog++
	m.logs[m.nextLog] = content
	return m.nextLog, nil
}

// GetLog returns a stored validation log.
func (m *Memory) GetLog(_ context.Context, id int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.logs[id]
	return content, ok, nil
}

func (m *Memory) ListInputs(_ context.Context, jobID uuid.UUID) ([]types.Input, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return append([]types.Input(nil), job.Inputs...), nil
}

func (m *Memory) GetBlob(_ context.Context, id uuid.UUID) (*types.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.blobs {
		if b.ID == id {
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

// -----------------------------------------------------------------------------
// Maps
// -----------------------------------------------------------------------------

func (m *Memory) FindMapByHash(_ context.Context, hash string) (*types.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mp := range m.maps {
		if mp.Hash != nil && *mp.Hash == hash {
			c := *mp
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) FindMaps(_ context.Context, gameVersion types.GameVersion, uid string) ([]*types.Map, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Map
	for _, mp := range m.maps {
		if mp.GameVersion == gameVersion && mp.MapUID == uid {
			c := *mp
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) CreateMap(_ context.Context, mp *types.Map) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mp.ID == uuid.Nil {
		mp.ID = uuid.Must(uuid.NewV7())
	}
	mp.File = m.putBlob(mp.File)
	c := *mp
	m.maps[mp.ID] = &c
	return nil
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
