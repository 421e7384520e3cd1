// Package orchestrator runs the background validation worker: it takes
// requests off the queue, groups their jobs by server build, dispatches each
// group to every configured distribution and settles the results.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/store"
	"github.com/jonathan/revalidate/internal/types"
	"github.com/jonathan/revalidate/internal/validator"
	"github.com/jonathan/revalidate/internal/workspace"
)

// Store is the persistence the worker needs.
type Store interface {
	store.Requests
	store.Jobs
}

// MapFiller attaches maps to jobs that have none.
type MapFiller interface {
	FillMissing(ctx context.Context, jobs []*types.Job) (int, error)
}

// Options configures dispatch.
type Options struct {
	// Distros lists the validator image tags every group runs under.
	Distros []string
	// Hosts maps a host family to the asset download host passed to the validator.
	Hosts map[types.HostFamily]string
	// MaxLogSize bounds the stderr kept per distribution. Zero means DefaultMaxLogSize.
	MaxLogSize int
}

// DefaultMaxLogSize is the stderr retained per distribution and group.
const DefaultMaxLogSize = 64 * 1024

// Processor is the background worker.
type Processor struct {
	store    Store
	maps     MapFiller
	launcher validator.Launcher
	pool     *workspace.Pool
	queue    *Queue
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a processor. maps may be nil to skip map resolution.
func New(s Store, maps MapFiller, launcher validator.Launcher, pool *workspace.Pool, queue *Queue, opts Options, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxLogSize <= 0 {
		opts.MaxLogSize = DefaultMaxLogSize
	}
	if queue == nil {
		queue = NewQueue(DefaultQueueCapacity)
	}
	return &Processor{
		store:    s,
		maps:     maps,
		launcher: launcher,
		pool:     pool,
		queue:    queue,
		opts:     opts,
		logger:   logger.Named("orchestrator"),
		now:      time.Now,
	}
}

// Queue returns the queue the worker consumes.
func (p *Processor) Queue() *Queue {
	return p.queue
}

// Enqueue schedules a request for processing.
func (p *Processor) Enqueue(ctx context.Context, id uuid.UUID) error {
	return p.queue.Enqueue(ctx, id)
}

// Run sweeps unfinished work left by an earlier run, then processes queued
// requests until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.Sweep(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("startup sweep failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-p.queue.ch:
			if err := p.ProcessRequest(ctx, id); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Error("failed to process request", zap.String("request_id", id.String()), zap.Error(err))
			}
		}
	}
}

// Sweep processes every Pending or Processing job in the store, then stamps
// requests whose jobs are all settled.
func (p *Processor) Sweep(ctx context.Context) error {
	jobs, err := p.store.ListIncompleteJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}
	if len(jobs) > 0 {
		p.logger.Info("recovering unfinished jobs", zap.Int("jobs", len(jobs)))
	}

	if err := p.processJobs(ctx, jobs); err != nil {
		return err
	}

	n, err := p.store.SettleRequests(ctx, p.now())
	if err != nil {
		return fmt.Errorf("failed to settle requests: %w", err)
	}
	if n > 0 {
		p.logger.Info("settled requests", zap.Int("requests", n))
	}
	return nil
}

// ProcessRequest validates the Pending jobs of one request.
func (p *Processor) ProcessRequest(ctx context.Context, id uuid.UUID) error {
	req, err := p.store.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load request %s: %w", id, err)
	}
	if req == nil {
		p.logger.Warn("queued request no longer exists", zap.String("request_id", id.String()))
		return nil
	}

	var pending []*types.Job
	for _, job := range req.Jobs {
		if job.Status == types.StatusPending {
			pending = append(pending, job)
		}
	}
	if err := p.processJobs(ctx, pending); err != nil {
		return err
	}

	req, err = p.store.GetRequest(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload request %s: %w", id, err)
	}
	if req != nil && req.Settled() {
		if err := p.store.CompleteRequest(ctx, id, p.now()); err != nil {
			return fmt.Errorf("failed to complete request %s: %w", id, err)
		}
	}

	// jobs can be shared with other requests
	if _, err := p.store.SettleRequests(ctx, p.now()); err != nil {
		return fmt.Errorf("failed to settle requests: %w", err)
	}
	return nil
}

type groupKey struct {
	GameVersion types.GameVersion
	TitleID     string
	ServerBuild string
}

type group struct {
	key  groupKey
	jobs []*types.Job
}

// groupJobs buckets jobs by server build, keeping first-seen order.
func groupJobs(jobs []*types.Job) []*group {
	var out []*group
	index := make(map[groupKey]*group)
	for _, job := range jobs {
		k := groupKey{GameVersion: job.GameVersion, TitleID: job.TitleID, ServerBuild: job.ServerBuild}
		g, ok := index[k]
		if !ok {
			g = &group{key: k}
			index[k] = g
			out = append(out, g)
		}
		g.jobs = append(g.jobs, job)
	}
	return out
}

// processJobs runs groups one at a time. A failing group only fails its own jobs.
func (p *Processor) processJobs(ctx context.Context, jobs []*types.Job) error {
	for _, g := range groupJobs(jobs) {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := p.logger.With(
			zap.String("game_version", string(g.key.GameVersion)),
			zap.String("title_id", g.key.TitleID),
			zap.String("server_build", g.key.ServerBuild),
			zap.Int("jobs", len(g.jobs)))

		if err := p.processGroup(ctx, g, logger); err != nil {
			if ctx.Err() != nil {
				logger.Warn("group interrupted, jobs are left for the next sweep", zap.Error(err))
				return ctx.Err()
			}
			logger.Error("group failed", zap.Error(err))
			p.failGroup(ctx, g, logger)
		}
	}
	return nil
}

func (p *Processor) failGroup(ctx context.Context, g *group, logger *zap.Logger) {
	for _, job := range g.jobs {
		if _, err := p.store.TransitionJob(ctx, job.ID, types.StatusFailed, p.now()); err != nil {
			logger.Error("failed to mark job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
}
