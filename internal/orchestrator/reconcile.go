package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/types"
	"github.com/jonathan/revalidate/internal/validator"
)

// runSet holds the distro runs of one group. All run writes go through its
// mutex, which every distribution of the group shares.
type runSet struct {
	mu     sync.Mutex
	store  Store
	now    func() time.Time
	logger *zap.Logger
	jobs   map[uuid.UUID]*types.Job
}

func newRunSet(s Store, now func() time.Time, logger *zap.Logger) *runSet {
	return &runSet{store: s, now: now, logger: logger, jobs: make(map[uuid.UUID]*types.Job)}
}

// prepare gives every job a fresh Pending run per distro.
func (rs *runSet) prepare(ctx context.Context, jobs []*types.Job, distros []string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for _, job := range jobs {
		runs := make([]*types.DistroRun, 0, len(distros))
		for _, distro := range distros {
			run := &types.DistroRun{JobID: job.ID, DistroID: distro, Status: types.StatusPending}
			if err := rs.store.SaveDistroRun(ctx, run); err != nil {
				return fmt.Errorf("failed to create %s run of job %s: %w", distro, job.ID, err)
			}
			runs = append(runs, run)
		}
		job.Distros = runs
		rs.jobs[job.ID] = job
	}
	return nil
}

func (rs *runSet) each(distro string, fn func(*types.Job, *types.DistroRun) error) error {
	for _, job := range rs.jobs {
		if run := job.Distro(distro); run != nil {
			if err := fn(job, run); err != nil {
				return err
			}
		}
	}
	return nil
}

// start marks the runs of a distro as Processing.
func (rs *runSet) start(ctx context.Context, distro string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	at := rs.now().UTC()
	return rs.each(distro, func(_ *types.Job, run *types.DistroRun) error {
		run.Status = types.StatusProcessing
		run.StartedAt = &at
		return rs.store.SaveDistroRun(ctx, run)
	})
}

func (rs *runSet) attachLog(ctx context.Context, distro string, logID int64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.each(distro, func(_ *types.Job, run *types.DistroRun) error {
		run.LogID = types.Ptr(logID)
		return rs.store.SaveDistroRun(ctx, run)
	})
}

// apply reconciles one validator record onto the matching run.
func (rs *runSet) apply(ctx context.Context, distro string, rec *validator.Record) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	jobID, kind, err := validator.ParseFileName(rec.FileName)
	if err != nil {
		rs.logger.Warn("ignoring record with unrecognized file name", zap.String("file", rec.FileName))
		return nil
	}
	job, ok := rs.jobs[jobID]
	if !ok {
		rs.logger.Warn("ignoring record for unknown job", zap.String("job_id", jobID.String()))
		return nil
	}
	run := job.Distro(distro)
	if run == nil {
		rs.logger.Warn("ignoring record for job without a run", zap.String("job_id", jobID.String()))
		return nil
	}

	// The run keeps the validated result of a record that reproduced a valid
	// result, preferring the full replay over its extracted ghost.
	declared, validated := rec.Declared(), rec.Validated()
	if kind == validator.FileGhost && job.IsGhostExtracted {
		run.IsValidExtracted = rec.IsValid
		if run.Declared == nil {
			run.Declared = declared
		}
		if validated != nil && (run.Validated == nil || (isTrue(rec.IsValid) && !isTrue(run.IsValid))) {
			run.Validated = validated
		}
	} else {
		run.IsValid = rec.IsValid
		if declared != nil {
			run.Declared = declared
		}
		if validated != nil && (run.Validated == nil || isTrue(rec.IsValid) || !isTrue(run.IsValidExtracted)) {
			run.Validated = validated
		}
	}

	if account := rec.Account(); account != nil {
		run.AccountID = account
	}
	if len(rec.Inputs) > 0 {
		run.InputsResult = types.Ptr(string(rec.Inputs))
	}
	if rec.Desc != nil {
		run.Desc = rec.Desc
	}
	run.RawJSON = string(rec.Raw)

	rs.crossCheck(job, rec)

	run.Status = types.StatusCompleted
	if run.CompletedAt == nil {
		at := rs.now().UTC()
		run.CompletedAt = &at
	}
	return rs.store.SaveDistroRun(ctx, run)
}

// crossCheck logs disagreements between the record and the job.
func (rs *runSet) crossCheck(job *types.Job, rec *validator.Record) {
	logger := rs.logger.With(zap.String("job_id", job.ID.String()))
	if rec.GameBuild != nil && job.ExeVersion != "" && *rec.GameBuild != job.ExeVersion {
		logger.Warn("validator game build differs from recording",
			zap.String("validator", *rec.GameBuild), zap.String("recording", job.ExeVersion))
	}
	if rec.MapUID != nil && job.MapUID != "" && *rec.MapUID != job.MapUID {
		logger.Warn("validator map uid differs from recording",
			zap.String("validator", *rec.MapUID), zap.String("recording", job.MapUID))
	}
	if rec.Login != nil && job.Login != "" && *rec.Login != job.Login {
		logger.Warn("validator login differs from recording",
			zap.String("validator", *rec.Login), zap.String("recording", job.Login))
	}
	if len(rec.Unknown) > 0 {
		keys := make([]string, 0, len(rec.Unknown))
		for k := range rec.Unknown {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		logger.Warn("validator record has unknown properties", zap.Strings("properties", keys))
	}
}

// failUnfinished fails every run that did not complete.
func (rs *runSet) failUnfinished(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	at := rs.now().UTC()
	for _, job := range rs.jobs {
		for _, run := range job.Distros {
			if run.Status == types.StatusCompleted {
				continue
			}
			run.Status = types.StatusFailed
			run.CompletedAt = &at
			if err := rs.store.SaveDistroRun(ctx, run); err != nil {
				return fmt.Errorf("failed to fail %s run of job %s: %w", run.DistroID, job.ID, err)
			}
		}
	}
	return nil
}

// Consensus aggregates runs: a flag is true when any run reports true, false
// when runs report only false, and nil when no run reported it. The validated
// result comes from the first valid run, else the first run that has one.
func Consensus(runs []*types.DistroRun) (isValid, isValidExtracted *bool, validated *types.RaceResult) {
	var fallback *types.RaceResult
	for _, run := range runs {
		isValid = or(isValid, run.IsValid)
		isValidExtracted = or(isValidExtracted, run.IsValidExtracted)

		if run.Validated == nil {
			continue
		}
		if validated == nil && ((run.IsValid != nil && *run.IsValid) || (run.IsValidExtracted != nil && *run.IsValidExtracted)) {
			validated = run.Validated
		}
		if fallback == nil {
			fallback = run.Validated
		}
	}
	if validated == nil {
		validated = fallback
	}
	return isValid, isValidExtracted, validated
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

func or(acc, v *bool) *bool {
	if v == nil {
		return acc
	}
	if acc == nil {
		return types.Ptr(*v)
	}
	return types.Ptr(*acc || *v)
}
