package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/revalidate/internal/types"
	"github.com/jonathan/revalidate/internal/validator"
	"github.com/jonathan/revalidate/internal/workspace"
)

func (p *Processor) processGroup(ctx context.Context, g *group, logger *zap.Logger) error {
	serverType, ok := g.key.GameVersion.ServerType()
	if !ok {
		return fmt.Errorf("game version %q cannot be validated", g.key.GameVersion)
	}

	if p.maps != nil {
		if _, err := p.maps.FillMissing(ctx, g.jobs); err != nil {
			return fmt.Errorf("failed to resolve maps: %w", err)
		}
	}

	active := make([]*types.Job, 0, len(g.jobs))
	for _, job := range g.jobs {
		moved, err := p.store.TransitionJob(ctx, job.ID, types.StatusProcessing, p.now())
		if err != nil {
			return fmt.Errorf("failed to start job %s: %w", job.ID, err)
		}
		if !moved && job.Status != types.StatusProcessing {
			logger.Debug("job already settled", zap.String("job_id", job.ID.String()))
			continue
		}
		job.Status = types.StatusProcessing
		active = append(active, job)
	}
	if len(active) == 0 {
		return nil
	}

	ws, err := p.pool.Acquire(ctx, serverType, g.key.ServerBuild)
	if err != nil {
		return fmt.Errorf("failed to acquire working area: %w", err)
	}
	defer ws.Release()

	if err := p.materialize(ctx, ws, active); err != nil {
		return err
	}

	spec := validator.Spec{
		ServerType:   serverType,
		Build:        g.key.ServerBuild,
		TitleID:      g.key.TitleID,
		DownloadHost: p.opts.Hosts[active[0].HostFamily],
		ArchivesDir:  p.pool.ArchivesDir(),
		ServersDir:   p.pool.ServersDir(),
	}
	if g.key.TitleID != "" && g.key.GameVersion == types.GameVersionTM2 {
		spec.Titles = []string{g.key.TitleID}
	}

	logger.Info("preparing server")
	if err := validator.RunSetup(ctx, p.launcher, spec, logger.Named("setup")); err != nil {
		return fmt.Errorf("server setup failed: %w", err)
	}

	rs := newRunSet(p.store, p.now, logger)
	if err := rs.prepare(ctx, active, p.opts.Distros); err != nil {
		return err
	}

	eg := new(errgroup.Group)
	for _, distro := range p.opts.Distros {
		spec := spec
		spec.Distro = distro
		eg.Go(func() error {
			p.runDistro(ctx, spec, rs, logger.With(zap.String("distro", distro)))
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := rs.failUnfinished(ctx); err != nil {
		return err
	}
	for _, job := range active {
		if err := p.settle(ctx, job, logger); err != nil {
			return err
		}
	}
	logger.Info("group validated")
	return nil
}

// materialize writes the group's recordings and maps into the working area.
func (p *Processor) materialize(ctx context.Context, ws *workspace.Workspace, jobs []*types.Job) error {
	if err := ws.Reset(); err != nil {
		return err
	}

	written := make(map[string]bool)
	for _, job := range jobs {
		for _, f := range []struct {
			blob *types.Blob
			kind validator.FileKind
		}{{job.Replay, validator.FileReplay}, {job.Ghost, validator.FileGhost}} {
			if f.blob == nil {
				continue
			}
			data, err := p.blobData(ctx, f.blob)
			if err != nil {
				return err
			}
			if _, err := ws.WriteRecording(job.ID, f.kind, data); err != nil {
				return err
			}
		}

		m := job.Map
		if m == nil || m.File == nil || written[m.MapUID] {
			continue
		}
		data, err := p.blobData(ctx, m.File)
		if err != nil {
			return err
		}
		if _, err := ws.WriteMap(m.MapUID, data); err != nil {
			return err
		}
		written[m.MapUID] = true
	}
	return nil
}

func (p *Processor) blobData(ctx context.Context, b *types.Blob) ([]byte, error) {
	if b.Data != nil {
		return b.Data, nil
	}
	stored, err := p.store.GetBlob(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load file %s: %w", b.ID, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("file %s is missing", b.ID)
	}
	return stored.Data, nil
}

// runDistro runs one validator process and reconciles its output. Failures
// stay local to the distribution: its runs are left unfinished and get failed
// by the caller.
func (p *Processor) runDistro(ctx context.Context, spec validator.Spec, rs *runSet, logger *zap.Logger) {
	proc, err := p.launcher.Start(ctx, spec)
	if err != nil {
		logger.Error("failed to start validator", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("process", proc.Name()))

	if err := rs.start(ctx, spec.Distro); err != nil {
		logger.Error("failed to mark runs started", zap.Error(err))
	}

	stderr := newBoundedBuffer(p.opts.MaxLogSize)
	g := new(errgroup.Group)
	g.Go(func() error {
		sc := bufio.NewScanner(proc.Stderr())
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			logger.Debug(line, zap.String("stream", "stderr"))
			stderr.WriteLine(line)
		}
		if err := sc.Err(); err != nil {
			_, _ = io.Copy(io.Discard, proc.Stderr())
			return fmt.Errorf("stderr: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return p.consume(ctx, proc.Stdout(), spec.Distro, rs, logger)
	})
	if err := g.Wait(); err != nil {
		logger.Error("validator output was not fully read", zap.Error(err))
	}

	if content := stderr.String(); content != "" {
		id, err := p.store.SaveLog(ctx, content)
		if err != nil {
			logger.Error("failed to save validator log", zap.Error(err))
		} else if err := rs.attachLog(ctx, spec.Distro, id); err != nil {
			logger.Error("failed to attach validator log", zap.Error(err))
		}
	}

	if err := proc.Wait(); err != nil {
		logger.Warn("validator exited with error", zap.Error(err))
		return
	}
	logger.Info("validator finished")
}

// consume reconciles every record on the stream. The stream is always drained.
func (p *Processor) consume(ctx context.Context, r io.Reader, distro string, rs *runSet, logger *zap.Logger) error {
	dec := validator.NewDecoder(r)
	for {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var recErr *validator.RecordError
		if errors.As(err, &recErr) {
			logger.Warn("skipping invalid validator record", zap.Error(err), zap.ByteString("record", recErr.Raw))
			continue
		}
		if err != nil {
			_, _ = io.Copy(io.Discard, r)
			return fmt.Errorf("stdout: %w", err)
		}
		if err := rs.apply(ctx, distro, rec); err != nil {
			logger.Error("failed to store validator record", zap.String("file", rec.FileName), zap.Error(err))
		}
	}
}

// settle computes the job's aggregate result from its runs and finishes it.
func (p *Processor) settle(ctx context.Context, job *types.Job, logger *zap.Logger) error {
	isValid, isValidExtracted, validated := Consensus(job.Distros)
	job.IsValid = isValid
	job.IsValidExtracted = isValidExtracted
	if validated != nil {
		job.Validated = validated
	}
	if err := p.store.SaveJobResult(ctx, job); err != nil {
		return fmt.Errorf("failed to save result of job %s: %w", job.ID, err)
	}

	next := types.StatusFailed
	if isValid != nil || isValidExtracted != nil {
		next = types.StatusCompleted
	}
	if _, err := p.store.TransitionJob(ctx, job.ID, next, p.now()); err != nil {
		return fmt.Errorf("failed to finish job %s: %w", job.ID, err)
	}
	job.Status = next

	logger.Info("job settled",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(next)),
		zap.Stringp("is_valid", boolString(isValid)),
		zap.Stringp("is_valid_extracted", boolString(isValidExtracted)))
	return nil
}

func boolString(b *bool) *string {
	if b == nil {
		return nil
	}
	s := fmt.Sprint(*b)
	return &s
}

// boundedBuffer keeps the first max bytes of the lines written to it.
type boundedBuffer struct {
	max       int
	b         strings.Builder
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) WriteLine(line string) {
	if b.truncated {
		return
	}
	if b.b.Len()+len(line)+1 > b.max {
		b.truncated = true
		return
	}
	b.b.WriteString(line)
	b.b.WriteByte('\n')
}

func (b *boundedBuffer) String() string {
	if b.truncated {
		return b.b.String() + "[truncated]\n"
	}
	return b.b.String()
}
