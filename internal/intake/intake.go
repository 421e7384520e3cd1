// Package intake turns an upload batch into a persisted validation request with
// one job per ghost, then hands the request to the orchestrator queue.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/digest"
	"github.com/jonathan/revalidate/internal/gbx"
	"github.com/jonathan/revalidate/internal/maps"
	"github.com/jonathan/revalidate/internal/serverbuild"
	"github.com/jonathan/revalidate/internal/types"
)

const (
	// DefaultMaxFileSize is the largest accepted upload.
	DefaultMaxFileSize int64 = 8 << 20
	// MaxGhostsPerReplay caps the jobs created from one replay.
	MaxGhostsPerReplay = 64
)

// Upload is one file of a batch.
type Upload struct {
	Name    string
	Size    int64
	Content io.Reader
}

// MapOverride names the map every job without one should be validated on.
type MapOverride struct {
	GameVersion types.GameVersion `validate:"required,oneof=TM2020 TM2 TMF"`
	MapUID      string            `validate:"required,max=32"`
}

// ValidationFailedError is returned when nothing usable came out of a batch.
type ValidationFailedError struct {
	Errors types.Bag
}

func (e *ValidationFailedError) Error() string {
	var parts []string
	for _, key := range e.Errors.Keys() {
		parts = append(parts, fmt.Sprintf("%s: %s", key, strings.Join(e.Errors[key], " ")))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Store is the persistence intake needs.
type Store interface {
	CreateRequest(ctx context.Context, req *types.ValidationRequest) error
	FindJobsByHash(ctx context.Context, hash string) ([]*types.Job, error)
}

// MapResolver resolves maps for jobs.
type MapResolver interface {
	Resolve(ctx context.Context, gameVersion types.GameVersion, uid string) (*types.Map, error)
	ResolveOrFetch(ctx context.Context, gameVersion types.GameVersion, uid string) (*types.Map, error)
	GetOrCreateFromUpload(ctx context.Context, file *types.Blob, decoded *gbx.Map) (*types.Map, error)
}

// Enqueuer accepts request ids for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, requestID uuid.UUID) error
}

// Service is the job intake.
type Service struct {
	store    Store
	decoder  gbx.Decoder
	maps     MapResolver
	queue    Enqueuer
	logger   *zap.Logger
	validate *validator.Validate

	MaxFileSize int64
	now         func() time.Time
}

// NewService creates an intake service.
func NewService(s Store, decoder gbx.Decoder, resolver MapResolver, queue Enqueuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       s,
		decoder:     decoder,
		maps:        resolver,
		queue:       queue,
		logger:      logger.Named("intake"),
		validate:    validator.New(),
		MaxFileSize: DefaultMaxFileSize,
		now:         time.Now,
	}
}

type uploadedMap struct {
	name    string
	file    *types.Blob
	decoded *gbx.Map
}

// batch carries the state of one Submit call.
type batch struct {
	req        *types.ValidationRequest
	warnings   types.Bag
	hashes     *digest.Set
	maps       []uploadedMap
	hardErrors int
}

// Submit processes one upload batch. It returns *ValidationFailedError when the
// batch is rejected; per-file problems of an accepted batch become request warnings.
func (s *Service) Submit(ctx context.Context, files []Upload, override *MapOverride) (*types.ValidationRequest, error) {
	b := &batch{
		req: &types.ValidationRequest{
			ID:        uuid.Must(uuid.NewV7()),
			CreatedAt: s.now().UTC(),
		},
		warnings: types.Bag{},
		hashes:   digest.NewSet(),
	}

	if override != nil {
		if err := s.validate.Struct(override); err != nil {
			b.warnings.Add("mapUid", fmt.Sprintf("Invalid map override: %v", err))
			return nil, &ValidationFailedError{Errors: b.warnings}
		}
		if err := maps.ValidateMapUID(override.MapUID); err != nil {
			b.warnings.Add("mapUid", err.Error())
			return nil, &ValidationFailedError{Errors: b.warnings}
		}
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.processFile(ctx, b, f); err != nil {
			return nil, err
		}
	}

	if err := s.attachUploadedMaps(ctx, b); err != nil {
		return nil, err
	}

	if override != nil {
		m, err := s.maps.ResolveOrFetch(ctx, override.GameVersion, override.MapUID)
		if err != nil {
			s.logger.Warn("failed to resolve map override", zap.String("map_uid", override.MapUID), zap.Error(err))
		}
		if m == nil {
			b.warnings.Add("Map", fmt.Sprintf("Map with MapUid '%s' for game version '%s' could not be found or downloaded.", override.MapUID, override.GameVersion))
			return nil, &ValidationFailedError{Errors: b.warnings}
		}
		for _, job := range b.req.Jobs {
			if job.Map == nil && job.Status == types.StatusPending {
				job.Map = m
			}
		}
	}

	if err := s.resolveMissingMaps(ctx, b); err != nil {
		return nil, err
	}

	if len(b.req.Jobs) == 0 && (b.hardErrors > 0 || len(files) == 0) {
		if len(files) == 0 {
			b.warnings.Add("files", "No files were uploaded.")
		}
		s.logger.Info("rejecting upload batch",
			zap.Int("files", len(files)),
			zap.Int("hard_errors", b.hardErrors))
		return nil, &ValidationFailedError{Errors: b.warnings}
	}

	b.req.Warnings = b.warnings
	if err := s.store.CreateRequest(ctx, b.req); err != nil {
		return nil, fmt.Errorf("failed to persist validation request: %w", err)
	}

	s.logger.Info("validation request created",
		zap.String("request_id", b.req.ID.String()),
		zap.Int("jobs", len(b.req.Jobs)),
		zap.Int("warnings", b.warnings.Len()),
		zap.Int("hard_errors", b.hardErrors))

	if b.req.HasPending() {
		if err := s.queue.Enqueue(ctx, b.req.ID); err != nil {
			return nil, fmt.Errorf("failed to enqueue validation request: %w", err)
		}
	}
	return b.req, nil
}

// hardError records a per-file error that counts against the batch.
func (b *batch) hardError(key, message string) {
	b.warnings.Add(key, message)
	b.hardErrors++
}

func (s *Service) processFile(ctx context.Context, b *batch, f Upload) error {
	if f.Size == 0 {
		b.hardError(f.Name, "File is empty.")
		return nil
	}
	if f.Size > s.MaxFileSize {
		b.hardError(f.Name, s.tooLarge())
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(f.Content, s.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read upload %s: %w", f.Name, err)
	}
	if len(data) == 0 {
		b.hardError(f.Name, "File is empty.")
		return nil
	}
	if int64(len(data)) > s.MaxFileSize {
		b.hardError(f.Name, s.tooLarge())
		return nil
	}

	blob, err := digest.NewBlob(data, s.now())
	if err != nil {
		return err
	}

	s.logger.Debug("computed upload hash", zap.String("file", f.Name), zap.String("sha256", blob.Hash))

	if first, fresh := b.hashes.Add(blob.Hash, f.Name); !fresh {
		b.hardError(f.Name, fmt.Sprintf("Duplicate file detected: '%s'. It will be skipped.", first))
		return nil
	}

	header, err := s.decoder.Header(ctx, data)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("failed to parse upload", zap.String("file", f.Name), zap.Error(err))
		b.hardError(f.Name, fmt.Sprintf("File could not be parsed: %s", decodeMessage(err)))
		return nil
	}

	if header.Kind == gbx.KindReplay || header.Kind == gbx.KindGhost {
		existing, err := s.store.FindJobsByHash(ctx, blob.Hash)
		if err != nil {
			return fmt.Errorf("failed to look up existing jobs: %w", err)
		}
		if len(existing) > 0 {
			b.warnings.Add(f.Name, fmt.Sprintf("A validation result for this replay already exists (SHA-256: %s).", blob.Hash))
			b.req.Jobs = append(b.req.Jobs, existing...)
			return nil
		}
	}

	switch header.Kind {
	case gbx.KindReplay:
		replay, err := s.decoder.DecodeReplay(ctx, data)
		if err != nil {
			return s.parseFailure(ctx, b, f.Name, err)
		}
		return s.addReplay(b, f.Name, blob, replay)
	case gbx.KindGhost:
		ghost, err := s.decoder.DecodeGhost(ctx, data)
		if err != nil {
			return s.parseFailure(ctx, b, f.Name, err)
		}
		name := f.Name
		b.req.Jobs = append(b.req.Jobs, s.newJob(&name, blob.Hash, nil, blob, ghost, false, types.Bag{}))
	case gbx.KindMap:
		decoded, err := s.decoder.DecodeMap(ctx, data)
		if err != nil {
			return s.parseFailure(ctx, b, f.Name, err)
		}
		b.maps = append(b.maps, uploadedMap{name: f.Name, file: blob, decoded: decoded})
	default:
		b.hardError(f.Name, "File is not one of Replay.Gbx, Ghost.Gbx, or Map.Gbx.")
	}
	return nil
}

func (s *Service) parseFailure(ctx context.Context, b *batch, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Warn("failed to parse upload", zap.String("file", name), zap.Error(err))
	b.hardError(name, fmt.Sprintf("File could not be parsed: %s", decodeMessage(err)))
	return nil
}

func (s *Service) addReplay(b *batch, name string, file *types.Blob, replay *gbx.Replay) error {
	ghosts := replay.Ghosts
	if len(ghosts) > MaxGhostsPerReplay {
		b.warnings.Add(name, fmt.Sprintf("Replay contains %d ghosts. Only the first %d will be validated.", len(ghosts), MaxGhostsPerReplay))
		ghosts = ghosts[:MaxGhostsPerReplay]
	}
	if len(ghosts) == 0 {
		b.hardError(name, "Replay does not contain any ghost.")
		return nil
	}

	for _, g := range ghosts {
		problems := types.Bag{}
		if g.MapUID != replay.MapUID {
			problems.Add("MapUid", fmt.Sprintf("ChallengeUid '%s' does not match the replay's MapUid '%s'.", g.MapUID, replay.MapUID))
		}

		var ghostBlob *types.Blob
		if len(g.Data) > 0 {
			var err error
			ghostBlob, err = digest.NewBlob(g.Data, s.now())
			if err != nil {
				return err
			}
		}

		fileName := name
		b.req.Jobs = append(b.req.Jobs, s.newJob(&fileName, file.Hash, file, ghostBlob, g, true, problems))
	}
	return nil
}

func (s *Service) newJob(fileName *string, hash string, replay, ghostBlob *types.Blob, g *gbx.Ghost, extracted bool, problems types.Bag) *types.Job {
	gv := g.Version()
	build := serverbuild.Resolve(gv, g.ExeVersion)
	if build.Warning != "" {
		problems.Add("ExeVersion", build.Warning)
	}

	var nbCheckpoints *int
	if g.Checkpoints != nil {
		nbCheckpoints = types.Ptr(len(g.Checkpoints))
	}

	job := &types.Job{
		ID:          uuid.Must(uuid.NewV7()),
		Hash:        hash,
		FileName:    fileName,
		Status:      types.StatusPending,
		GameVersion: gv,
		TitleID:     g.TitleID,
		ServerBuild: build.Build,
		HostFamily:  build.Family,
		Declared: types.RaceResult{
			NbCheckpoints: nbCheckpoints,
			NbRespawns:    g.NbRespawns,
			Time:          g.RaceTime,
			Score:         g.StuntScore,
		},
		Replay:                   replay,
		Ghost:                    ghostBlob,
		IsGhostExtracted:         extracted,
		GhostUID:                 g.GhostUID,
		Login:                    g.Login,
		MapUID:                   g.MapUID,
		ExeVersion:               g.ExeVersion,
		ExeChecksum:              g.ExeChecksum,
		OsKind:                   g.OsKind,
		CpuKind:                  g.CpuKind,
		RaceSettings:             g.RaceSettings,
		ValidationSeed:           g.ValidationSeed,
		EventsDuration:           g.EventsDuration,
		RaceTime:                 g.RaceTime,
		WalltimeStartedAt:        g.WalltimeStart,
		WalltimeEndedAt:          g.WalltimeEnd,
		SteeringWheelSensitivity: g.SteeringWheelSensitivity,
		TitleChecksum:            g.TitleChecksum,
		NbInputs:                 len(g.Inputs),
		Checkpoints:              g.Checkpoints,
		Inputs:                   g.Inputs,
		Problems:                 problems,
		CreatedAt:                s.now().UTC(),
	}

	checkDeclared(job, job.DisplayName())
	return job
}

// checkDeclared records informational problems with the recording's self-reported data.
func checkDeclared(job *types.Job, key string) {
	p := job.Problems
	if strings.TrimSpace(job.GhostUID) == "" {
		p.Add(key, "GhostUid is missing.")
	}
	if job.GameVersion != types.GameVersionTM2020 && job.EventsDuration == 0 {
		p.Add(key, "EventsDuration is 0:00.000.")
	}
	switch {
	case job.RaceTime == nil:
		p.Add(key, "RaceTime is missing.")
	case *job.RaceTime == 0:
		p.Add(key, "RaceTime is zero.")
	case *job.RaceTime < 0:
		p.Add(key, "RaceTime is negative.")
	}
	if strings.TrimSpace(job.ExeVersion) == "" {
		p.Add(key, "ExeVersion is missing.")
	}
	if job.ExeChecksum == 0 {
		p.Add(key, "ExeChecksum is zero.")
	}
	if job.GameVersion != types.GameVersionTM2020 && strings.TrimSpace(job.RaceSettings) == "" {
		p.Add(key, "RaceSettings is missing.")
	}
}

// attachUploadedMaps links each uploaded map to the batch jobs on the same uid.
func (s *Service) attachUploadedMaps(ctx context.Context, b *batch) error {
	for _, um := range b.maps {
		var matching []*types.Job
		for _, job := range b.req.Jobs {
			if job.MapUID == um.decoded.UID && job.Status == types.StatusPending {
				matching = append(matching, job)
			}
		}
		if len(matching) == 0 {
			b.hardError(um.name, "Map is not associated with any replay or ghost in the request.")
			continue
		}

		m, err := s.maps.GetOrCreateFromUpload(ctx, um.file, um.decoded)
		if err != nil {
			var uidErr *maps.MapUIDError
			if errors.As(err, &uidErr) {
				b.hardError(um.name, uidErr.Message)
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to process uploaded map", zap.String("file", um.name), zap.Error(err))
			b.hardError(um.name, fmt.Sprintf("Map could not be processed: %v", err))
			continue
		}

		for _, job := range matching {
			job.Map = m
		}
	}
	return nil
}

// resolveMissingMaps tries the local cache for jobs still without a map.
func (s *Service) resolveMissingMaps(ctx context.Context, b *batch) error {
	for _, job := range b.req.Jobs {
		if job.Map != nil || job.Status != types.StatusPending {
			continue
		}
		if job.MapUID == "" {
			b.warnings.Add(job.DisplayName(), "Ghost does not have a MapUid that would allow downloading the map externally.")
			continue
		}
		m, err := s.maps.Resolve(ctx, job.GameVersion, job.MapUID)
		if err != nil {
			return err
		}
		job.Map = m
	}
	return nil
}

func (s *Service) tooLarge() string {
	return fmt.Sprintf("File exceeds the maximum allowed size of %s.", humanize.IBytes(uint64(s.MaxFileSize)))
}

func decodeMessage(err error) string {
	var decodeErr *gbx.DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Message
	}
	return err.Error()
}
