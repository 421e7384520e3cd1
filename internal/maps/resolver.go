// Package maps resolves track definitions for validation jobs: a content-addressed
// cache keyed by hash, with a secondary lookup by (game version, map uid) and an
// external catalog fallback.
package maps

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jonathan/revalidate/internal/catalog"
	"github.com/jonathan/revalidate/internal/digest"
	"github.com/jonathan/revalidate/internal/gbx"
	"github.com/jonathan/revalidate/internal/store"
	"github.com/jonathan/revalidate/internal/types"
)

var mapUIDRegex = regexp.MustCompile(`^[_0-9a-zA-Z]{1,32}$`)

// MapUIDError reports a map identifier that cannot be used for validation.
type MapUIDError struct {
	UID     string
	Message string
}

func (e *MapUIDError) Error() string {
	return e.Message
}

// ValidateMapUID checks that uid is 1-32 characters of letters, digits or underscores.
func ValidateMapUID(uid string) error {
	if strings.TrimSpace(uid) == "" {
		return &MapUIDError{UID: uid, Message: "MapUid is null, empty, or whitespace. This is not allowed for validation."}
	}
	if !mapUIDRegex.MatchString(uid) {
		return &MapUIDError{
			UID:     uid,
			Message: fmt.Sprintf("MapUid '%s' is not valid. It must be 1-32 characters long and can only contain letters, numbers, and underscores.", uid),
		}
	}
	return nil
}

// Catalog is the external map source.
type Catalog interface {
	Configured() bool
	GetMapInfo(ctx context.Context, uid string) (*catalog.MapInfo, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Store is the persistence the resolver needs.
type Store interface {
	store.Maps
	SetJobMap(ctx context.Context, jobID, mapID uuid.UUID) error
}

// Resolver finds or creates maps.
type Resolver struct {
	store   Store
	decoder gbx.Decoder
	catalog Catalog
	logger  *zap.Logger
	now     func() time.Time
	fetches singleflight.Group
}

// NewResolver creates a resolver. cat may be nil when no catalog is configured.
func NewResolver(s Store, decoder gbx.Decoder, cat Catalog, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   s,
		decoder: decoder,
		catalog: cat,
		logger:  logger.Named("maps"),
		now:     time.Now,
	}
}

// PreferredMap picks canonical rows before user uploads, then the oldest.
func PreferredMap(candidates []*types.Map) *types.Map {
	if len(candidates) == 0 {
		return nil
	}
	sorted := append([]*types.Map(nil), candidates...)
	sort.SliceStable(sorted, func(i, k int) bool {
		a, b := sorted[i], sorted[k]
		if a.IsCanonical() != b.IsCanonical() {
			return a.IsCanonical()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return sorted[0]
}

// Resolve returns the cached map for (gameVersion, uid), or nil.
func (r *Resolver) Resolve(ctx context.Context, gameVersion types.GameVersion, uid string) (*types.Map, error) {
	candidates, err := r.store.FindMaps(ctx, gameVersion, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to look up map %s: %w", uid, err)
	}
	return PreferredMap(candidates), nil
}

// ResolveOrFetch is Resolve with a catalog download on a cache miss. Game
// versions the catalog does not serve return nil without error.
func (r *Resolver) ResolveOrFetch(ctx context.Context, gameVersion types.GameVersion, uid string) (*types.Map, error) {
	m, err := r.Resolve(ctx, gameVersion, uid)
	if err != nil || m != nil {
		return m, err
	}
	if gameVersion != types.GameVersionTM2020 || r.catalog == nil || !r.catalog.Configured() {
		return nil, nil
	}

	v, err, _ := r.fetches.Do(string(gameVersion)+"/"+uid, func() (any, error) {
		return r.fetch(ctx, uid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Map), nil
}

func (r *Resolver) fetch(ctx context.Context, uid string) (*types.Map, error) {
	// another caller may have stored it while we waited
	if m, err := r.Resolve(ctx, types.GameVersionTM2020, uid); err != nil || m != nil {
		return m, err
	}

	info, err := r.catalog.GetMapInfo(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to get map info for %s: %w", uid, err)
	}
	if info == nil {
		r.logger.Info("map not found in catalog", zap.String("map_uid", uid))
		return nil, nil
	}

	data, err := r.catalog.Download(ctx, info.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download map %s: %w", uid, err)
	}

	file, err := digest.NewBlob(data, r.now())
	if err != nil {
		return nil, err
	}

	decoded, err := r.decoder.DecodeMap(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode downloaded map %s: %w", uid, err)
	}

	m := &types.Map{
		ID:              uuid.Must(uuid.NewV7()),
		Hash:            &file.Hash,
		GameVersion:     types.GameVersionTM2020,
		MapUID:          info.UID,
		Name:            info.Name,
		DeformattedName: deformatted(decoded, info.Name),
		EnvironmentID:   decoded.EnvironmentID,
		ModeID:          decoded.ModeID,
		AuthorTime:      &info.AuthorTime,
		AuthorScore:     decoded.AuthorScore,
		NbLaps:          laps(decoded.NbLaps),
		Thumbnail:       decoded.Thumbnail,
		File:            file,
		UserUploaded:    false,
		ExternalID:      &info.MapID,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.CreateMap(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store downloaded map %s: %w", uid, err)
	}

	r.logger.Info("map downloaded from catalog",
		zap.String("map_uid", uid),
		zap.String("external_id", info.MapID),
		zap.String("sha256", file.Hash))
	return m, nil
}

// GetOrCreateFromUpload returns the stored map with the same content, or stores
// a new user-uploaded map after validating its uid.
func (r *Resolver) GetOrCreateFromUpload(ctx context.Context, file *types.Blob, decoded *gbx.Map) (*types.Map, error) {
	existing, err := r.store.FindMapByHash(ctx, file.Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up map by hash: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if err := ValidateMapUID(decoded.UID); err != nil {
		return nil, err
	}

	hash := file.Hash
	m := &types.Map{
		ID:              uuid.Must(uuid.NewV7()),
		Hash:            &hash,
		GameVersion:     decoded.Version(),
		MapUID:          decoded.UID,
		Name:            decoded.Name,
		DeformattedName: deformatted(decoded, decoded.Name),
		EnvironmentID:   decoded.EnvironmentID,
		ModeID:          decoded.ModeID,
		AuthorTime:      decoded.AuthorTime,
		AuthorScore:     decoded.AuthorScore,
		NbLaps:          laps(decoded.NbLaps),
		Thumbnail:       decoded.Thumbnail,
		File:            file,
		UserUploaded:    true,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.store.CreateMap(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to store uploaded map %s: %w", decoded.UID, err)
	}
	return m, nil
}

// FillMissing resolves maps for jobs that have none, fetching from the catalog
// when allowed, and links them. It returns the number of jobs updated. Catalog
// failures are logged and leave the job without a map.
func (r *Resolver) FillMissing(ctx context.Context, jobs []*types.Job) (int, error) {
	type key struct {
		gv  types.GameVersion
		uid string
	}
	resolved := make(map[key]*types.Map)
	n := 0

	for _, job := range jobs {
		if job.Map != nil || job.MapUID == "" {
			continue
		}

		k := key{job.GameVersion, job.MapUID}
		m, seen := resolved[k]
		if !seen {
			var err error
			m, err = r.ResolveOrFetch(ctx, job.GameVersion, job.MapUID)
			if err != nil {
				if ctx.Err() != nil {
					return n, ctx.Err()
				}
				r.logger.Warn("failed to resolve map",
					zap.String("job_id", job.ID.String()),
					zap.String("map_uid", job.MapUID),
					zap.Error(err))
			}
			resolved[k] = m
		}
		if m == nil {
			continue
		}

		if err := r.store.SetJobMap(ctx, job.ID, m.ID); err != nil {
			return n, fmt.Errorf("failed to link map to job %s: %w", job.ID, err)
		}
		job.Map = m
		n++
	}
	return n, nil
}

func deformatted(decoded *gbx.Map, fallback string) string {
	if decoded.DeformattedName != "" {
		return decoded.DeformattedName
	}
	return fallback
}

func laps(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
