package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/revalidate/internal/gbx"
	"github.com/jonathan/revalidate/internal/gbx/gbxtest"
	"github.com/jonathan/revalidate/internal/maps"
	"github.com/jonathan/revalidate/internal/serverbuild"
	"github.com/jonathan/revalidate/internal/store"
	"github.com/jonathan/revalidate/internal/types"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	svc     *Service
	store   *store.Memory
	decoder *gbxtest.Fake
	queue   *recordingQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	dec := gbxtest.New()
	q := &recordingQueue{}
	resolver := maps.NewResolver(s, dec, nil, nil)
	return &fixture{
		svc:     NewService(s, dec, resolver, q, nil),
		store:   s,
		decoder: dec,
		queue:   q,
	}
}

func upload(name, content string) Upload {
	return Upload{Name: name, Size: int64(len(content)), Content: strings.NewReader(content)}
}

func validGhost(mapUID string) *gbx.Ghost {
	return &gbx.Ghost{
		GameVersion:    "TM2020",
		GhostUID:       "ghost-uid",
		Login:          "player",
		MapUID:         mapUID,
		TitleID:        "Trackmania",
		ExeVersion:     "Trackmania date=2022-10-01_00_00 git=120893-1c5d4a2e0ae GameVersion=3.3.0",
		ExeChecksum:    123,
		EventsDuration: 45300,
		RaceTime:       types.Ptr(int32(45231)),
		NbRespawns:     types.Ptr(0),
		Checkpoints:    []types.Checkpoint{{Time: types.Ptr(int32(20000))}, {Time: types.Ptr(int32(45231))}},
		Inputs:         []types.Input{{Time: 0, Name: "Accelerate", Pressed: types.Ptr(true)}},
	}
}

func TestSubmit_GhostCreatesPendingJob(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	require.Len(t, req.Jobs, 1)

	job := req.Jobs[0]
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, types.GameVersionTM2020, job.GameVersion)
	assert.Equal(t, serverbuild.Latest, job.ServerBuild)
	assert.Equal(t, types.HostFamilyCloud, job.HostFamily)
	assert.False(t, job.IsGhostExtracted)
	require.NotNil(t, job.Ghost)
	assert.Nil(t, job.Replay)
	assert.Equal(t, 2, *job.Declared.NbCheckpoints)
	assert.Equal(t, int32(45231), *job.Declared.Time)
	assert.Equal(t, 1, job.NbInputs)
	assert.Empty(t, job.Problems)

	assert.Equal(t, []uuid.UUID{req.ID}, f.queue.ids)

	stored, err := f.store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Jobs, 1)
}

func TestSubmit_SameContentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)

	second, err := f.svc.Submit(ctx, []Upload{upload("renamed.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	require.Len(t, second.Jobs, 1)
	assert.Equal(t, first.Jobs[0].ID, second.Jobs[0].ID, "existing job is attached, not recreated")
	require.Len(t, second.Warnings["renamed.Ghost.Gbx"], 1)
	assert.Contains(t, second.Warnings["renamed.Ghost.Gbx"][0], "already exists")

	jobs, err := f.store.ListIncompleteJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSubmit_DuplicateInBatchIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))

	req, err := f.svc.Submit(context.Background(), []Upload{
		upload("a.Ghost.Gbx", "ghost-a"),
		upload("copy.Ghost.Gbx", "ghost-a"),
	}, nil)
	require.NoError(t, err)
	assert.Len(t, req.Jobs, 1)
	assert.Equal(t, []string{"Duplicate file detected: 'a.Ghost.Gbx'. It will be skipped."}, req.Warnings["copy.Ghost.Gbx"])
}

func TestSubmit_BatchRejectionBoundary(t *testing.T) {
	t.Run("two errors one job is accepted", func(t *testing.T) {
		f := newFixture(t)
		f.decoder.AddGhost("ghost-a", validGhost("map1"))

		req, err := f.svc.Submit(context.Background(), []Upload{
			upload("a.Ghost.Gbx", "ghost-a"),
			upload("empty.Ghost.Gbx", ""),
			upload("junk.bin", "junk"),
		}, nil)
		require.NoError(t, err)
		assert.Len(t, req.Jobs, 1)
		assert.Equal(t, []string{"File is empty."}, req.Warnings["empty.Ghost.Gbx"])
		assert.Equal(t, []string{"File is not one of Replay.Gbx, Ghost.Gbx, or Map.Gbx."}, req.Warnings["junk.bin"])
	})

	t.Run("three errors zero jobs is rejected", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Submit(context.Background(), []Upload{
			upload("empty.Ghost.Gbx", ""),
			upload("junk.bin", "junk"),
			upload("more.bin", "more"),
		}, nil)
		require.Error(t, err)

		var failed *ValidationFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, 3, failed.Errors.Len())
		assert.Empty(t, f.queue.ids)
	})

	t.Run("empty batch is rejected", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Submit(context.Background(), nil, nil)

		var failed *ValidationFailedError
		require.ErrorAs(t, err, &failed)
	})
}

func TestSubmit_OversizedFile(t *testing.T) {
	f := newFixture(t)
	f.svc.MaxFileSize = 4

	_, err := f.svc.Submit(context.Background(), []Upload{upload("big.Ghost.Gbx", "12345")}, nil)

	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []string{"File exceeds the maximum allowed size of 4 B."}, failed.Errors["big.Ghost.Gbx"])
}

func TestSubmit_ParseFailure(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))
	f.svc.decoder = &failingGhostDecoder{Fake: f.decoder}

	_, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)

	var failed *ValidationFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, []string{"File could not be parsed: truncated body"}, failed.Errors["a.Ghost.Gbx"])
}

type failingGhostDecoder struct {
	*gbxtest.Fake
}

func (d *failingGhostDecoder) DecodeGhost(context.Context, []byte) (*gbx.Ghost, error) {
	return nil, &gbx.DecodeError{Op: "ghost", Message: "truncated body", Cause: errors.New("EOF")}
}

func TestSubmit_ReplayYieldsJobPerGhost(t *testing.T) {
	f := newFixture(t)
	g1 := validGhost("map1")
	g1.Data = []byte("extracted-1")
	g2 := validGhost("other")
	g2.Data = []byte("extracted-2")
	f.decoder.AddReplay("replay", &gbx.Replay{MapUID: "map1", Ghosts: []*gbx.Ghost{g1, g2}})

	req, err := f.svc.Submit(context.Background(), []Upload{upload("r.Replay.Gbx", "replay")}, nil)
	require.NoError(t, err)
	require.Len(t, req.Jobs, 2)

	for _, job := range req.Jobs {
		assert.True(t, job.IsGhostExtracted)
		require.NotNil(t, job.Replay)
		require.NotNil(t, job.Ghost)
		assert.Equal(t, job.Replay.Hash, job.Hash)
	}
	assert.Empty(t, req.Jobs[0].Problems)
	assert.Equal(t, []string{"ChallengeUid 'other' does not match the replay's MapUid 'map1'."}, req.Jobs[1].Problems["MapUid"])
}

func TestSubmit_ReplayResubmissionAttachesEveryJob(t *testing.T) {
	f := newFixture(t)
	g1 := validGhost("map1")
	g1.GhostUID = "ghost-1"
	g2 := validGhost("map1")
	g2.GhostUID = "ghost-2"
	f.decoder.AddReplay("replay", &gbx.Replay{MapUID: "map1", Ghosts: []*gbx.Ghost{g1, g2}})
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, []Upload{upload("r.Replay.Gbx", "replay")}, nil)
	require.NoError(t, err)
	require.Len(t, first.Jobs, 2)

	second, err := f.svc.Submit(ctx, []Upload{upload("again.Replay.Gbx", "replay")}, nil)
	require.NoError(t, err)
	require.Len(t, second.Jobs, 2)
	assert.ElementsMatch(t,
		[]uuid.UUID{first.Jobs[0].ID, first.Jobs[1].ID},
		[]uuid.UUID{second.Jobs[0].ID, second.Jobs[1].ID})
	require.Len(t, second.Warnings["again.Replay.Gbx"], 1)
	assert.Contains(t, second.Warnings["again.Replay.Gbx"][0], "already exists")

	stored, err := f.store.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Jobs, 2)

	jobs, err := f.store.ListIncompleteJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "no job is recreated")
}

func TestSubmit_ReplayGhostCapWarns(t *testing.T) {
	f := newFixture(t)
	ghosts := make([]*gbx.Ghost, MaxGhostsPerReplay+6)
	for i := range ghosts {
		ghosts[i] = validGhost("map1")
		ghosts[i].GhostUID = fmt.Sprintf("ghost-%d", i)
	}
	f.decoder.AddReplay("replay", &gbx.Replay{MapUID: "map1", Ghosts: ghosts})

	req, err := f.svc.Submit(context.Background(), []Upload{upload("r.Replay.Gbx", "replay")}, nil)
	require.NoError(t, err)
	assert.Len(t, req.Jobs, MaxGhostsPerReplay)
	require.Len(t, req.Warnings["r.Replay.Gbx"], 1)
	assert.Contains(t, req.Warnings["r.Replay.Gbx"][0], "70 ghosts")
}

func TestSubmit_DeclaredProblems(t *testing.T) {
	f := newFixture(t)
	g := validGhost("map1")
	g.GameVersion = "TM2"
	g.GhostUID = ""
	g.EventsDuration = 0
	g.RaceTime = types.Ptr(int32(-5))
	g.ExeVersion = ""
	g.ExeChecksum = 0
	g.RaceSettings = ""
	f.decoder.AddGhost("ghost-a", g)

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	require.Len(t, req.Jobs, 1)

	assert.Equal(t, []string{
		"GhostUid is missing.",
		"EventsDuration is 0:00.000.",
		"RaceTime is negative.",
		"ExeVersion is missing.",
		"ExeChecksum is zero.",
		"RaceSettings is missing.",
	}, req.Jobs[0].Problems["a.Ghost.Gbx"])
}

func TestSubmit_NewestGameVersionSkipsSomeChecks(t *testing.T) {
	f := newFixture(t)
	g := validGhost("map1")
	g.EventsDuration = 0
	g.RaceSettings = ""
	g.RaceTime = nil
	f.decoder.AddGhost("ghost-a", g)

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"RaceTime is missing."}, req.Jobs[0].Problems["a.Ghost.Gbx"])
}

func TestSubmit_UnparsableExeVersionFallsBack(t *testing.T) {
	f := newFixture(t)
	g := validGhost("map1")
	g.ExeVersion = "Trackmania date=yesterday"
	f.decoder.AddGhost("ghost-a", g)

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, serverbuild.Latest, req.Jobs[0].ServerBuild)
	require.Len(t, req.Jobs[0].Problems["ExeVersion"], 1)
	assert.Contains(t, req.Jobs[0].Problems["ExeVersion"][0], "Could not parse date")
}

func TestSubmit_UploadedMapIsAttached(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))
	f.decoder.AddMap("map-file", &gbx.Map{UID: "map1", GameVersion: "TM2020", Name: "One"})

	req, err := f.svc.Submit(context.Background(), []Upload{
		upload("m.Map.Gbx", "map-file"),
		upload("a.Ghost.Gbx", "ghost-a"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, req.Jobs, 1)
	require.NotNil(t, req.Jobs[0].Map)
	assert.Equal(t, "map1", req.Jobs[0].Map.MapUID)
	assert.True(t, req.Jobs[0].Map.UserUploaded)
}

func TestSubmit_OrphanMapIsHardError(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))
	f.decoder.AddMap("map-file", &gbx.Map{UID: "unrelated", GameVersion: "TM2020"})

	req, err := f.svc.Submit(context.Background(), []Upload{
		upload("a.Ghost.Gbx", "ghost-a"),
		upload("m.Map.Gbx", "map-file"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Map is not associated with any replay or ghost in the request."}, req.Warnings["m.Map.Gbx"])
	assert.Nil(t, req.Jobs[0].Map)
}

func TestSubmit_InvalidUploadedMapUID(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("bad uid"))
	f.decoder.AddMap("map-file", &gbx.Map{UID: "bad uid", GameVersion: "TM2020"})

	req, err := f.svc.Submit(context.Background(), []Upload{
		upload("a.Ghost.Gbx", "ghost-a"),
		upload("m.Map.Gbx", "map-file"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, req.Warnings["m.Map.Gbx"], 1)
	assert.Contains(t, req.Warnings["m.Map.Gbx"][0], "is not valid")
}

func TestSubmit_CachedMapIsResolved(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost("map1"))
	require.NoError(t, f.store.CreateMap(context.Background(), &types.Map{GameVersion: types.GameVersionTM2020, MapUID: "map1"}))

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	require.NotNil(t, req.Jobs[0].Map)
}

func TestSubmit_GhostWithoutMapUIDWarns(t *testing.T) {
	f := newFixture(t)
	f.decoder.AddGhost("ghost-a", validGhost(""))

	req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")}, nil)
	require.NoError(t, err)
	assert.Contains(t, req.Warnings["a.Ghost.Gbx"], "Ghost does not have a MapUid that would allow downloading the map externally.")
}

func TestSubmit_MapOverride(t *testing.T) {
	t.Run("invalid uid fails the batch", func(t *testing.T) {
		f := newFixture(t)
		f.decoder.AddGhost("ghost-a", validGhost("map1"))

		_, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")},
			&MapOverride{GameVersion: types.GameVersionTM2020, MapUID: "no-dashes"})

		var failed *ValidationFailedError
		require.ErrorAs(t, err, &failed)
		assert.NotEmpty(t, failed.Errors["mapUid"])
	})

	t.Run("unknown map fails the batch", func(t *testing.T) {
		f := newFixture(t)
		f.decoder.AddGhost("ghost-a", validGhost("map1"))

		_, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")},
			&MapOverride{GameVersion: types.GameVersionTM2020, MapUID: "missing"})

		var failed *ValidationFailedError
		require.ErrorAs(t, err, &failed)
		assert.NotEmpty(t, failed.Errors["Map"])
	})

	t.Run("known map is attached", func(t *testing.T) {
		f := newFixture(t)
		f.decoder.AddGhost("ghost-a", validGhost("map1"))
		require.NoError(t, f.store.CreateMap(context.Background(), &types.Map{GameVersion: types.GameVersionTM2020, MapUID: "forced"}))

		req, err := f.svc.Submit(context.Background(), []Upload{upload("a.Ghost.Gbx", "ghost-a")},
			&MapOverride{GameVersion: types.GameVersionTM2020, MapUID: "forced"})
		require.NoError(t, err)
		require.NotNil(t, req.Jobs[0].Map)
		assert.Equal(t, "forced", req.Jobs[0].Map.MapUID)
	})
}

func TestValidationFailedError_Message(t *testing.T) {
	err := &ValidationFailedError{Errors: types.Bag{"b": {"two"}, "a": {"one"}}}
	assert.Equal(t, "validation failed: a: one; b: two", err.Error())
}
