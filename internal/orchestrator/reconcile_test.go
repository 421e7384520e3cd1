package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/gbx"
	"github.com/jonathan/revalidate/internal/types"
	"github.com/jonathan/revalidate/internal/validator"
)

// steppingClock returns a clock that advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func decodeRecord(t *testing.T, raw string) *validator.Record {
	t.Helper()
	rec, err := validator.NewDecoder(strings.NewReader(raw)).Next()
	require.NoError(t, err)
	return rec
}

// extractedJob submits a one-ghost replay and returns its job ready for reconciliation.
func extractedJob(t *testing.T, f *fixture) *types.Job {
	t.Helper()
	g := ghost("TM2020", "map1")
	g.Data = []byte("extracted")
	f.decoder.AddReplay("replay", &gbx.Replay{MapUID: "map1", Ghosts: []*gbx.Ghost{g}})
	req := f.submit(t, map[string]string{"r.Replay.Gbx": "replay"})
	require.Len(t, req.Jobs, 1)
	job := f.job(t, req.Jobs[0].ID)
	require.True(t, job.IsGhostExtracted)
	return job
}

func TestRunSet_SecondCompletionKeepsTimestamp(t *testing.T) {
	f := newFixture(t, "alpine")
	job := extractedJob(t, f)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rs := newRunSet(f.store, steppingClock(start), zap.NewNop())
	require.NoError(t, rs.prepare(ctx, []*types.Job{job}, []string{"alpine"}))
	require.NoError(t, rs.start(ctx, "alpine")) // +1s

	replayFile := validator.FileName(job.ID, validator.FileReplay)
	ghostFile := validator.FileName(job.ID, validator.FileGhost)

	require.NoError(t, rs.apply(ctx, "alpine", decodeRecord(t, fmt.Sprintf(`{"FileName":%q,"IsValid":true}`, replayFile)))) // +2s
	require.NoError(t, rs.apply(ctx, "alpine", decodeRecord(t, fmt.Sprintf(`{"FileName":%q,"IsValid":true}`, ghostFile))))

	run := f.job(t, job.ID).Distro("alpine")
	require.NotNil(t, run)
	assert.Equal(t, types.StatusCompleted, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.True(t, run.StartedAt.Equal(start.Add(time.Second)))
	require.NotNil(t, run.CompletedAt)
	assert.True(t, run.CompletedAt.Equal(start.Add(2*time.Second)), "completed at %s", run.CompletedAt)
	assert.True(t, *run.IsValid)
	assert.True(t, *run.IsValidExtracted)
}

func TestRunSet_ValidatedFollowsReproducingRecord(t *testing.T) {
	invalidReplay := `{"FileName":%q,"IsValid":false,"ValidatedResult":{"Time":45000}}`
	validGhost := `{"FileName":%q,"IsValid":true,"ValidatedResult":{"Time":45231}}`
	validReplay := `{"FileName":%q,"IsValid":true,"ValidatedResult":{"Time":45100}}`

	tests := []struct {
		name  string
		order []string // "replay:<template>" or "ghost:<template>"
		want  int32
	}{
		{name: "invalid replay then valid ghost", order: []string{"replay:" + invalidReplay, "ghost:" + validGhost}, want: 45231},
		{name: "valid ghost then invalid replay", order: []string{"ghost:" + validGhost, "replay:" + invalidReplay}, want: 45231},
		{name: "valid replay then valid ghost", order: []string{"replay:" + validReplay, "ghost:" + validGhost}, want: 45100},
		{name: "valid ghost then valid replay", order: []string{"ghost:" + validGhost, "replay:" + validReplay}, want: 45100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "alpine")
			job := extractedJob(t, f)
			ctx := context.Background()

			rs := newRunSet(f.store, time.Now, zap.NewNop())
			require.NoError(t, rs.prepare(ctx, []*types.Job{job}, []string{"alpine"}))
			require.NoError(t, rs.start(ctx, "alpine"))

			for _, step := range tt.order {
				kind, tmpl, _ := strings.Cut(step, ":")
				file := validator.FileName(job.ID, validator.FileGhost)
				if kind == "replay" {
					file = validator.FileName(job.ID, validator.FileReplay)
				}
				require.NoError(t, rs.apply(ctx, "alpine", decodeRecord(t, fmt.Sprintf(tmpl, file))))
			}

			run := f.job(t, job.ID).Distro("alpine")
			require.NotNil(t, run)
			require.NotNil(t, run.Validated)
			assert.Equal(t, tt.want, *run.Validated.Time)

			_, _, validated := Consensus([]*types.DistroRun{run})
			assert.Equal(t, tt.want, *validated.Time)
		})
	}
}
