package observability

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/revalidate/internal/types"
)

func TestFormatRaceTime(t *testing.T) {
	assert.Equal(t, "-", FormatRaceTime(nil))
	assert.Equal(t, "0:45.231", FormatRaceTime(types.Ptr(int32(45231))))
	assert.Equal(t, "1:02.005", FormatRaceTime(types.Ptr(int32(62005))))
	assert.Equal(t, "-0:01.500", FormatRaceTime(types.Ptr(int32(-1500))))
}

func TestFormatValidity(t *testing.T) {
	assert.Equal(t, "unknown", FormatValidity(nil))
	assert.Equal(t, "valid", FormatValidity(types.Ptr(true)))
	assert.Equal(t, "invalid", FormatValidity(types.Ptr(false)))
}

func TestPrintRequest(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	name := "a.Ghost.Gbx"
	completed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	req := &types.ValidationRequest{
		ID:          uuid.Must(uuid.NewV7()),
		CompletedAt: &completed,
		Warnings:    types.Bag{"b.Ghost.Gbx": {"Duplicate file detected"}},
		Jobs: []*types.Job{{
			FileName:    &name,
			Status:      types.StatusCompleted,
			GameVersion: types.GameVersionTM2020,
			ServerBuild: "Latest",
			MapUID:      "map1",
			Declared:    types.RaceResult{Time: types.Ptr(int32(45231))},
			IsValid:     types.Ptr(true),
			Distros: []*types.DistroRun{
				{DistroID: "alpine", Status: types.StatusCompleted, IsValid: types.Ptr(true)},
				{DistroID: "noble", Status: types.StatusFailed},
			},
			Problems: types.Bag{name: {"GhostUid is missing."}},
		}},
	}

	p.PrintRequest(req)
	output := buf.String()

	assert.Contains(t, output, "VALIDATION REQUEST")
	assert.Contains(t, output, req.ID.String())
	assert.Contains(t, output, "completed 2024-05-01 10:00:00")
	assert.Contains(t, output, "a.Ghost.Gbx")
	assert.Contains(t, output, "map1 (unresolved)")
	assert.Contains(t, output, "0:45.231")
	assert.Contains(t, output, "alpine")
	assert.Contains(t, output, "GhostUid is missing.")
	assert.Contains(t, output, "Duplicate file detected")
}

func TestPrintRequest_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintRequest(nil)
	assert.Empty(t, buf.String())
}

func TestPrintWarnings_Empty(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintWarnings("WARNINGS", nil)
	assert.Empty(t, buf.String())
}

func TestNewLogger(t *testing.T) {
	for _, verbose := range []bool{true, false} {
		logger, err := NewLogger(verbose)
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.Equal(t, verbose, logger.Core().Enabled(-1))
	}
}
