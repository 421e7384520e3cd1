package gbx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/revalidate/internal/types"
)

// writeScript creates a fake decoder that answers per operation.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "decoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\ncat >/dev/null\n"+body), 0o755))
	return path
}

func TestExecDecoder_Ghost(t *testing.T) {
	script := writeScript(t, `case "$1" in
header) echo '{"kind":"ghost","game_version":"TM2020"}' ;;
ghost) echo '{"game_version":"TM2020","ghost_uid":"g-1","map_uid":"abc","events_duration":0,"exe_checksum":42,"race_time":45231,"checkpoints":[{"time":20000},{"time":45231}],"inputs":[{"time":0,"name":"Accelerate","pressed":true}]}' ;;
*) exit 2 ;;
esac
`)
	d := NewExecDecoder("sh " + script)
	ctx := context.Background()

	h, err := d.Header(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, KindGhost, h.Kind)

	g, err := d.DecodeGhost(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, types.GameVersionTM2020, g.Version())
	assert.Equal(t, "g-1", g.GhostUID)
	assert.Equal(t, uint32(42), g.ExeChecksum)
	require.NotNil(t, g.RaceTime)
	assert.Equal(t, int32(45231), *g.RaceTime)
	assert.Len(t, g.Checkpoints, 2)
	require.Len(t, g.Inputs, 1)
	assert.Equal(t, "Accelerate", g.Inputs[0].Name)
}

func TestExecDecoder_FailureIsDecodeError(t *testing.T) {
	script := writeScript(t, "echo 'not a gbx file' >&2\nexit 1\n")
	d := NewExecDecoder("sh " + script)

	_, err := d.DecodeMap(context.Background(), []byte("blob"))
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "map", decodeErr.Op)
	assert.Equal(t, "not a gbx file", decodeErr.Message)
}

func TestExecDecoder_SchemaMismatch(t *testing.T) {
	script := writeScript(t, `echo '{"kind":"skin"}'`+"\n")
	d := NewExecDecoder("sh " + script)

	_, err := d.Header(context.Background(), []byte("blob"))
	require.Error(t, err)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, "unexpected decoder output", decodeErr.Message)
}

func TestExecDecoder_NoCommand(t *testing.T) {
	d := NewExecDecoder("")
	_, err := d.Header(context.Background(), nil)
	assert.Error(t, err)
}
