package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/revalidate/internal/validator"
)

func TestAcquire_CreatesLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewPool(fs, "/data")

	w, err := p.Acquire(context.Background(), "TM2020", "Latest")
	require.NoError(t, err)
	defer w.Release()

	assert.Equal(t, "TM2020_Latest", w.Key())
	assert.Equal(t, filepath.Join("/data", "servers", "TM2020_Latest"), w.Dir())
	for _, dir := range []string{w.ReplaysDir(), w.MapsDir(), p.ArchivesDir()} {
		ok, err := afero.DirExists(fs, dir)
		require.NoError(t, err)
		assert.True(t, ok, dir)
	}
}

func TestWriteAndReset(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewPool(fs, "/data")
	w, err := p.Acquire(context.Background(), "TM2020", "Latest")
	require.NoError(t, err)
	defer w.Release()

	id := uuid.Must(uuid.NewV7())
	path, err := w.WriteRecording(id, validator.FileGhost, []byte("ghost"))
	require.NoError(t, err)
	assert.Equal(t, id.String()+".Ghost.Gbx", filepath.Base(path))

	mapPath, err := w.WriteMap("abc123", []byte("map"))
	require.NoError(t, err)
	assert.Equal(t, "abc123.Map.Gbx", filepath.Base(mapPath))

	names, err := w.Recordings()
	require.NoError(t, err)
	assert.Equal(t, []string{id.String() + ".Ghost.Gbx"}, names)

	require.NoError(t, w.Reset())
	names, err = w.Recordings()
	require.NoError(t, err)
	assert.Empty(t, names)

	ok, err := afero.Exists(fs, mapPath)
	require.NoError(t, err)
	assert.True(t, ok, "maps survive a reset")
}

func TestAcquire_IsExclusivePerKey(t *testing.T) {
	p := NewPool(afero.NewMemMapFs(), "/data")

	first, err := p.Acquire(context.Background(), "TM2020", "Latest")
	require.NoError(t, err)

	other, err := p.Acquire(context.Background(), "ManiaPlanet", "Latest")
	require.NoError(t, err, "different keys do not block each other")
	other.Release()

	acquired := make(chan *Workspace)
	go func() {
		w, err := p.Acquire(context.Background(), "TM2020", "Latest")
		if err == nil {
			acquired <- w
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a busy area")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()
	first.Release()

	select {
	case w := <-acquired:
		w.Release()
	case <-time.After(time.Second):
		t.Fatal("area was not handed over after release")
	}
	assert.Equal(t, 0, p.InUse())
}

func TestAcquire_HonorsContext(t *testing.T) {
	p := NewPool(afero.NewMemMapFs(), "/data")
	held, err := p.Acquire(context.Background(), "TM2020", "Latest")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "TM2020", "Latest")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.InUse())

	held.Release()
	assert.Equal(t, 0, p.InUse())
}
