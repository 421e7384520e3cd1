// Package workspace manages the per-server working areas the validator reads
// recordings and maps from. One area exists per (server type, build) and is
// held by at most one group at a time.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/jonathan/revalidate/internal/validator"
)

const dirPerm os.FileMode = 0o755
const filePerm os.FileMode = 0o644

// Pool hands out exclusive, reference-counted working areas.
type Pool struct {
	fs   afero.Fs
	root string

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewPool creates a pool rooted at root on fs.
func NewPool(fs afero.Fs, root string) *Pool {
	return &Pool{fs: fs, root: root, entries: make(map[string]*entry)}
}

// ServersDir is the directory holding every server working area.
func (p *Pool) ServersDir() string {
	return filepath.Join(p.root, "servers")
}

// ArchivesDir is the directory the validator caches downloaded server archives in.
func (p *Pool) ArchivesDir() string {
	return filepath.Join(p.root, "archives")
}

// Key names the working area of a server type and build.
func Key(serverType, build string) string {
	return serverType + "_" + build
}

// InUse returns the number of areas currently held or waited on.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire blocks until the area for (serverType, build) is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context, serverType, build string) (*Workspace, error) {
	key := Key(serverType, build)

	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		p.entries[key] = e
	}
	e.refs++
	p.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		p.unref(key, e)
		return nil, ctx.Err()
	}

	w := &Workspace{pool: p, key: key, entry: e, dir: filepath.Join(p.ServersDir(), key)}
	for _, dir := range []string{w.ReplaysDir(), w.MapsDir(), p.ArchivesDir()} {
		if err := p.fs.MkdirAll(dir, dirPerm); err != nil {
			w.Release()
			return nil, fmt.Errorf("failed to prepare working area %s: %w", key, err)
		}
	}
	return w, nil
}

func (p *Pool) unref(key string, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(p.entries, key)
	}
}

// Workspace is one held working area.
type Workspace struct {
	pool  *Pool
	key   string
	entry *entry
	dir   string
	once  sync.Once
}

// Key returns the area name.
func (w *Workspace) Key() string { return w.key }

// Dir returns the server directory of the area.
func (w *Workspace) Dir() string { return w.dir }

// ReplaysDir holds the recordings to validate.
func (w *Workspace) ReplaysDir() string {
	return filepath.Join(w.dir, "UserData", "Replays")
}

// MapsDir holds the maps the recordings were driven on.
func (w *Workspace) MapsDir() string {
	return filepath.Join(w.dir, "UserData", "Maps")
}

// Reset removes every recording left from an earlier group.
func (w *Workspace) Reset() error {
	if err := w.pool.fs.RemoveAll(w.ReplaysDir()); err != nil {
		return fmt.Errorf("failed to clear %s: %w", w.ReplaysDir(), err)
	}
	if err := w.pool.fs.MkdirAll(w.ReplaysDir(), dirPerm); err != nil {
		return fmt.Errorf("failed to recreate %s: %w", w.ReplaysDir(), err)
	}
	return nil
}

// WriteRecording stores a job's replay or ghost under its validator file name.
func (w *Workspace) WriteRecording(jobID uuid.UUID, kind validator.FileKind, data []byte) (string, error) {
	path := filepath.Join(w.ReplaysDir(), validator.FileName(jobID, kind))
	if err := afero.WriteFile(w.pool.fs, path, data, filePerm); err != nil {
		return "", fmt.Errorf("failed to write recording %s: %w", path, err)
	}
	return path, nil
}

// WriteMap stores a map file, named by its uid.
func (w *Workspace) WriteMap(uid string, data []byte) (string, error) {
	path := filepath.Join(w.MapsDir(), uid+".Map.Gbx")
	if err := afero.WriteFile(w.pool.fs, path, data, filePerm); err != nil {
		return "", fmt.Errorf("failed to write map %s: %w", path, err)
	}
	return path, nil
}

// Recordings lists the recording file names currently in the area.
func (w *Workspace) Recordings() ([]string, error) {
	infos, err := afero.ReadDir(w.pool.fs, w.ReplaysDir())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		if !fi.IsDir() {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}

// Release gives the area back to the pool. It is safe to call more than once.
func (w *Workspace) Release() {
	w.once.Do(func() {
		<-w.entry.sem
		w.pool.unref(w.key, w.entry)
	})
}
