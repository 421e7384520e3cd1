// Package gbxtest provides an in-memory decoder for tests.
package gbxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonathan/revalidate/internal/gbx"
)

// Fake decodes blobs by looking up their exact content.
type Fake struct {
	mu      sync.Mutex
	replays map[string]*gbx.Replay
	ghosts  map[string]*gbx.Ghost
	maps    map[string]*gbx.Map
}

// New creates an empty fake decoder.
func New() *Fake {
	return &Fake{
		replays: make(map[string]*gbx.Replay),
		ghosts:  make(map[string]*gbx.Ghost),
		maps:    make(map[string]*gbx.Map),
	}
}

// AddReplay registers data as a replay.
func (f *Fake) AddReplay(data string, r *gbx.Replay) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replays[data] = r
}

// AddGhost registers data as a ghost.
func (f *Fake) AddGhost(data string, g *gbx.Ghost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ghosts[data] = g
}

// AddMap registers data as a map.
func (f *Fake) AddMap(data string, m *gbx.Map) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maps[data] = m
}

func (f *Fake) Header(_ context.Context, data []byte) (*gbx.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(data)
	switch {
	case f.replays[key] != nil:
		return &gbx.Header{Kind: gbx.KindReplay}, nil
	case f.ghosts[key] != nil:
		return &gbx.Header{Kind: gbx.KindGhost}, nil
	case f.maps[key] != nil:
		return &gbx.Header{Kind: gbx.KindMap}, nil
	default:
		return &gbx.Header{Kind: gbx.KindUnknown}, nil
	}
}

func (f *Fake) DecodeReplay(_ context.Context, data []byte) (*gbx.Replay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.replays[string(data)]; ok {
		return r, nil
	}
	return nil, &gbx.DecodeError{Op: "replay", Message: fmt.Sprintf("unknown blob of %d bytes", len(data))}
}

func (f *Fake) DecodeGhost(_ context.Context, data []byte) (*gbx.Ghost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.ghosts[string(data)]; ok {
		return g, nil
	}
	return nil, &gbx.DecodeError{Op: "ghost", Message: fmt.Sprintf("unknown blob of %d bytes", len(data))}
}

func (f *Fake) DecodeMap(_ context.Context, data []byte) (*gbx.Map, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.maps[string(data)]; ok {
		return m, nil
	}
	return nil, &gbx.DecodeError{Op: "map", Message: fmt.Sprintf("unknown blob of %d bytes", len(data))}
}
