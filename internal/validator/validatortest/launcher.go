// Package validatortest provides a scripted validator launcher for tests.
package validatortest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/jonathan/revalidate/internal/validator"
)

// Script is the canned behavior of one process.
type Script struct {
	Stdout   string
	Stderr   string
	ExitErr  error
	StartErr error
	// Block keeps stdout open until the start context is cancelled.
	Block bool
}

// Launcher starts scripted processes. Setup is used for setup-only specs,
// Runs[distro] for validation runs.
type Launcher struct {
	Setup Script
	Runs  map[string]Script

	mu    sync.Mutex
	specs []validator.Spec
}

// New creates a launcher with no scripted runs.
func New() *Launcher {
	return &Launcher{Runs: make(map[string]Script)}
}

// Specs returns every spec passed to Start, in call order.
func (l *Launcher) Specs() []validator.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]validator.Spec(nil), l.specs...)
}

func (l *Launcher) Start(ctx context.Context, spec validator.Spec) (validator.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	script := l.Setup
	if !spec.SetupOnly {
		script = l.Runs[spec.Distro]
	}
	l.mu.Unlock()

	if script.StartErr != nil {
		return nil, script.StartErr
	}

	p := &process{
		name:   "fake-" + spec.Distro,
		stderr: strings.NewReader(script.Stderr),
		exit:   script.ExitErr,
	}
	if script.Block {
		pr, pw := io.Pipe()
		go func() {
			_, _ = io.WriteString(pw, script.Stdout)
			<-ctx.Done()
			_ = pw.Close()
		}()
		p.stdout = pr
		p.ctx = ctx
	} else {
		p.stdout = strings.NewReader(script.Stdout)
	}
	return p, nil
}

type process struct {
	name   string
	stdout io.Reader
	stderr io.Reader
	exit   error
	ctx    context.Context
}

func (p *process) Name() string      { return p.name }
func (p *process) Stdout() io.Reader { return p.stdout }
func (p *process) Stderr() io.Reader { return p.stderr }

func (p *process) Wait() error {
	if p.ctx != nil && p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	return p.exit
}
