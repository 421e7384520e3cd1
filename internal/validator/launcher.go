package validator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Spec parameterizes one validator process.
type Spec struct {
	Distro       string
	ServerType   string
	Build        string
	TitleID      string
	Titles       []string
	DownloadHost string
	ArchivesDir  string
	ServersDir   string
	// SetupOnly prepares server assets without validating anything.
	SetupOnly bool
}

// Process is a running validator.
type Process interface {
	Name() string
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait must only be called after both streams were read to EOF.
	Wait() error
}

// Launcher starts validator processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// ProcessError reports a validator process that could not run to a clean exit.
type ProcessError struct {
	Name    string
	Distro  string
	Message string
	Cause   error
}

func (e *ProcessError) Error() string {
	prefix := e.Name
	if e.Distro != "" {
		prefix = fmt.Sprintf("%s (%s)", e.Name, e.Distro)
	}
	if e.Cause != nil {
		return fmt.Sprintf("validator %s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("validator %s: %s", prefix, e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// DefaultWaitDelay bounds how long a cancelled process may keep its pipes open.
const DefaultWaitDelay = 10 * time.Second

// DockerLauncher runs the validator image with the docker CLI. Each container
// gets a unique name; cancelling the start context kills it.
type DockerLauncher struct {
	Docker    string
	Image     string
	WaitDelay time.Duration
	Logger    *zap.Logger
}

// Args builds the docker command line for spec.
func (l *DockerLauncher) Args(name string, spec Spec) []string {
	args := []string{"run", "--rm", "--name", name}
	env := func(k, v string) {
		args = append(args, "-e", k+"="+v)
	}

	env("MSM_SERVER_TYPE", spec.ServerType)
	env("MSM_SERVER_VERSION", spec.Build)
	if spec.DownloadHost != "" {
		env("MSM_SERVER_DOWNLOAD_HOST", spec.DownloadHost)
	}
	if spec.TitleID != "" {
		env("MSM_TITLE", spec.TitleID)
	}
	if len(spec.Titles) > 0 {
		env("MSM_PREPARE_TITLES", strings.Join(spec.Titles, ","))
	}
	if spec.SetupOnly {
		env("MSM_SETUP_ONLY", "True")
	} else {
		env("MSM_VALIDATE_PATH", ".")
		env("MSM_ONLY_STDOUT", "True")
	}

	args = append(args,
		"-v", spec.ArchivesDir+":/app/data/archives",
		"-v", spec.ServersDir+":/app/data/servers",
	)

	image := l.Image
	if spec.Distro != "" {
		image += ":" + spec.Distro
	}
	return append(args, image)
}

// Start launches a container for spec.
func (l *DockerLauncher) Start(ctx context.Context, spec Spec) (Process, error) {
	docker := l.Docker
	if docker == "" {
		docker = "docker"
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	waitDelay := l.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}

	name := "revalidate-" + uuid.Must(uuid.NewV7()).String()
	cmd := exec.CommandContext(ctx, docker, l.Args(name, spec)...)
	cmd.Cancel = func() error {
		logger.Info("killing validator container", zap.String("container", name))

		// docker kill is bounded by the wait delay.
		killCtx, cancel := context.WithTimeout(context.Background(), waitDelay)
		defer cancel()
		kill := exec.CommandContext(killCtx, docker, "kill", name)
		kill.WaitDelay = waitDelay
		if out, err := kill.CombinedOutput(); err != nil {
			logger.Warn("docker kill failed",
				zap.String("container", name),
				zap.String("output", strings.TrimSpace(string(out))),
				zap.Error(err))
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ProcessError{Name: name, Distro: spec.Distro, Message: "failed to open stdout", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ProcessError{Name: name, Distro: spec.Distro, Message: "failed to open stderr", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProcessError{Name: name, Distro: spec.Distro, Message: "failed to start", Cause: err}
	}

	logger.Debug("validator container started",
		zap.String("container", name),
		zap.String("distro", spec.Distro),
		zap.Bool("setup_only", spec.SetupOnly))

	return &execProcess{name: name, distro: spec.Distro, cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Pull fetches the image tag of every distro so the first validation does not
// pay for the download.
func (l *DockerLauncher) Pull(ctx context.Context, distros []string) error {
	docker := l.Docker
	if docker == "" {
		docker = "docker"
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, distro := range distros {
		image := l.Image + ":" + distro
		out, err := exec.CommandContext(ctx, docker, "pull", image).CombinedOutput()
		if err != nil {
			return &ProcessError{Name: "pull " + image, Distro: distro, Message: strings.TrimSpace(string(out)), Cause: err}
		}
		logger.Info("validator image pulled", zap.String("image", image))
	}
	return nil
}

type execProcess struct {
	name   string
	distro string
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Name() string      { return p.name }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return &ProcessError{Name: p.name, Distro: p.distro, Message: "exited with error", Cause: err}
	}
	return nil
}

// RunSetup runs a setup-only process to completion, logging its output.
func RunSetup(ctx context.Context, l Launcher, spec Spec, logger *zap.Logger) error {
	spec.SetupOnly = true
	proc, err := l.Start(ctx, spec)
	if err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.Go(func() error { return logLines(proc.Stdout(), logger, "setup stdout") })
	g.Go(func() error { return logLines(proc.Stderr(), logger, "setup stderr") })
	drainErr := g.Wait()

	if err := proc.Wait(); err != nil {
		return err
	}
	if drainErr != nil {
		return &ProcessError{Name: proc.Name(), Distro: spec.Distro, Message: "failed to read output", Cause: drainErr}
	}
	return nil
}

func logLines(r io.Reader, logger *zap.Logger, stream string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		logger.Debug(sc.Text(), zap.String("stream", stream))
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
