package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/jonathan/revalidate/internal/catalog"
	"github.com/jonathan/revalidate/internal/config"
	"github.com/jonathan/revalidate/internal/db"
	"github.com/jonathan/revalidate/internal/gbx"
	"github.com/jonathan/revalidate/internal/intake"
	"github.com/jonathan/revalidate/internal/maps"
	"github.com/jonathan/revalidate/internal/observability"
	"github.com/jonathan/revalidate/internal/orchestrator"
	"github.com/jonathan/revalidate/internal/store"
	"github.com/jonathan/revalidate/internal/types"
	"github.com/jonathan/revalidate/internal/validator"
	"github.com/jonathan/revalidate/internal/workspace"
)

// loadSettings layers the config file, the environment and the defaults, then
// validates the result.
func loadSettings(path string) (*config.Config, error) {
	cfg := &config.Config{}
	if path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}

	merged := cfg.MergeWithDefaults(config.Defaults())
	if verbose {
		merged.Verbose = true
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	db        *db.DB
	launcher  *validator.DockerLauncher
	resolver  *maps.Resolver
	processor *orchestrator.Processor
	intake    *intake.Service
}

// newApp builds the component graph. queue receives request ids from intake;
// nil means the processor's own queue.
func newApp(ctx context.Context, cfg *config.Config, queue intake.Enqueuer) (*app, error) {
	logger, err := observability.NewLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger}

	if cfg.InMemory {
		logger.Warn("using in-memory storage; results are lost on exit")
		a.store = store.NewMemory()
	} else {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.db = database
		a.store = database
	}

	if cfg.DecoderCommand == "" {
		logger.Warn("no recording decoder configured; uploads will fail to parse")
	}
	decoder := gbx.NewExecDecoder(cfg.DecoderCommand)

	var cat maps.Catalog
	if cfg.Catalog.Login != "" {
		cat = catalog.New(catalog.Options{
			CoreURL:   cfg.Catalog.CoreURL,
			LiveURL:   cfg.Catalog.LiveURL,
			Login:     cfg.Catalog.Login,
			Password:  cfg.Catalog.Password,
			UserAgent: cfg.Catalog.UserAgent,
		})
	}
	a.resolver = maps.NewResolver(a.store, decoder, cat, logger)

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}
	a.launcher = &validator.DockerLauncher{Docker: cfg.Docker, Image: cfg.Image, Logger: logger.Named("docker")}
	a.processor = orchestrator.New(
		a.store,
		a.resolver,
		a.launcher,
		workspace.NewPool(afero.NewOsFs(), dataDir),
		orchestrator.NewQueue(cfg.QueueCapacity),
		orchestrator.Options{
			Distros: cfg.Distros,
			Hosts: map[types.HostFamily]string{
				types.HostFamilyCloud:  cfg.CloudHost,
				types.HostFamilyMirror: cfg.MirrorHost,
			},
		},
		logger,
	)

	if queue == nil {
		queue = a.processor
	}
	a.intake = intake.NewService(a.store, decoder, a.resolver, queue, logger)
	a.intake.MaxFileSize = cfg.MaxUploadSize
	return a, nil
}

// Close releases the database pool and flushes the logger.
func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}
