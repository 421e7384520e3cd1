package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/revalidate/internal/server"
	"github.com/jonathan/revalidate/internal/server/ratelimit"
)

var (
	servePort    int
	servePull    bool
	serveMigrate bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the validation worker",
	Long:  `Start an HTTP server accepting uploads, together with the background worker that validates them.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&servePull, "pull", true, "Pull the validator image of every distro before serving")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply pending database migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.db != nil && serveMigrate {
		applied, err := a.db.Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		for _, name := range applied {
			a.logger.Info("migration applied", zap.String("name", name))
		}
	}
	if servePull {
		if err := a.launcher.Pull(ctx, cfg.Distros); err != nil {
			return fmt.Errorf("failed to pull validator images: %w", err)
		}
	}

	srv := server.New(server.Config{
		Port:      cfg.Port,
		RateLimit: ratelimit.LoadConfig(),
	}, a.store, a.intake, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.processor.Run(gctx)
	})
	g.Go(func() error {
		return srv.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("revalidate stopped")
	return nil
}
