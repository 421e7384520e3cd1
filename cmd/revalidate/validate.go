package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/revalidate/internal/intake"
	"github.com/jonathan/revalidate/internal/observability"
	"github.com/jonathan/revalidate/internal/types"
)

var (
	validateGameVersion string
	validateMapUID      string
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Validate local recordings and print the result",
	Long: "Submits the given ghost, replay and map files as one batch, validates it " +
		"in the foreground and prints a summary of every job.",
	Args: cobra.MinimumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateGameVersion, "game-version", "", "Game version of the map override (TM2020, TM2, TMF)")
	validateCmd.Flags().StringVar(&validateMapUID, "map-uid", "", "Validate every job without a map on this map")
	rootCmd.AddCommand(validateCmd)
}

// foreground discards enqueued ids; the command processes its request directly.
type foreground struct{}

func (foreground) Enqueue(context.Context, uuid.UUID) error { return nil }

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg, foreground{})
	if err != nil {
		return err
	}
	defer a.Close()

	uploads, closeAll, err := readUploads(args)
	if err != nil {
		return err
	}
	defer closeAll()

	var override *intake.MapOverride
	if validateGameVersion != "" || validateMapUID != "" {
		override = &intake.MapOverride{GameVersion: types.ParseGameVersion(validateGameVersion), MapUID: validateMapUID}
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	req, err := a.intake.Submit(ctx, uploads, override)
	if err != nil {
		var rejected *intake.ValidationFailedError
		if errors.As(err, &rejected) {
			printer.PrintWarnings("Upload rejected", rejected.Errors)
		}
		return err
	}

	if err := a.processor.ProcessRequest(ctx, req.ID); err != nil {
		return fmt.Errorf("failed to process request: %w", err)
	}

	final, err := a.store.GetRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	printer.PrintRequest(final)
	return nil
}

// readUploads opens every path. The returned func closes the files.
func readUploads(paths []string) ([]intake.Upload, func(), error) {
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	uploads := make([]intake.Upload, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		files = append(files, f)

		info, err := f.Stat()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		uploads = append(uploads, intake.Upload{Name: filepath.Base(path), Size: info.Size(), Content: f})
	}
	return uploads, closeAll, nil
}
