package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/revalidate/internal/db"
)

var fillMapsCmd = &cobra.Command{
	Use:   "fill-maps",
	Short: "Resolve maps for results that have none",
	Long:  "Looks up every stored result without a map in storage and, when configured, the map catalog.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadSettings(configPath)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.store.ListJobsWithoutMap(cmd.Context())
		if err != nil {
			return err
		}
		filled, err := a.resolver.FillMissing(cmd.Context(), jobs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved maps for %d of %d results\n", filled, len(jobs))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Validate every pending or interrupted result once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadSettings(configPath)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.processor.Sweep(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadSettings(configPath)
		if err != nil {
			return err
		}
		if cfg.InMemory || cfg.DatabaseURL == "" {
			return fmt.Errorf("migrate needs a database URL")
		}

		database, err := db.Connect(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer database.Close()

		applied, err := database.Migrate(cmd.Context())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %s\n", name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fillMapsCmd, sweepCmd, migrateCmd)
}
