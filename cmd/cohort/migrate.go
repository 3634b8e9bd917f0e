package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/cohort/internal/config"
	"github.com/alecgard/cohort/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate("up")
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate("down")
	},
}

func init() {
	migrateCmd.AddCommand(migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(direction string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if err := db.Migrate(cfg.DatabaseURLForMigrate(), direction); err != nil {
		return err
	}

	slog.Info("migrations complete", "direction", direction)
	return nil
}
