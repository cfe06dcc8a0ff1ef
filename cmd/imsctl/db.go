package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ims/api/internal/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the database schema",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	Long: `Apply every pending migration.

Example:
  imsctl db migrate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := store.Migrate(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		log.WithField("version", status.Version).Info("database migrated")
		return nil
	},
}

var dbDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Roll back migrations",
	Long: `Roll back the given number of migrations (default 1).

Example:
  imsctl db down
  imsctl db down 2`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps := 1
		if len(args) == 1 {
			parsed, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("steps must be a number: %w", err)
			}
			steps = parsed
		}
		status, err := store.MigrateDown(cfg.DatabaseURL, steps)
		if err != nil {
			return err
		}
		log.WithField("version", status.Version).WithField("steps", steps).Info("migrations rolled back")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := store.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if !status.Applied {
			fmt.Println("No migrations have been applied yet")
			return nil
		}
		fmt.Printf("Current version: %d\n", status.Version)
		if status.Dirty {
			fmt.Println("Warning: database is in a dirty state")
		}
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd, dbDownCmd, dbStatusCmd)
	rootCmd.AddCommand(dbCmd)
}
