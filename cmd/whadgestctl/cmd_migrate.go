package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whadgest/whadgest-backend/internal/database"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.RunMigrations(cfg.Database); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("Migrations applied.")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.RollbackMigration(cfg.Database); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
		fmt.Println("Rolled back one migration.")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		version, dirty, err := database.MigrationVersion(cfg.Database)
		if err != nil {
			return fmt.Errorf("migrate version: %w", err)
		}
		if dirty {
			fmt.Printf("%d (dirty)\n", version)
			return nil
		}
		fmt.Println(version)
		return nil
	},
}
