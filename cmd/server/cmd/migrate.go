package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jw6ventures/calsync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		applied, err := store.ApplyMigrations(cmd.Context(), pool, log)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(applied) == 0 {
			fmt.Println("Database is up to date.")
			return nil
		}
		for _, name := range applied {
			fmt.Printf("%s %s\n", color.GreenString("applied"), name)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether each has been applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		states, err := store.MigrationStatus(cmd.Context(), pool)
		if err != nil {
			return fmt.Errorf("read migration status: %w", err)
		}
		pending := 0
		for _, s := range states {
			mark := color.GreenString("applied")
			if !s.Applied {
				mark = color.YellowString("pending")
				pending++
			}
			fmt.Printf("%s %s\n", mark, s.Name)
		}
		fmt.Printf("\n%d migrations, %d pending\n", len(states), pending)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateStatusCmd)
}
