package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the database schema migration and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		provider, err := buildProvider(cfg)
		if err != nil {
			return err
		}
		db, err := provider.GetDatabase()
		if err != nil {
			return exitWith(ExitConfig, err)
		}

		// Open runs the idempotent schema migration.
		if err := db.Open(cmd.Context()); err != nil {
			return exitWith(dbExitCode(err), err)
		}
		defer db.Close(context.Background())

		fmt.Println("schema migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
