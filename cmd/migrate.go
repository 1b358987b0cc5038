package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// migrateCmd applies the SQLite schema migrations that store.Open runs
// idempotently on every open — this subcommand exists so an operator can
// run them explicitly (e.g. ahead of a deploy) without starting the agent.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			dbPath := filepath.Join(cfg.DataDir, "goclaw.db")
			db, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			fmt.Printf("migrations applied: %s\n", dbPath)
			return nil
		},
	}
}
