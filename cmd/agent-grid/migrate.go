package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-grid/agent-grid/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			st, err := store.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			schemaVersion, err := st.MigrationStatus(ctx)
			if err != nil {
				return fmt.Errorf("failed to read migration status: %w", err)
			}
			fmt.Printf("✓ database schema at version %d\n", schemaVersion)
			return nil
		},
	}
}
