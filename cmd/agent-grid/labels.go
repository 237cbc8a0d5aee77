package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-grid/agent-grid/internal/config"
	"github.com/agent-grid/agent-grid/internal/dryrun"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

func newLabelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "Create the ag/* workflow labels on the target repo",
		Long: `Labels creates every workflow label (ag/todo, ag/in-progress, ...)
on the configured target repository so the coordinator can transition
issues between them. Safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IssueTrackerType == config.TrackerGitHub && cfg.TargetRepo == "" {
				return fmt.Errorf("target_repo: required to create labels")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			client, err := newTrackerClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			if cfg.DryRun {
				rec, err := dryrun.NewRecorder(cfg.DryRunOutputFile)
				if err != nil {
					return fmt.Errorf("failed to open dry-run output file: %w", err)
				}
				defer rec.Close()
				client = dryrun.WrapTracker(client, rec)
				fmt.Printf("Dry-run mode: writes recorded to %s\n", rec.Path())
			}

			m := tracker.NewLabelManager(client)
			if err := m.EnsureLabels(ctx, cfg.TargetRepo); err != nil {
				return fmt.Errorf("failed to create labels: %w", err)
			}
			fmt.Printf("✓ workflow labels ensured on %s\n", cfg.TargetRepo)
			return nil
		},
	}
}
