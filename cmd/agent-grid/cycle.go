package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/store"
)

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one management cycle and exit",
		Long: `Cycle connects to the database, takes the cycle advisory lock and
runs a single control pass: scan, classify, launch, sweep. Useful as a
cron job or for catching up after downtime without the full service.`,
		RunE: runCycle,
	}
}

func runCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	lock, acquired, err := st.AcquireCycleLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if !acquired {
		fmt.Println("another cycle holds the lock, exiting")
		return nil
	}
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := lock.Release(releaseCtx); err != nil {
			logging.Warn("failed to release cycle lock", "error", err)
		}
	}()

	b := bus.New(cfg.EventBusMaxSize)
	if err := b.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer b.Stop()

	coord, err := buildCoordinator(cfg, st, b)
	if err != nil {
		return err
	}
	defer coord.Close()

	// Completion events from the dry-run backend finalize their
	// executions within this same pass.
	coord.orch.Register(b)

	if cfg.DryRun {
		fmt.Printf("Dry-run mode: writes recorded to %s\n", coord.recorder.Path())
	}

	start := time.Now()
	cycleErr := coord.orch.RunCycle(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := b.WaitUntilEmpty(drainCtx); err != nil {
		logging.Warn("event bus still draining", "depth", b.Depth())
	}

	if cycleErr != nil {
		return fmt.Errorf("cycle finished with errors: %w", cycleErr)
	}
	fmt.Printf("cycle complete in %s\n", time.Since(start).Round(time.Millisecond))

	active, err := st.GetActiveExecutions(ctx)
	if err != nil {
		logging.Warn("failed to list active executions", "error", err)
		return nil
	}
	if len(active) > 0 {
		fmt.Printf("%d execution(s) in flight:\n", len(active))
		for _, e := range active {
			fmt.Printf("  %s  issue %s  %s (%s)\n", e.ID, e.IssueID, e.Status, e.Mode)
		}
	}

	if cfg.TargetRepo != "" {
		states, err := st.ListIssueStates(ctx, cfg.TargetRepo, "")
		if err != nil {
			logging.Warn("failed to list issue states", "error", err)
			return nil
		}
		if len(states) > 0 {
			counts := make(map[string]int)
			for _, is := range states {
				counts[is.Classification]++
			}
			fmt.Printf("%d issue(s) tracked:", len(states))
			for _, c := range []classify.Category{classify.Simple, classify.Complex, classify.Blocked, classify.Skip} {
				if n := counts[string(c)]; n > 0 {
					fmt.Printf("  %d %s", n, c)
				}
			}
			if n := counts[""]; n > 0 {
				fmt.Printf("  %d unclassified", n)
			}
			fmt.Println()
		}
	}
	return nil
}
