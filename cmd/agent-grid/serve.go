package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/gateway"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/orchestrator"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator service",
		Long: `Serve runs the full coordinator: webhook ingress, event bus,
deduplicator, control loop and the HTTP gateway, until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info("shutdown signal received", "signal", sig.String())
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

	// The bus runs on its own context so queued events still dispatch
	// after the root context is cancelled; Stop tears it down once the
	// components have drained.
	b := bus.New(cfg.EventBusMaxSize)
	if err := b.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	coord, err := buildCoordinator(cfg, st, b)
	if err != nil {
		b.Stop()
		return err
	}
	defer coord.Close()

	coord.orch.Register(b)

	hook := webhook.NewHandler(st, b, cfg.GitHubWebhookSecret, cfg.WebhookDedupEnabled)
	gw := gateway.NewServer(cfg, st, b, gateway.WithWebhookHandler(hook))
	loop := orchestrator.NewLoop(coord.orch, cfg.LoopInterval)

	if cfg.DryRun {
		fmt.Printf("Dry-run mode: writes recorded to %s\n", coord.recorder.Path())
	}
	fmt.Printf("🚀 agent-grid %s on %s (backend: %s, repo: %s)\n",
		version, cfg.Addr(), coord.backend.Name(), cfg.TargetRepo)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gw.Start(gctx)
	})

	g.Go(func() error {
		if err := loop.Start(gctx); err != nil {
			return fmt.Errorf("failed to start control loop: %w", err)
		}
		<-gctx.Done()
		loop.Stop()
		return nil
	})

	if cfg.WebhookDedupEnabled {
		dedup := webhook.NewDeduplicator(st, b, cfg.WebhookQuietPeriod, cfg.WebhookDedupPollInterval)
		g.Go(func() error {
			dedup.Start(gctx)
			<-gctx.Done()
			dedup.Stop()
			return nil
		})
	}

	if coord.watcher != nil {
		g.Go(func() error {
			coord.watcher.Start(gctx)
			<-gctx.Done()
			coord.watcher.Stop()
			return nil
		})
	}

	err = g.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if derr := b.WaitUntilEmpty(drainCtx); derr != nil {
		logging.Warn("event bus still draining at shutdown", "depth", b.Depth())
	}
	b.Stop()

	if err != nil {
		return fmt.Errorf("coordinator exited: %w", err)
	}
	fmt.Println("coordinator stopped")
	return nil
}
