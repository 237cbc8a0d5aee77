package main

import (
	"fmt"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/config"
	"github.com/agent-grid/agent-grid/internal/dryrun"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/grid/fly"
	"github.com/agent-grid/agent-grid/internal/grid/local"
	"github.com/agent-grid/agent-grid/internal/grid/oz"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/orchestrator"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
	"github.com/agent-grid/agent-grid/internal/tracker/filesystem"
	"github.com/agent-grid/agent-grid/internal/tracker/github"
)

// loadConfig resolves configuration for a command run: file plus
// environment, then the persistent flag overrides, then validation and
// logger setup.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dryRun {
		cfg.DryRun = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Init(&logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// coordinator bundles the collaborators behind one control cycle. serve
// runs them under the control loop and gateway; cycle runs them once.
type coordinator struct {
	tracker    tracker.Client
	prs        tracker.PRSource
	labels     *tracker.LabelManager
	backend    grid.Backend
	watcher    *grid.Watcher
	classifier *classify.Classifier
	recorder   *dryrun.Recorder
	orch       *orchestrator.Orchestrator
}

// buildCoordinator wires the tracker, backend, classifier and
// orchestrator from configuration. In dry-run mode the tracker is
// wrapped and the backend replaced so every write lands in the intent
// file instead of the outside world.
func buildCoordinator(cfg *config.Config, st *store.Store, b *bus.Bus) (*coordinator, error) {
	c := &coordinator{}

	client, err := newTrackerClient(cfg)
	if err != nil {
		return nil, err
	}
	c.tracker = client

	if cfg.DryRun {
		rec, err := dryrun.NewRecorder(cfg.DryRunOutputFile)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open dry-run output file: %w", err)
		}
		c.recorder = rec
		c.tracker = dryrun.WrapTracker(client, rec)
	}
	if src, ok := c.tracker.(tracker.PRSource); ok {
		c.prs = src
	}
	c.labels = tracker.NewLabelManager(c.tracker)

	backend, err := newBackend(cfg, b, c.recorder)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.backend = backend

	// Oz exposes no callback, so a poll watcher closes its runs. Local
	// completes in-process and fly workers report back over HTTP.
	if cfg.ExecutionBackend == config.BackendOz && !cfg.DryRun {
		c.watcher = grid.NewWatcher(backend, st, b, cfg.OzPollInterval)
	}

	c.classifier = classify.New(cfg.AnthropicAPIKey, cfg.ClassificationModel)

	c.orch = orchestrator.New(orchestrator.Deps{
		Store:      st,
		Tracker:    c.tracker,
		Labels:     c.labels,
		PRs:        c.prs,
		Backend:    c.backend,
		Watcher:    c.watcher,
		Classifier: c.classifier,
		Publisher:  b,
		Config:     cfg,
	})
	return c, nil
}

// Close releases the tracker connection and flushes the dry-run
// recorder if one is open.
func (c *coordinator) Close() {
	if c.tracker != nil {
		if err := c.tracker.Close(); err != nil {
			logging.Warn("failed to close tracker", "error", err)
		}
	}
	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			logging.Warn("failed to close dry-run recorder", "error", err)
		}
	}
}

func newTrackerClient(cfg *config.Config) (tracker.Client, error) {
	switch cfg.IssueTrackerType {
	case config.TrackerGitHub:
		return github.NewClient(cfg.GitHubToken), nil
	case config.TrackerFilesystem:
		client, err := filesystem.New(cfg.IssuesDirectory)
		if err != nil {
			return nil, fmt.Errorf("failed to open issues directory: %w", err)
		}
		return client, nil
	}
	return nil, fmt.Errorf("unknown issue tracker type %q", cfg.IssueTrackerType)
}

func newBackend(cfg *config.Config, b *bus.Bus, rec *dryrun.Recorder) (grid.Backend, error) {
	if rec != nil {
		return dryrun.NewBackend(rec, b), nil
	}
	switch cfg.ExecutionBackend {
	case config.BackendLocal:
		backend := local.New(local.Config{
			BasePath:         cfg.RepoBasePath,
			AgentCommand:     cfg.AgentCommand,
			CleanupOnSuccess: cfg.CleanupOnSuccess,
			CleanupOnFailure: cfg.CleanupOnFailure,
		}, b)
		if !backend.Available() {
			logging.Warn("agent command not found on PATH, launches will fail", "command", cfg.AgentCommand)
		}
		return backend, nil
	case config.BackendFly:
		return fly.New(fly.Config{
			APIToken:        cfg.FlyAPIToken,
			AppName:         cfg.FlyAppName,
			WorkerImage:     cfg.FlyWorkerImage,
			Region:          cfg.FlyWorkerRegion,
			CPUs:            cfg.FlyWorkerCPUs,
			MemoryMB:        cfg.FlyWorkerMemoryMB,
			CallbackURL:     cfg.FlyCallbackURL,
			AnthropicAPIKey: cfg.AnthropicAPIKey,
			GitHubToken:     cfg.GitHubToken,
		}), nil
	case config.BackendOz:
		return oz.New(oz.Config{
			APIURL:        cfg.OzAPIURL,
			APIToken:      cfg.OzAPIToken,
			EnvironmentID: cfg.OzEnvironmentID,
			ModelID:       cfg.OzModelID,
		}), nil
	}
	return nil, fmt.Errorf("unknown execution backend %q", cfg.ExecutionBackend)
}
