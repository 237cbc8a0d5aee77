// Package fly runs agents on ephemeral Fly Machines. Each launch spawns a
// machine that clones the repository, runs the agent, POSTs its result to
// the coordinator's /api/agent-status endpoint and self-destructs. Polling
// is only a fallback for machines that died before reporting.
package fly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/logging"
)

// Config tunes the fly backend.
type Config struct {
	APIToken    string
	AppName     string
	WorkerImage string
	Region      string
	CPUs        int
	MemoryMB    int
	// CallbackURL is the coordinator base URL workers report back to.
	// Defaults to https://<app>.fly.dev.
	CallbackURL string

	// Secrets handed to the worker environment.
	AnthropicAPIKey string
	GitHubToken     string
}

// Backend implements grid.Backend on Fly Machines. It keeps no run state of
// its own: the machine ID is the run handle and the store owns execution
// state, so duplicate callbacks and restarts need no in-memory bookkeeping.
type Backend struct {
	cfg      Config
	machines *MachinesClient
	logger   *slog.Logger
}

// New creates a fly backend against the public Machines API.
func New(cfg Config) *Backend {
	return NewWithClient(cfg, NewMachinesClient(cfg.APIToken, cfg.AppName))
}

// NewWithClient creates a fly backend with an explicit Machines client.
// Used by tests.
func NewWithClient(cfg Config, machines *MachinesClient) *Backend {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 2
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.CallbackURL == "" {
		cfg.CallbackURL = fmt.Sprintf("https://%s.fly.dev", cfg.AppName)
	}
	return &Backend{
		cfg:      cfg,
		machines: machines,
		logger:   logging.WithComponent("grid.fly"),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "fly" }

// Launch spawns an ephemeral worker machine and returns its machine ID.
func (b *Backend) Launch(ctx context.Context, spec grid.LaunchSpec) (string, error) {
	runContext := spec.Context
	if runContext == nil {
		runContext = map[string]any{}
	}
	contextJSON, err := json.Marshal(runContext)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run context: %w", err)
	}

	req := createMachineRequest{
		Name: fmt.Sprintf("worker-%d-%d", spec.IssueNumber, time.Now().Unix()),
		Config: machineConfig{
			Image: b.cfg.WorkerImage,
			Env: map[string]string{
				"EXECUTION_ID":             spec.ExecutionID.String(),
				"REPO_URL":                 spec.RepoURL,
				"ISSUE_NUMBER":             strconv.Itoa(spec.IssueNumber),
				"MODE":                     spec.Mode,
				"PROMPT":                   spec.Prompt,
				"CONTEXT_JSON":             string(contextJSON),
				"ANTHROPIC_API_KEY":        b.cfg.AnthropicAPIKey,
				"GITHUB_TOKEN":             b.cfg.GitHubToken,
				"ORCHESTRATOR_URL":         b.cfg.CallbackURL,
				"AGENT_BYPASS_PERMISSIONS": "true",
			},
			Guest: machineGuest{
				CPUKind:  "shared",
				CPUs:     b.cfg.CPUs,
				MemoryMB: b.cfg.MemoryMB,
			},
			AutoDestroy: true,
			Restart:     machineRestart{Policy: "no"},
		},
		Region: b.cfg.Region,
	}

	machine, err := b.machines.CreateMachine(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to spawn fly machine: %w", err)
	}

	b.logger.Info("spawned fly machine",
		"machine_id", machine.ID,
		"execution_id", spec.ExecutionID,
		"issue", spec.IssueNumber,
		"mode", spec.Mode)
	return machine.ID, nil
}

// Cancel force-destroys the worker machine. A machine that already
// self-destructed counts as cancelled.
func (b *Backend) Cancel(ctx context.Context, externalRunID string) error {
	err := b.machines.DestroyMachine(ctx, externalRunID)
	if err != nil && !isStatus(err, 404) {
		return fmt.Errorf("failed to destroy machine %s: %w", externalRunID, err)
	}
	b.logger.Info("destroyed fly machine", "machine_id", externalRunID)
	return nil
}

// Poll maps the machine state onto the run contract. Success and failure
// arrive via the HTTP callback, so a machine that is gone or stopped
// without having reported is treated as failed.
func (b *Backend) Poll(ctx context.Context, externalRunID string) (*grid.RunStatus, error) {
	machine, err := b.machines.GetMachine(ctx, externalRunID)
	if err != nil {
		if isStatus(err, 404) {
			return nil, grid.ErrRunNotFound
		}
		return nil, err
	}

	switch machine.State {
	case "created", "starting":
		return &grid.RunStatus{State: grid.RunPending}, nil
	case "started", "stopping":
		return &grid.RunStatus{State: grid.RunRunning}, nil
	default:
		return &grid.RunStatus{
			State:  grid.RunFailed,
			Result: fmt.Sprintf("machine %s before reporting a result", machine.State),
		}, nil
	}
}
