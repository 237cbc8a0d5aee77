// Package local runs agents as child processes on the coordinator host.
// Each run gets a fresh clone of the target repository and an agent CLI
// invocation; results are reported in-process, so no watcher is needed.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/logging"
)

// gracePeriod is how long a cancelled agent process gets to exit after the
// interrupt before it is killed.
const gracePeriod = 5 * time.Second

// Config tunes the local backend.
type Config struct {
	// BasePath is the directory holding per-execution clones.
	BasePath string
	// AgentCommand is the agent CLI binary. Defaults to "claude".
	AgentCommand string
	// CleanupOnSuccess removes the workspace after a successful run.
	CleanupOnSuccess bool
	// CleanupOnFailure removes the workspace after a failed run.
	CleanupOnFailure bool
}

// Backend implements grid.Backend with local child processes.
type Backend struct {
	cfg        Config
	workspaces *Workspaces
	publisher  grid.Publisher
	logger     *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one in-process agent execution.
type run struct {
	executionID uuid.UUID
	cancel      context.CancelFunc

	mu     sync.Mutex
	status grid.RunStatus
}

// New creates a local backend publishing terminal outcomes to publisher.
func New(cfg Config, publisher grid.Publisher) *Backend {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "claude"
	}
	if cfg.BasePath == "" {
		cfg.BasePath = os.TempDir()
	}
	return &Backend{
		cfg:        cfg,
		workspaces: NewWorkspaces(cfg.BasePath),
		publisher:  publisher,
		logger:     logging.WithComponent("grid.local"),
		runs:       make(map[string]*run),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "local" }

// Available reports whether the agent CLI is installed.
func (b *Backend) Available() bool {
	_, err := exec.LookPath(b.cfg.AgentCommand)
	return err == nil
}

// Launch starts the agent in the background and returns immediately. The
// execution ID doubles as the run handle; failures during clone or agent
// startup surface as agent.failed events, not launch errors.
func (b *Backend) Launch(ctx context.Context, spec grid.LaunchSpec) (string, error) {
	runID := spec.ExecutionID.String()

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		executionID: spec.ExecutionID,
		cancel:      cancel,
		status:      grid.RunStatus{State: grid.RunPending},
	}

	b.mu.Lock()
	b.runs[runID] = r
	b.mu.Unlock()

	go b.execute(runCtx, r, spec)

	b.logger.Info("launched local agent",
		"execution_id", spec.ExecutionID,
		"mode", spec.Mode,
		"issue", spec.IssueNumber)
	return runID, nil
}

// Cancel interrupts a running agent. Unknown handles return
// grid.ErrRunNotFound; cancelling a finished run is a no-op.
func (b *Backend) Cancel(ctx context.Context, externalRunID string) error {
	b.mu.Lock()
	r, ok := b.runs[externalRunID]
	b.mu.Unlock()
	if !ok {
		return grid.ErrRunNotFound
	}

	r.mu.Lock()
	if r.status.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.status.State = grid.RunCancelled
	r.status.Result = "Cancelled"
	r.mu.Unlock()

	r.cancel()
	b.publisher.Publish(bus.AgentFailed, grid.FailurePayload(r.executionID, "Cancelled"))
	b.logger.Info("cancelled local agent", "execution_id", r.executionID)
	return nil
}

// Poll returns the current status of a run.
func (b *Backend) Poll(ctx context.Context, externalRunID string) (*grid.RunStatus, error) {
	b.mu.Lock()
	r, ok := b.runs[externalRunID]
	b.mu.Unlock()
	if !ok {
		return nil, grid.ErrRunNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	status := r.status
	return &status, nil
}

func (b *Backend) execute(ctx context.Context, r *run, spec grid.LaunchSpec) {
	started := time.Now()

	r.mu.Lock()
	if r.status.State == grid.RunPending {
		r.status.State = grid.RunRunning
	}
	r.mu.Unlock()

	dir, err := b.workspaces.Clone(ctx, spec.ExecutionID, spec.RepoURL)
	if err != nil {
		b.finishAndCleanup(r, spec, grid.RunStatus{State: grid.RunFailed, Result: err.Error()}, started)
		return
	}

	branch := branchName(spec)
	if err := b.workspaces.CreateBranch(ctx, spec.ExecutionID, branch); err != nil {
		b.finishAndCleanup(r, spec, grid.RunStatus{State: grid.RunFailed, Result: err.Error()}, started)
		return
	}

	result, tokens, err := b.runAgent(ctx, dir, spec)
	if err != nil {
		b.finishAndCleanup(r, spec, grid.RunStatus{State: grid.RunFailed, Result: err.Error()}, started)
		return
	}

	// A run with no commits still pushes the empty branch; a push failure
	// is not fatal because the agent may have opened a PR itself.
	if err := b.workspaces.Push(ctx, spec.ExecutionID, branch); err != nil {
		b.logger.Warn("branch push failed", "execution_id", spec.ExecutionID, "error", err)
	}

	b.finishAndCleanup(r, spec, grid.RunStatus{
		State:      grid.RunSucceeded,
		Result:     result,
		Branch:     branch,
		TokensUsed: tokens,
	}, started)
}

// finish moves the run to a terminal state and publishes the outcome. Only
// the first terminal transition reports; a cancel that already won keeps its
// result.
func (b *Backend) finish(r *run, final grid.RunStatus, started time.Time) {
	final.DurationSeconds = time.Since(started).Seconds()

	r.mu.Lock()
	if r.status.State.Terminal() {
		r.mu.Unlock()
		return
	}
	r.status = final
	r.mu.Unlock()

	if final.State == grid.RunSucceeded {
		b.publisher.Publish(bus.AgentCompleted, grid.CompletionPayload(r.executionID, &final))
		b.logger.Info("local agent completed",
			"execution_id", r.executionID,
			"duration_seconds", final.DurationSeconds)
		return
	}
	b.publisher.Publish(bus.AgentFailed, grid.FailurePayload(r.executionID, final.Result))
	b.logger.Warn("local agent failed",
		"execution_id", r.executionID,
		"error", final.Result)
}

func (b *Backend) finishAndCleanup(r *run, spec grid.LaunchSpec, final grid.RunStatus, started time.Time) {
	b.finish(r, final, started)

	r.mu.Lock()
	succeeded := r.status.State == grid.RunSucceeded
	r.mu.Unlock()

	if (succeeded && b.cfg.CleanupOnSuccess) || (!succeeded && b.cfg.CleanupOnFailure) {
		if err := b.workspaces.Remove(spec.ExecutionID); err != nil {
			b.logger.Warn("workspace cleanup failed", "execution_id", spec.ExecutionID, "error", err)
		}
	}
}

// runAgent invokes the agent CLI in the workspace and scans its stream-json
// output for the final result and token usage.
func (b *Backend) runAgent(ctx context.Context, dir string, spec grid.LaunchSpec) (string, int, error) {
	args := []string{
		"-p", spec.Prompt,
		"--verbose",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}

	cmd := exec.CommandContext(ctx, b.cfg.AgentCommand, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "AGENT_GRID_EXECUTION_ID="+spec.ExecutionID.String())
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = gracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", 0, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("failed to start agent: %w", err)
	}
	b.logger.Debug("agent started", "pid", cmd.Process.Pid, "command", b.cfg.AgentCommand)

	var (
		textParts   []string
		finalResult string
		resultError string
		tokens      int64
	)

	scanner := bufio.NewScanner(stdout)
	// Large tool results produce long event lines.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event streamEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		switch event.Type {
		case "assistant":
			if event.Message != nil {
				for _, block := range event.Message.Content {
					if block.Type == "text" && block.Text != "" {
						textParts = append(textParts, block.Text)
					}
				}
			}
		case "result":
			if event.IsError {
				resultError = event.Result
			} else {
				finalResult = event.Result
			}
		}
		if event.Usage != nil {
			tokens += event.Usage.InputTokens + event.Usage.OutputTokens
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return "", int(tokens), ctx.Err()
	}
	if waitErr != nil {
		msg := waitErr.Error()
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, s)
		}
		return "", int(tokens), fmt.Errorf("agent exited with error: %s", msg)
	}
	if resultError != "" {
		return "", int(tokens), fmt.Errorf("agent reported error: %s", resultError)
	}

	if finalResult == "" {
		finalResult = strings.Join(textParts, "\n")
	}
	return finalResult, int(tokens), nil
}

// branchName picks the working branch. The launcher overrides it through
// Context for retry and review runs; otherwise issue-bound runs use the
// agent/<n> convention the PR sweep correlates on.
func branchName(spec grid.LaunchSpec) string {
	if b, ok := spec.Context["branch"].(string); ok && b != "" {
		return b
	}
	if spec.IssueNumber > 0 {
		return fmt.Sprintf("agent/%d", spec.IssueNumber)
	}
	return "agent/" + spec.ExecutionID.String()[:8]
}

// streamEvent is the subset of the agent CLI's stream-json output the
// backend reads.
type streamEvent struct {
	Type    string `json:"type"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
}
