// Package grid defines the compute backend contract: launching agent runs,
// cancelling them, and polling their state. Concrete backends live in the
// local, fly, and oz subpackages; the Watcher drives poll-style backends.
package grid

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
)

// ErrRunNotFound is returned when a backend has no run for the given handle.
var ErrRunNotFound = errors.New("run not found")

// RunState is the backend-side lifecycle of one agent run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether the run can no longer change state.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// LaunchSpec describes one agent run to start. Context is opaque to the
// backend and handed to the worker verbatim (checkpoints, feedback).
type LaunchSpec struct {
	ExecutionID uuid.UUID
	RepoURL     string
	Prompt      string
	Mode        string
	IssueNumber int
	Context     map[string]any
}

// RunStatus is a point-in-time snapshot of a run. Result, Branch, PRURL and
// the usage fields are only meaningful once State is terminal.
type RunStatus struct {
	State           RunState
	Result          string
	Branch          string
	PRNumber        int
	PRURL           string
	TokensUsed      int
	DurationSeconds float64
}

// Backend launches agent runs on some compute substrate. Launch returns an
// external run handle the caller persists before relying on it; Cancel and
// Poll take that handle. Cancel is best effort.
type Backend interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Cancel(ctx context.Context, externalRunID string) error
	Poll(ctx context.Context, externalRunID string) (*RunStatus, error)
}

// Publisher is the slice of the event bus the backends need to report
// terminal run outcomes.
type Publisher interface {
	Publish(eventType bus.EventType, payload map[string]any) bool
}

// CompletionPayload builds the agent.completed payload for a finished run.
// Payload keys are shared with the fly callback handler in the gateway.
func CompletionPayload(executionID uuid.UUID, status *RunStatus) map[string]any {
	payload := map[string]any{
		"execution_id": executionID.String(),
		"result":       status.Result,
	}
	if status.Branch != "" {
		payload["branch"] = status.Branch
	}
	if status.PRNumber > 0 {
		payload["pr_number"] = status.PRNumber
	}
	if status.PRURL != "" {
		payload["pr_url"] = status.PRURL
	}
	if status.TokensUsed > 0 {
		payload["tokens_used"] = status.TokensUsed
	}
	if status.DurationSeconds > 0 {
		payload["duration_seconds"] = status.DurationSeconds
	}
	return payload
}

// FailurePayload builds the agent.failed payload for a failed or cancelled
// run.
func FailurePayload(executionID uuid.UUID, reason string) map[string]any {
	return map[string]any{
		"execution_id": executionID.String(),
		"error":        reason,
	}
}
