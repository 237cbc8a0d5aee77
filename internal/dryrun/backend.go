package dryrun

import (
	"context"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/grid"
)

// Backend records launch intents instead of starting agent runs. Each
// launch is immediately completed on the bus, so the downstream
// bookkeeping runs its full course against the other dry-run wrappers.
type Backend struct {
	rec       *Recorder
	publisher grid.Publisher
}

// NewBackend builds the dry-run compute backend.
func NewBackend(rec *Recorder, publisher grid.Publisher) *Backend {
	return &Backend{rec: rec, publisher: publisher}
}

// Name identifies the backend in logs and metrics.
func (b *Backend) Name() string { return "dry-run" }

// Launch records the intent and publishes an immediate completion. No
// external run id is returned, so nothing polls or cancels the run.
func (b *Backend) Launch(_ context.Context, spec grid.LaunchSpec) (string, error) {
	b.rec.Record("launch_agent", map[string]any{
		"execution_id":   spec.ExecutionID.String(),
		"repo_url":       spec.RepoURL,
		"mode":           spec.Mode,
		"issue_number":   spec.IssueNumber,
		"prompt_preview": clip(spec.Prompt, 300),
	})

	if b.publisher != nil {
		b.publisher.Publish(bus.AgentCompleted, map[string]any{
			"execution_id": spec.ExecutionID.String(),
			"result":       "completed (dry run)",
		})
	}
	return "", nil
}

// Cancel is recorded for completeness; a dry run has nothing to stop.
func (b *Backend) Cancel(_ context.Context, externalRunID string) error {
	b.rec.Record("cancel_agent", map[string]any{"external_run_id": externalRunID})
	return nil
}

// Poll never finds anything: dry runs hand out no handle to poll.
func (b *Backend) Poll(_ context.Context, _ string) (*grid.RunStatus, error) {
	return nil, grid.ErrRunNotFound
}
