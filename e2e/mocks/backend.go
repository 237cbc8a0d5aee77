package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/grid"
)

// Backend is a scripted compute backend. Launch records the spec and
// parks the run; the test later finishes it with Complete or Fail, which
// publish the same terminal events a real backend would.
type Backend struct {
	publisher grid.Publisher

	mu        sync.Mutex
	launches  []grid.LaunchSpec
	launchErr error
	cancelled []string
	nextRun   int
}

// NewBackend creates a scripted backend publishing onto the given bus.
func NewBackend(publisher grid.Publisher) *Backend {
	return &Backend{publisher: publisher, nextRun: 1}
}

// Name identifies the backend in logs and launch bookkeeping.
func (b *Backend) Name() string {
	return "scripted"
}

// Launch records the spec and returns a synthetic run handle.
func (b *Backend) Launch(_ context.Context, spec grid.LaunchSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.launchErr != nil {
		return "", b.launchErr
	}
	b.launches = append(b.launches, spec)
	runID := fmt.Sprintf("run-%d", b.nextRun)
	b.nextRun++
	return runID, nil
}

// Cancel records the cancellation.
func (b *Backend) Cancel(_ context.Context, externalRunID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, externalRunID)
	return nil
}

// Poll always misses; scripted runs finish via Complete or Fail.
func (b *Backend) Poll(context.Context, string) (*grid.RunStatus, error) {
	return nil, grid.ErrRunNotFound
}

// SetLaunchError makes subsequent launches fail with err.
func (b *Backend) SetLaunchError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.launchErr = err
}

// Launches returns all recorded launch specs in order.
func (b *Backend) Launches() []grid.LaunchSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]grid.LaunchSpec(nil), b.launches...)
}

// LastLaunch returns the most recent launch spec.
func (b *Backend) LastLaunch() (grid.LaunchSpec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.launches) == 0 {
		return grid.LaunchSpec{}, false
	}
	return b.launches[len(b.launches)-1], true
}

// Cancelled returns the run handles Cancel was called with.
func (b *Backend) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// Complete finishes a run successfully, publishing agent.completed the
// way a real backend does.
func (b *Backend) Complete(executionID uuid.UUID, status *grid.RunStatus) bool {
	return b.publisher.Publish(bus.AgentCompleted, grid.CompletionPayload(executionID, status))
}

// Fail finishes a run with an error, publishing agent.failed.
func (b *Backend) Fail(executionID uuid.UUID, reason string) bool {
	return b.publisher.Publish(bus.AgentFailed, grid.FailurePayload(executionID, reason))
}
