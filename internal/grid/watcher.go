package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/store"
)

// maxPollFailures is the number of consecutive poll errors tolerated per run
// before the watcher gives up and fails the execution.
const maxPollFailures = 10

// defaultPollInterval applies when no interval is configured.
const defaultPollInterval = 30 * time.Second

// RunRecords is the slice of the store the watcher needs to re-adopt
// in-flight runs after a process restart.
type RunRecords interface {
	ActiveExecutionsWithExternalRunID(ctx context.Context) ([]*store.Execution, error)
}

// Watcher polls a backend for terminal run states and publishes the outcome
// to the event bus. Backends with push callbacks (fly) or in-process
// completion (local) do not need one.
type Watcher struct {
	backend   Backend
	records   RunRecords
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	tracked  map[uuid.UUID]string
	failures map[uuid.UUID]int
	running  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher for the given poll-style backend.
func NewWatcher(backend Backend, records RunRecords, publisher Publisher, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		backend:   backend,
		records:   records,
		publisher: publisher,
		interval:  interval,
		logger:    logging.WithComponent("grid.watcher"),
		tracked:   make(map[uuid.UUID]string),
		failures:  make(map[uuid.UUID]int),
	}
}

// Track registers a run for polling.
func (w *Watcher) Track(executionID uuid.UUID, externalRunID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked[executionID] = externalRunID
}

// Forget stops polling a run, typically after a cancel.
func (w *Watcher) Forget(executionID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, executionID)
	delete(w.failures, executionID)
}

// Tracked returns the number of runs currently being polled.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Start re-adopts persisted in-flight runs and begins the polling loop.
// Recovery failures are logged, not fatal: runs launched after startup are
// still tracked.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	if w.records != nil {
		execs, err := w.records.ActiveExecutionsWithExternalRunID(ctx)
		if err != nil {
			w.logger.Warn("failed to recover in-flight runs", "error", err)
		} else {
			recovered := 0
			w.mu.Lock()
			for _, e := range execs {
				if _, ok := w.tracked[e.ID]; !ok {
					w.tracked[e.ID] = e.ExternalRunID
					recovered++
				}
			}
			w.mu.Unlock()
			if recovered > 0 {
				w.logger.Info("recovered in-flight runs", "count", recovered)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx)
	w.logger.Info("watcher started", "backend", w.backend.Name(), "interval", w.interval)
}

// Stop halts the polling loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.pollRuns(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pollRuns(ctx context.Context) {
	w.mu.Lock()
	snapshot := make(map[uuid.UUID]string, len(w.tracked))
	for id, run := range w.tracked {
		snapshot[id] = run
	}
	w.mu.Unlock()

	for execID, runID := range snapshot {
		if ctx.Err() != nil {
			return
		}

		status, err := w.backend.Poll(ctx, runID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.recordPollFailure(execID, runID, err)
			continue
		}

		if !status.State.Terminal() {
			w.mu.Lock()
			delete(w.failures, execID)
			w.mu.Unlock()
			continue
		}

		// The run may have been cancelled and forgotten while the poll
		// was in flight; only the tracked owner reports the outcome.
		w.mu.Lock()
		if _, ok := w.tracked[execID]; !ok {
			w.mu.Unlock()
			continue
		}
		delete(w.tracked, execID)
		delete(w.failures, execID)
		w.mu.Unlock()

		w.reportTerminal(execID, runID, status)
	}
}

func (w *Watcher) recordPollFailure(execID uuid.UUID, runID string, err error) {
	w.mu.Lock()
	w.failures[execID]++
	count := w.failures[execID]
	if count < maxPollFailures {
		w.mu.Unlock()
		w.logger.Warn("poll failed", "external_run_id", runID, "failures", count, "error", err)
		return
	}
	delete(w.tracked, execID)
	delete(w.failures, execID)
	w.mu.Unlock()

	w.logger.Error("giving up on run after repeated poll failures",
		"external_run_id", runID,
		"failures", count)
	payload := FailurePayload(execID, fmt.Sprintf("Lost contact with %s run", w.backend.Name()))
	payload["external_run_id"] = runID
	w.publisher.Publish(bus.AgentFailed, payload)
}

func (w *Watcher) reportTerminal(execID uuid.UUID, runID string, status *RunStatus) {
	if status.State == RunSucceeded {
		payload := CompletionPayload(execID, status)
		payload["external_run_id"] = runID
		w.publisher.Publish(bus.AgentCompleted, payload)
		w.logger.Info("run succeeded", "execution_id", execID, "external_run_id", runID)
		return
	}

	reason := status.Result
	if reason == "" {
		reason = fmt.Sprintf("Run %s", status.State)
	}
	payload := FailurePayload(execID, reason)
	payload["external_run_id"] = runID
	w.publisher.Publish(bus.AgentFailed, payload)
	w.logger.Info("run finished without success",
		"execution_id", execID,
		"external_run_id", runID,
		"state", status.State)
}
