package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// launchRequest asks for one agent run on one issue. Mode-specific
// prompt fields come pre-filled by the caller; launch adds the issue,
// checkpoint and pending nudges itself.
type launchRequest struct {
	Repo   string
	Issue  *tracker.Issue
	Mode   store.ExecutionMode
	Prompt PromptInput
}

// repoCloneURL is the HTTPS clone URL for an owner/name repo.
func repoCloneURL(repo string) string {
	return fmt.Sprintf("https://github.com/%s.git", repo)
}

// launch is the single path every agent run goes through: budget gate,
// execution claim, prompt assembly, backend launch, then bookkeeping.
// Losing the claim or hitting the budget is not an error; nothing has
// happened yet and the next event or cycle simply tries again.
func (o *Orchestrator) launch(ctx context.Context, req launchRequest) error {
	issueID := strconv.Itoa(req.Issue.Number)
	log := o.logger.With("repo", req.Repo, "issue", req.Issue.Number, "mode", req.Mode)

	active, err := o.store.CountActiveExecutions(ctx)
	if err != nil {
		return fmt.Errorf("count active executions: %w", err)
	}
	if active >= o.cfg.MaxConcurrentExecutions {
		log.Info("max concurrent executions reached, deferring launch",
			"active", active,
			"max", o.cfg.MaxConcurrentExecutions)
		metrics.BudgetRejections.Inc()
		return nil
	}

	in := req.Prompt
	in.Repo = req.Repo
	in.Issue = req.Issue
	if in.Checkpoint == nil {
		checkpoint, err := o.store.LatestCheckpoint(ctx, issueID)
		if err != nil {
			log.Warn("checkpoint lookup failed", "error", err)
		} else {
			in.Checkpoint = checkpoint
		}
	}
	nudges, nudgeIDs := o.pendingNudgesFor(ctx, issueID)
	in.Nudges = nudges

	prompt := BuildPrompt(req.Mode, in)

	// Claim before any side effect. The partial unique index makes this
	// the only writer that can win for an issue with work in flight.
	e := store.NewExecution(issueID, repoCloneURL(req.Repo), prompt, req.Mode)
	claimed, err := o.store.ClaimExecution(ctx, e)
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if !claimed {
		metrics.ClaimsLost.Inc()
		log.Info("issue already has an active execution, claim lost")
		return nil
	}

	spec := grid.LaunchSpec{
		ExecutionID: e.ID,
		RepoURL:     e.RepoURL,
		Prompt:      prompt,
		Mode:        string(req.Mode),
		IssueNumber: req.Issue.Number,
		Context:     launchContext(req.Mode, in),
	}
	runID, err := o.backend.Launch(ctx, spec)
	if err != nil {
		// Fail the claim so the issue frees up; its label is untouched,
		// so the next cycle picks it up again.
		if uerr := o.store.UpdateExecutionStatus(ctx, e.ID, store.StatusFailed, "launch failed: "+err.Error()); uerr != nil {
			log.Error("failed to mark execution failed", "execution_id", e.ID, "error", uerr)
		}
		metrics.ExecutionsFinished.WithLabelValues("failed").Inc()
		return fmt.Errorf("launch agent for #%d: %w", req.Issue.Number, err)
	}

	if runID != "" {
		if err := o.store.SetExternalRunID(ctx, e.ID, runID); err != nil {
			log.Error("failed to record external run id", "execution_id", e.ID, "error", err)
		}
	}
	if err := o.store.UpdateExecutionStatus(ctx, e.ID, store.StatusRunning, ""); err != nil {
		// A dry run completes before we get here; the terminal status wins.
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to mark execution running", "execution_id", e.ID, "error", err)
		}
	}

	for _, id := range nudgeIDs {
		if err := o.store.MarkNudgeProcessed(ctx, id); err != nil {
			log.Warn("failed to mark nudge processed", "nudge_id", id, "error", err)
		}
	}

	if o.watcher != nil && runID != "" {
		o.watcher.Track(e.ID, runID)
	}

	metrics.ExecutionsStarted.WithLabelValues(string(req.Mode), o.backend.Name()).Inc()
	metrics.ActiveExecutions.Inc()

	if o.publisher != nil {
		o.publisher.Publish(bus.AgentStarted, map[string]any{
			"execution_id": e.ID.String(),
			"issue_id":     issueID,
			"repo":         req.Repo,
			"mode":         string(req.Mode),
			"backend":      o.backend.Name(),
		})
	}

	label := tracker.LabelInProgress
	if req.Mode == store.ModePlan {
		label = tracker.LabelPlanning
	}
	if err := o.labels.TransitionTo(ctx, req.Repo, req.Issue.Number, label); err != nil {
		log.Error("label transition failed", "label", label, "error", err)
	}
	if err := o.comment(ctx, req.Repo, req.Issue.Number, fmt.Sprintf("Agent started (%s).", req.Mode), nil); err != nil {
		log.Warn("start comment failed", "error", err)
	}

	log.Info("agent launched", "execution_id", e.ID, "backend", o.backend.Name())
	return nil
}

// launchContext tells the backend which branch an existing-branch mode
// works on; fresh modes let the backend derive agent/<n> itself.
func launchContext(mode store.ExecutionMode, in PromptInput) map[string]any {
	out := map[string]any{}
	switch mode {
	case store.ModeAddressReview, store.ModeFixCI:
		if in.Branch != "" {
			out["branch"] = in.Branch
		}
		if in.PRNumber > 0 {
			out["pr_number"] = in.PRNumber
		}
	case store.ModeRetryWithFeedback:
		out["branch"] = RetryBranch(in.Issue.Number)
		if in.ClosedPRNumber > 0 {
			out["closed_pr_number"] = in.ClosedPRNumber
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// pendingNudgesFor collects the queued nudges for an issue so they can
// ride along in the prompt. Failures only cost the nudge lines.
func (o *Orchestrator) pendingNudgesFor(ctx context.Context, issueID string) ([]string, []uuid.UUID) {
	pending, err := o.store.PendingNudges(ctx, 50)
	if err != nil {
		o.logger.Warn("pending nudge lookup failed", "error", err)
		return nil, nil
	}
	var bodies []string
	var ids []uuid.UUID
	for _, n := range pending {
		if n.IssueID != issueID {
			continue
		}
		ids = append(ids, n.ID)
		if n.Reason != "" {
			bodies = append(bodies, n.Reason)
		}
	}
	return bodies, ids
}
