package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// Cursor keys for the PR sweeps, persisted in cron_state.
const (
	cursorPRCheck       = "last_pr_check"
	cursorClosedPRCheck = "last_closed_pr_check"
)

// RunCycle executes one full control pass: scan for new work, act on
// it, then sweep for everything webhooks can miss (stuck runs, review
// feedback, closed PRs, answered questions, resolved dependencies).
// Phases are independent; one failing does not stop the rest.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	started := o.now()
	metrics.CycleRuns.Inc()
	o.logger.Info("control cycle starting")

	var errs []error
	note := func(phase string, err error) {
		if err != nil {
			metrics.CyclePhaseErrors.WithLabelValues(phase).Inc()
			o.logger.Error("cycle phase failed", "phase", phase, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", phase, err))
		}
	}

	candidates, err := o.scanIssues(ctx)
	note("scan", err)
	note("classify", o.processCandidates(ctx, candidates))
	note("timeouts", o.sweepTimeouts(ctx))
	note("pr_reviews", o.sweepPRReviews(ctx))
	note("closed_prs", o.sweepClosedPRs(ctx))
	note("unblocked", o.sweepUnblocked(ctx))
	note("dependencies", o.sweepDependencies(ctx))

	// The gauge drifts when handlers race; the count is authoritative.
	if active, err := o.store.CountActiveExecutions(ctx); err == nil {
		metrics.ActiveExecutions.Set(float64(active))
	}

	elapsed := o.now().Sub(started)
	metrics.CycleDuration.Observe(elapsed.Seconds())
	o.logger.Info("control cycle finished", "duration", elapsed, "phase_errors", len(errs))
	return errors.Join(errs...)
}

// scanIssues lists open issues in the target repo and keeps the ones
// that opted in but have not been touched yet.
func (o *Orchestrator) scanIssues(ctx context.Context) ([]*tracker.Issue, error) {
	repo := o.cfg.TargetRepo
	if repo == "" {
		o.logger.Debug("no target repo configured, scan skipped")
		return nil, nil
	}
	issues, err := o.tracker.ListIssues(ctx, repo, tracker.ListOptions{Status: tracker.StatusOpen})
	if err != nil {
		return nil, fmt.Errorf("list open issues: %w", err)
	}
	var candidates []*tracker.Issue
	for _, issue := range issues {
		if !tracker.HasTriggerLabel(issue.Labels) || tracker.HasHandledLabel(issue.Labels) {
			continue
		}
		candidates = append(candidates, issue)
	}
	if len(candidates) > 0 {
		o.logger.Info("scan found new issues", "open", len(issues), "candidates", len(candidates))
	}
	return candidates, nil
}

// processCandidates runs each scanned issue through the pipeline.
// Per-issue failures are logged and skipped so one bad issue cannot
// starve the rest.
func (o *Orchestrator) processCandidates(ctx context.Context, candidates []*tracker.Issue) error {
	var failed int
	for _, issue := range candidates {
		if err := o.processIssue(ctx, o.cfg.TargetRepo, issue); err != nil {
			failed++
			o.logger.Error("issue processing failed", "issue", issue.Number, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d candidates failed", failed, len(candidates))
	}
	return nil
}

// sweepTimeouts fails executions that have been running past the
// configured deadline, releases their issues and cancels the backend
// run when there is a handle to cancel.
func (o *Orchestrator) sweepTimeouts(ctx context.Context) error {
	cutoff := o.now().Add(-o.cfg.ExecutionTimeout)
	stale, err := o.store.TimeoutStaleExecutions(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, e := range stale {
		metrics.ExecutionsFinished.WithLabelValues("timed_out").Inc()
		metrics.ActiveExecutions.Dec()
		if o.watcher != nil {
			o.watcher.Forget(e.ID)
		}
		if e.ExternalRunID != "" {
			if err := o.backend.Cancel(ctx, e.ExternalRunID); err != nil {
				o.logger.Warn("backend cancel failed", "execution_id", e.ID, "run_id", e.ExternalRunID, "error", err)
			}
		}

		repo, number, err := executionIssue(e)
		if err != nil {
			o.logger.Warn("timed-out execution has no resolvable issue", "execution_id", e.ID, "error", err)
			continue
		}
		o.logger.Warn("execution timed out", "execution_id", e.ID, "repo", repo, "issue", number)
		if err := o.labels.TransitionTo(ctx, repo, number, tracker.LabelFailed); err != nil {
			o.logger.Error("label transition failed", "issue", number, "error", err)
		}
		body := fmt.Sprintf("Agent run timed out after %s. Needs human review.", o.cfg.ExecutionTimeout)
		if err := o.comment(ctx, repo, number, body, nil); err != nil {
			o.logger.Warn("timeout comment failed", "issue", number, "error", err)
		}
	}
	return nil
}

// sweepPRReviews picks up review feedback submitted since the last
// sweep on open agent PRs. Webhook-delivered reviews normally win the
// race; the cursor keeps replays from double-launching.
func (o *Orchestrator) sweepPRReviews(ctx context.Context) error {
	if o.prs == nil || o.cfg.TargetRepo == "" {
		return nil
	}
	repo := o.cfg.TargetRepo
	last := o.cronCursor(ctx, cursorPRCheck)
	sweepStart := o.now()

	prs, err := o.prs.ListOpenPullRequests(ctx, repo)
	if err != nil {
		return fmt.Errorf("list open prs: %w", err)
	}
	for _, pr := range prs {
		if !tracker.IsAgentBranch(pr.Branch) {
			continue
		}
		feedback, err := o.reviewFeedbackSince(ctx, repo, pr.Number, last)
		if err != nil {
			o.logger.Warn("review lookup failed", "pr", pr.Number, "error", err)
			continue
		}
		if feedback == "" {
			continue
		}
		number, ok := tracker.IssueNumberFromPR(pr)
		if !ok {
			continue
		}
		issue, err := o.tracker.GetIssue(ctx, repo, number)
		if err != nil {
			o.logger.Warn("issue lookup failed", "issue", number, "error", err)
			continue
		}
		if issue.Status == tracker.StatusClosed || hasTerminalLabel(issue) {
			continue
		}
		o.logger.Info("sweep found review feedback", "pr", pr.Number, "issue", number)
		if err := o.launch(ctx, launchRequest{
			Repo:  repo,
			Issue: issue,
			Mode:  store.ModeAddressReview,
			Prompt: PromptInput{
				PRNumber:       pr.Number,
				Branch:         pr.Branch,
				ReviewFeedback: feedback,
			},
		}); err != nil {
			o.logger.Error("review launch failed", "pr", pr.Number, "error", err)
		}
	}
	return o.setCronCursor(ctx, cursorPRCheck, sweepStart)
}

// reviewFeedbackSince merges review bodies and inline comments newer
// than the cursor into one feedback blob.
func (o *Orchestrator) reviewFeedbackSince(ctx context.Context, repo string, prNumber int, since time.Time) (string, error) {
	reviews, err := o.prs.ListReviews(ctx, repo, prNumber)
	if err != nil {
		return "", fmt.Errorf("list reviews: %w", err)
	}
	var parts []string
	for _, r := range reviews {
		state := strings.ToUpper(r.State)
		if state != tracker.ReviewChangesRequested && state != tracker.ReviewCommented {
			continue
		}
		if r.Body == "" || !r.SubmittedAt.After(since) {
			continue
		}
		parts = append(parts, r.Body)
	}
	comments, err := o.prs.ListReviewComments(ctx, repo, prNumber)
	if err != nil {
		return "", fmt.Errorf("list review comments: %w", err)
	}
	for _, c := range comments {
		if !c.CreatedAt.After(since) {
			continue
		}
		parts = append(parts, fmt.Sprintf("File: %s\n%s", c.Path, c.Body))
	}
	return strings.Join(parts, "\n\n---\n\n"), nil
}

// sweepClosedPRs settles agent PRs closed since the last sweep. This is
// the only path that sees merges and closures when webhooks are not
// configured.
func (o *Orchestrator) sweepClosedPRs(ctx context.Context) error {
	if o.prs == nil || o.cfg.TargetRepo == "" {
		return nil
	}
	repo := o.cfg.TargetRepo
	last := o.cronCursor(ctx, cursorClosedPRCheck)
	sweepStart := o.now()

	prs, err := o.prs.ListClosedPullRequests(ctx, repo)
	if err != nil {
		return fmt.Errorf("list closed prs: %w", err)
	}
	for _, pr := range prs {
		if !tracker.IsAgentBranch(pr.Branch) {
			continue
		}
		if pr.ClosedAt.IsZero() || !pr.ClosedAt.After(last) {
			continue
		}
		if err := o.processClosedPR(ctx, repo, pr); err != nil {
			o.logger.Error("closed pr processing failed", "pr", pr.Number, "error", err)
		}
	}
	return o.setCronCursor(ctx, cursorClosedPRCheck, sweepStart)
}

// sweepUnblocked relaunches blocked issues whose question got a human
// answer. The answer rides into the prompt so the agent can use it.
func (o *Orchestrator) sweepUnblocked(ctx context.Context) error {
	if o.cfg.TargetRepo == "" {
		return nil
	}
	repo := o.cfg.TargetRepo
	blocked, err := o.tracker.ListIssues(ctx, repo, tracker.ListOptions{
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelBlocked},
	})
	if err != nil {
		return fmt.Errorf("list blocked issues: %w", err)
	}
	for _, stub := range blocked {
		issue, err := o.tracker.GetIssue(ctx, repo, stub.Number)
		if err != nil {
			o.logger.Warn("issue lookup failed", "issue", stub.Number, "error", err)
			continue
		}
		reply, ok := tracker.HumanReplyAfterBlock(issue.Comments)
		if !ok {
			continue
		}
		o.logger.Info("blocked issue got an answer", "issue", issue.Number, "author", reply.Author)
		// The old verdict said BLOCKED; forget it so a future pass
		// reclassifies if this launch does not stick.
		if err := o.store.SetClassification(ctx, issue.Number, repo, ""); err != nil {
			o.logger.Warn("failed to clear classification", "issue", issue.Number, "error", err)
		}
		if err := o.launch(ctx, launchRequest{
			Repo:   repo,
			Issue:  issue,
			Mode:   store.ModeImplement,
			Prompt: PromptInput{Clarification: reply.Body},
		}); err != nil {
			o.logger.Error("unblock launch failed", "issue", issue.Number, "error", err)
		}
	}
	return nil
}

// sweepDependencies releases waiting issues whose blockers all closed,
// then settles epics whose sub-issues are all done or failed.
func (o *Orchestrator) sweepDependencies(ctx context.Context) error {
	if o.cfg.TargetRepo == "" {
		return nil
	}
	repo := o.cfg.TargetRepo
	return errors.Join(o.releaseWaiting(ctx, repo), o.settleEpics(ctx, repo))
}

func (o *Orchestrator) releaseWaiting(ctx context.Context, repo string) error {
	waiting, err := o.tracker.ListIssues(ctx, repo, tracker.ListOptions{
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelWaiting},
	})
	if err != nil {
		return fmt.Errorf("list waiting issues: %w", err)
	}
	for _, issue := range waiting {
		state, err := o.store.GetIssueState(ctx, issue.Number, repo)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("issue state lookup failed", "issue", issue.Number, "error", err)
			}
			continue
		}
		blockers := metaInts(state.Metadata, "waiting_on")
		if len(blockers) == 0 {
			// Waiting for reasons we do not track; a human put it there.
			continue
		}
		if open := o.openIssues(ctx, repo, blockers); len(open) > 0 {
			continue
		}
		o.logger.Info("dependencies cleared", "issue", issue.Number, "waiting_on", blockers)
		if err := o.labels.TransitionTo(ctx, repo, issue.Number, tracker.LabelTodo); err != nil {
			o.logger.Error("release transition failed", "issue", issue.Number, "error", err)
			continue
		}
		if err := o.store.DeleteMetadataKeys(ctx, issue.Number, repo, "waiting_on"); err != nil {
			o.logger.Warn("failed to clear waiting_on", "issue", issue.Number, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) settleEpics(ctx context.Context, repo string) error {
	epics, err := o.tracker.ListIssues(ctx, repo, tracker.ListOptions{
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelEpic},
	})
	if err != nil {
		return fmt.Errorf("list epics: %w", err)
	}
	for _, epic := range epics {
		subs, err := o.tracker.ListSubIssues(ctx, repo, epic.Number)
		if err != nil {
			o.logger.Warn("sub-issue listing failed", "issue", epic.Number, "error", err)
			continue
		}
		if len(subs) == 0 {
			continue
		}

		var failed []int
		pending := false
		for _, sub := range subs {
			switch {
			case issueHasLabel(sub, tracker.LabelFailed):
				failed = append(failed, sub.Number)
			case sub.Status == tracker.StatusClosed || issueHasLabel(sub, tracker.LabelDone):
				// settled
			default:
				pending = true
			}
		}
		if pending {
			continue
		}

		if len(failed) > 0 {
			o.logger.Warn("epic has failed sub-issues", "issue", epic.Number, "failed", failed)
			body := fmt.Sprintf("Some sub-tasks failed (%s). Needs human review.", joinIssueRefs(failed))
			if err := o.comment(ctx, repo, epic.Number, body, nil); err != nil {
				o.logger.Warn("epic comment failed", "issue", epic.Number, "error", err)
			}
			if err := o.labels.TransitionTo(ctx, repo, epic.Number, tracker.LabelFailed); err != nil {
				o.logger.Error("label transition failed", "issue", epic.Number, "error", err)
			}
			continue
		}

		o.logger.Info("epic complete", "issue", epic.Number, "sub_issues", len(subs))
		if err := o.comment(ctx, repo, epic.Number, "All sub-tasks completed! Closing parent issue.", nil); err != nil {
			o.logger.Warn("epic comment failed", "issue", epic.Number, "error", err)
		}
		if err := o.labels.TransitionTo(ctx, repo, epic.Number, tracker.LabelDone); err != nil {
			o.logger.Error("label transition failed", "issue", epic.Number, "error", err)
		}
		if err := o.tracker.SetIssueStatus(ctx, repo, epic.Number, tracker.StatusClosed); err != nil {
			o.logger.Warn("failed to close epic", "issue", epic.Number, "error", err)
		}
	}
	return nil
}

// cronCursor loads a sweep cursor; the zero time means never swept.
func (o *Orchestrator) cronCursor(ctx context.Context, key string) time.Time {
	state, err := o.store.GetCronState(ctx, key)
	if err != nil {
		o.logger.Warn("cron cursor lookup failed", "key", key, "error", err)
		return time.Time{}
	}
	raw, _ := state["timestamp"].(string)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		o.logger.Warn("bad cron cursor", "key", key, "value", raw)
		return time.Time{}
	}
	return t
}

func (o *Orchestrator) setCronCursor(ctx context.Context, key string, t time.Time) error {
	if err := o.store.SetCronState(ctx, key, map[string]any{"timestamp": t.Format(time.RFC3339)}); err != nil {
		return fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return nil
}

// Loop drives RunCycle on a fixed interval.
type Loop struct {
	orch     *Orchestrator
	interval time.Duration
	cron     *cron.Cron
	entryID  cron.EntryID
	busy     atomic.Bool
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewLoop creates a loop that runs the orchestrator's cycle every
// interval.
func NewLoop(orch *Orchestrator, interval time.Duration) *Loop {
	return &Loop{
		orch:     orch,
		interval: interval,
		cron:     cron.New(),
		logger:   logging.WithComponent("loop"),
	}
}

// Start schedules the cycle and fires the first one immediately; an
// @every schedule otherwise stays idle for a full interval.
func (l *Loop) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %ds", int(l.interval.Seconds()))
	id, err := l.cron.AddFunc(spec, func() { l.tick(ctx) })
	if err != nil {
		return fmt.Errorf("schedule control cycle: %w", err)
	}
	l.entryID = id
	l.cron.Start()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.tick(ctx)
	}()

	l.logger.Info("control loop started", "interval", l.interval)
	return nil
}

// tick runs one cycle unless the previous one is still going.
func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !l.busy.CompareAndSwap(false, true) {
		l.logger.Warn("previous cycle still running, skipping")
		return
	}
	defer l.busy.Store(false)

	if err := l.orch.RunCycle(ctx); err != nil {
		l.logger.Error("control cycle finished with errors", "error", err)
	}
}

// Stop halts the schedule and waits for any in-flight cycle.
func (l *Loop) Stop() {
	stopCtx := l.cron.Stop()
	<-stopCtx.Done()
	l.wg.Wait()
	l.logger.Info("control loop stopped")
}
