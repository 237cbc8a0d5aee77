package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// handleIssueEvent reacts to issue.created and issue.updated. The
// payload is only a hint; the issue is re-fetched so decisions are made
// on current labels, not on whatever the webhook carried.
func (o *Orchestrator) handleIssueEvent(ctx context.Context, event bus.Event) error {
	repo := payloadString(event.Payload, "repo")
	number, ok := payloadIssueNumber(event.Payload)
	if repo == "" || !ok {
		o.logger.Debug("issue event without repo or issue id", "type", event.Type)
		return nil
	}

	issue, err := o.tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}
	if issue.Status == tracker.StatusClosed {
		o.logger.Debug("ignoring event for closed issue", "repo", repo, "issue", number)
		return nil
	}
	if !tracker.HasTriggerLabel(issue.Labels) {
		o.logger.Debug("issue lost its trigger label, skipping", "repo", repo, "issue", number)
		return nil
	}
	if tracker.HasHandledLabel(issue.Labels) {
		o.logger.Debug("issue already in the pipeline", "repo", repo, "issue", number, "labels", issue.Labels)
		return nil
	}
	return o.processIssue(ctx, repo, issue)
}

// processIssue runs one unhandled issue through the pipeline: record
// it, then classify (or act on a verdict already stored).
func (o *Orchestrator) processIssue(ctx context.Context, repo string, issue *tracker.Issue) error {
	now := o.now()
	if err := o.store.UpsertIssueState(ctx, issue.Number, repo, store.IssueStatePatch{LastCheckedAt: &now}); err != nil {
		return fmt.Errorf("upsert issue state #%d: %w", issue.Number, err)
	}
	state, err := o.store.GetIssueState(ctx, issue.Number, repo)
	if err != nil {
		return fmt.Errorf("get issue state #%d: %w", issue.Number, err)
	}
	if state.Classification == "" {
		return o.classifyAndAct(ctx, repo, issue)
	}
	return o.actOnStoredClassification(ctx, repo, issue, state)
}

// classifyAndAct asks the classifier for a verdict and acts on it. A
// classifier error leaves the issue untouched; the next cycle retries.
func (o *Orchestrator) classifyAndAct(ctx context.Context, repo string, issue *tracker.Issue) error {
	verdict, err := o.classifier.Classify(ctx, issue)
	if err != nil {
		return fmt.Errorf("classify #%d: %w", issue.Number, err)
	}
	if err := o.store.SetClassification(ctx, issue.Number, repo, string(verdict.Category)); err != nil {
		return fmt.Errorf("store classification for #%d: %w", issue.Number, err)
	}
	return o.actOnVerdict(ctx, repo, issue, verdict)
}

// actOnStoredClassification routes an issue whose verdict is already on
// record. SIMPLE and COMPLEX relaunch directly; anything else is stale
// by definition (the issue is actionable again) and gets reclassified.
func (o *Orchestrator) actOnStoredClassification(ctx context.Context, repo string, issue *tracker.Issue, state *store.IssueState) error {
	switch classify.Category(state.Classification) {
	case classify.Simple:
		return o.launch(ctx, launchRequest{Repo: repo, Issue: issue, Mode: store.ModeImplement})
	case classify.Complex:
		return o.launch(ctx, launchRequest{Repo: repo, Issue: issue, Mode: store.ModePlan})
	default:
		return o.classifyAndAct(ctx, repo, issue)
	}
}

func (o *Orchestrator) actOnVerdict(ctx context.Context, repo string, issue *tracker.Issue, verdict *classify.Classification) error {
	log := o.logger.With("repo", repo, "issue", issue.Number, "category", verdict.Category)

	switch verdict.Category {
	case classify.Simple, classify.Complex:
		if open := o.openIssues(ctx, repo, intSlice(verdict.Dependencies)); len(open) > 0 {
			if err := o.store.MergeMetadata(ctx, issue.Number, repo, map[string]any{"waiting_on": open}); err != nil {
				return fmt.Errorf("record dependencies for #%d: %w", issue.Number, err)
			}
			if err := o.comment(ctx, repo, issue.Number, "Waiting on "+joinIssueRefs(open)+" before starting.", nil); err != nil {
				log.Warn("waiting comment failed", "error", err)
			}
			log.Info("issue waiting on open dependencies", "waiting_on", open)
			return o.labels.TransitionTo(ctx, repo, issue.Number, tracker.LabelWaiting)
		}
		mode := store.ModeImplement
		if verdict.Category == classify.Complex {
			mode = store.ModePlan
		}
		return o.launch(ctx, launchRequest{Repo: repo, Issue: issue, Mode: mode})

	case classify.Blocked:
		question := verdict.BlockingQuestion
		if question == "" {
			question = verdict.Reason
		}
		meta := map[string]any{"type": tracker.MetaTypeBlocked, "reason": verdict.Reason}
		body := "An agent needs clarification before it can start:\n\n" + question
		if err := o.comment(ctx, repo, issue.Number, body, meta); err != nil {
			return err
		}
		log.Info("issue blocked on a human answer")
		return o.labels.TransitionTo(ctx, repo, issue.Number, tracker.LabelBlocked)

	case classify.Skip:
		body := "Skipping this issue: " + verdict.Reason
		if err := o.comment(ctx, repo, issue.Number, body, nil); err != nil {
			return err
		}
		log.Info("issue skipped", "reason", verdict.Reason)
		return o.labels.TransitionTo(ctx, repo, issue.Number, tracker.LabelSkipped)
	}
	return fmt.Errorf("unknown classification %q for #%d", verdict.Category, issue.Number)
}

// openIssues filters an issue-number list down to the ones still open.
// Lookup failures count as open; waiting is the safe side.
func (o *Orchestrator) openIssues(ctx context.Context, repo string, numbers []int) []int {
	var open []int
	for _, n := range numbers {
		issue, err := o.tracker.GetIssue(ctx, repo, n)
		if err != nil || issue.Status != tracker.StatusClosed {
			open = append(open, n)
		}
	}
	return open
}

// handleNudge queues the nudge and, when the issue has no execution in
// flight, wakes it: terminal issues re-enter at ag/todo, blocked issues
// go straight to an implement run, everything else re-runs the pipeline.
func (o *Orchestrator) handleNudge(ctx context.Context, event bus.Event) error {
	number, ok := payloadIssueNumber(event.Payload)
	if !ok {
		o.logger.Debug("nudge without issue id")
		return nil
	}
	repo := payloadString(event.Payload, "repo")
	if repo == "" {
		repo = o.cfg.TargetRepo
	}
	message := payloadString(event.Payload, "comment_body")
	if message == "" {
		message = payloadString(event.Payload, "message")
	}
	issueID := strconv.Itoa(number)
	log := o.logger.With("repo", repo, "issue", number)

	nudge := &store.NudgeRequest{
		ID:        uuid.New(),
		IssueID:   issueID,
		Priority:  payloadInt(event.Payload, "priority"),
		Reason:    message,
		CreatedAt: o.now(),
	}
	if raw := payloadString(event.Payload, "source_execution_id"); raw != "" {
		if src, err := uuid.Parse(raw); err == nil {
			nudge.SourceExecutionID = &src
		}
	}
	if err := o.store.EnqueueNudge(ctx, nudge); err != nil {
		return fmt.Errorf("enqueue nudge for #%d: %w", number, err)
	}

	_, err := o.store.ActiveExecutionForIssue(ctx, issueID)
	if err == nil {
		log.Info("nudge queued behind active execution")
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check active execution for #%d: %w", number, err)
	}
	if repo == "" {
		log.Warn("nudge has no repo and no target_repo is configured, leaving it queued")
		return nil
	}

	issue, err := o.tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}
	if issue.Status == tracker.StatusClosed {
		log.Info("nudge for closed issue ignored")
		if err := o.store.MarkNudgeProcessed(ctx, nudge.ID); err != nil {
			log.Warn("failed to mark nudge processed", "error", err)
		}
		return nil
	}

	if issueHasLabel(issue, tracker.LabelBlocked) {
		// The nudge is the human telling us to move; its text rides
		// into the prompt as a queued nudge.
		log.Info("nudge unblocks issue")
		return o.launch(ctx, launchRequest{Repo: repo, Issue: issue, Mode: store.ModeImplement})
	}

	if hasTerminalLabel(issue) {
		log.Info("nudge revives terminal issue")
		if err := o.labels.TransitionTo(ctx, repo, number, tracker.LabelTodo); err != nil {
			return fmt.Errorf("revive #%d: %w", number, err)
		}
		if err := o.store.SetClassification(ctx, number, repo, ""); err != nil {
			return fmt.Errorf("clear classification for #%d: %w", number, err)
		}
	}
	return o.processIssue(ctx, repo, issue)
}

// handlePRReview reacts to submitted reviews on agent branches. Only
// reviews that ask for something (changes requested, or a comment with
// a body) trigger a run.
func (o *Orchestrator) handlePRReview(ctx context.Context, event bus.Event) error {
	repo := payloadString(event.Payload, "repo")
	prNumber := payloadInt(event.Payload, "pr_number")
	branch := payloadString(event.Payload, "branch")
	state := strings.ToUpper(payloadString(event.Payload, "state"))
	body := payloadString(event.Payload, "body")

	if repo == "" || prNumber == 0 {
		o.logger.Debug("pr.review without repo or pr number")
		return nil
	}
	if state != tracker.ReviewChangesRequested && state != tracker.ReviewCommented {
		o.logger.Debug("ignoring review state", "state", state, "pr", prNumber)
		return nil
	}
	if body == "" {
		o.logger.Debug("review has no body, nothing to address", "pr", prNumber)
		return nil
	}

	number, ok := tracker.IssueNumberFromBranch(branch)
	if !ok {
		number, ok = tracker.IssueNumberFromPRBody(payloadString(event.Payload, "pr_body"))
	}
	if !ok {
		o.logger.Debug("review on a branch no agent owns", "pr", prNumber, "branch", branch)
		return nil
	}

	issue, err := o.tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}
	if issue.Status == tracker.StatusClosed || hasTerminalLabel(issue) {
		o.logger.Debug("review for settled issue ignored", "issue", number, "pr", prNumber)
		return nil
	}

	o.logger.Info("review feedback received", "repo", repo, "issue", number, "pr", prNumber, "state", state)
	return o.launch(ctx, launchRequest{
		Repo:  repo,
		Issue: issue,
		Mode:  store.ModeAddressReview,
		Prompt: PromptInput{
			PRNumber:       prNumber,
			Branch:         branch,
			ReviewFeedback: body,
		},
	})
}

// handlePRClosed settles the issue behind a closed agent PR: merged
// means done, unmerged means a retry while the budget lasts.
func (o *Orchestrator) handlePRClosed(ctx context.Context, event bus.Event) error {
	repo := payloadString(event.Payload, "repo")
	pr := &tracker.PullRequest{
		Number: payloadInt(event.Payload, "pr_number"),
		Title:  payloadString(event.Payload, "title"),
		Body:   payloadString(event.Payload, "pr_body"),
		Branch: payloadString(event.Payload, "branch"),
		Merged: payloadBool(event.Payload, "merged"),
	}
	if repo == "" || pr.Number == 0 {
		o.logger.Debug("pr.closed without repo or pr number")
		return nil
	}
	return o.processClosedPR(ctx, repo, pr)
}

// processClosedPR is shared between the pr.closed handler and the
// closed-PR sweep.
func (o *Orchestrator) processClosedPR(ctx context.Context, repo string, pr *tracker.PullRequest) error {
	if !tracker.IsAgentBranch(pr.Branch) {
		o.logger.Debug("closed pr is not on an agent branch", "pr", pr.Number, "branch", pr.Branch)
		return nil
	}
	number, ok := tracker.IssueNumberFromPR(pr)
	if !ok {
		o.logger.Debug("closed pr references no issue", "pr", pr.Number, "branch", pr.Branch)
		return nil
	}
	log := o.logger.With("repo", repo, "issue", number, "pr", pr.Number)

	if pr.Merged {
		return o.finishMergedPR(ctx, repo, number, log)
	}

	state, err := o.issueState(ctx, repo, number)
	if err != nil {
		return err
	}
	if metaInt(state.Metadata, "last_retried_pr") == pr.Number {
		log.Debug("retry for this pr already launched")
		return nil
	}
	if state.RetryCount >= o.cfg.MaxRetriesPerIssue {
		log.Warn("retry budget exhausted", "retries", state.RetryCount)
		body := fmt.Sprintf("Max retries (%d) reached. PR #%d was closed without merging. Needs human review.",
			o.cfg.MaxRetriesPerIssue, pr.Number)
		if err := o.comment(ctx, repo, number, body, nil); err != nil {
			log.Warn("max-retries comment failed", "error", err)
		}
		return o.labels.TransitionTo(ctx, repo, number, tracker.LabelFailed)
	}

	issue, err := o.tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}
	if issue.Status == tracker.StatusClosed {
		log.Info("pr closed together with its issue, not retrying")
		return nil
	}

	feedback := o.closedPRFeedback(ctx, repo, pr)
	whatNot := pr.Title
	if prev, err := o.store.LatestExecutionForIssue(ctx, strconv.Itoa(number)); err == nil && prev.Result != "" {
		whatNot = truncate(prev.Result, 2000)
	}

	retries, err := o.store.IncrementRetryCount(ctx, number, repo)
	if err != nil {
		return fmt.Errorf("increment retry count for #%d: %w", number, err)
	}
	// Record the PR before launching so a sweep racing this handler
	// cannot start a second retry for the same closure.
	if err := o.store.MergeMetadata(ctx, number, repo, map[string]any{"last_retried_pr": pr.Number}); err != nil {
		return fmt.Errorf("record retried pr for #%d: %w", number, err)
	}

	log.Info("retrying after closed pr", "retry", retries, "max", o.cfg.MaxRetriesPerIssue)
	return o.launch(ctx, launchRequest{
		Repo:  repo,
		Issue: issue,
		Mode:  store.ModeRetryWithFeedback,
		Prompt: PromptInput{
			ClosedPRNumber: pr.Number,
			HumanFeedback:  feedback,
			WhatNotToDo:    whatNot,
		},
	})
}

func (o *Orchestrator) finishMergedPR(ctx context.Context, repo string, number int, log *slog.Logger) error {
	if err := o.labels.TransitionTo(ctx, repo, number, tracker.LabelDone); err != nil {
		return fmt.Errorf("mark #%d done: %w", number, err)
	}
	if err := o.tracker.SetIssueStatus(ctx, repo, number, tracker.StatusClosed); err != nil {
		log.Warn("failed to close issue after merge", "error", err)
	}
	if err := o.store.ResetRetryCount(ctx, number, repo); err != nil {
		log.Warn("failed to reset retry count", "error", err)
	}
	if err := o.store.DeleteMetadataKeys(ctx, number, repo, "last_retried_pr", "ci_fix_count", "last_ci_check_sha"); err != nil {
		log.Warn("failed to clear retry metadata", "error", err)
	}
	log.Info("pr merged, issue done")
	return nil
}

// closedPRFeedback collects human comments from the closed PR's
// conversation. The agent's own comments carry an embedded marker and
// are skipped.
func (o *Orchestrator) closedPRFeedback(ctx context.Context, repo string, pr *tracker.PullRequest) string {
	if o.prs == nil {
		return ""
	}
	comments, err := o.prs.ListIssueCommentsSince(ctx, repo, pr.Number, pr.ClosedAt)
	if err != nil {
		o.logger.Warn("closed pr comment lookup failed", "pr", pr.Number, "error", err)
		return ""
	}
	var parts []string
	for _, c := range comments {
		if c.IsBot() || tracker.ExtractMetadata(c.Body) != nil {
			continue
		}
		if c.Body != "" {
			parts = append(parts, c.Body)
		}
	}
	return strings.Join(parts, "\n\n")
}

// handleCheckRunFailed launches a CI fix for a failing check on an
// agent branch. The head SHA dedupes repeated failure events for the
// same push, and the fix counter caps how long we chase a red build.
func (o *Orchestrator) handleCheckRunFailed(ctx context.Context, event bus.Event) error {
	repo := payloadString(event.Payload, "repo")
	branch := payloadString(event.Payload, "branch")
	if repo == "" {
		o.logger.Debug("check_run.failed without repo")
		return nil
	}
	number, ok := tracker.IssueNumberFromBranch(branch)
	if !ok {
		o.logger.Debug("check failure outside agent branches", "branch", branch)
		return nil
	}
	log := o.logger.With("repo", repo, "issue", number, "branch", branch)

	issue, err := o.tracker.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}
	if issue.Status == tracker.StatusClosed || hasTerminalLabel(issue) {
		log.Debug("check failure for settled issue ignored")
		return nil
	}

	state, err := o.issueState(ctx, repo, number)
	if err != nil {
		return err
	}
	sha := payloadString(event.Payload, "head_sha")
	if sha != "" && metaString(state.Metadata, "last_ci_check_sha") == sha {
		log.Debug("ci failure for this sha already being fixed", "sha", sha)
		return nil
	}
	fixes := metaInt(state.Metadata, "ci_fix_count")
	if fixes >= o.cfg.MaxCIFixRetries {
		log.Warn("ci fix budget exhausted", "fixes", fixes)
		body := fmt.Sprintf("CI is still failing after %d fix attempts. Needs human review.", fixes)
		if err := o.comment(ctx, repo, number, body, nil); err != nil {
			log.Warn("ci-failed comment failed", "error", err)
		}
		return o.labels.TransitionTo(ctx, repo, number, tracker.LabelFailed)
	}

	// Written before the launch so a duplicate event for the same SHA
	// is a no-op even if the launch below loses its claim.
	if err := o.store.MergeMetadata(ctx, number, repo, map[string]any{
		"last_ci_check_sha": sha,
		"ci_fix_count":      fixes + 1,
	}); err != nil {
		return fmt.Errorf("record ci fix for #%d: %w", number, err)
	}

	log.Info("launching ci fix", "attempt", fixes+1, "check", payloadString(event.Payload, "check_name"))
	return o.launch(ctx, launchRequest{
		Repo:  repo,
		Issue: issue,
		Mode:  store.ModeFixCI,
		Prompt: PromptInput{
			PRNumber:   payloadInt(event.Payload, "pr_number"),
			Branch:     branch,
			CheckName:  payloadString(event.Payload, "check_name"),
			Conclusion: payloadString(event.Payload, "conclusion"),
			DetailsURL: payloadString(event.Payload, "details_url"),
		},
	})
}

// issueState fetches the issue's stored state, creating the row first
// so handlers that arrive before any scan still find one.
func (o *Orchestrator) issueState(ctx context.Context, repo string, number int) (*store.IssueState, error) {
	if err := o.store.UpsertIssueState(ctx, number, repo, store.IssueStatePatch{}); err != nil {
		return nil, fmt.Errorf("upsert issue state #%d: %w", number, err)
	}
	state, err := o.store.GetIssueState(ctx, number, repo)
	if err != nil {
		return nil, fmt.Errorf("get issue state #%d: %w", number, err)
	}
	return state, nil
}

// handleAgentCompleted records the finished run, then routes by mode:
// plan output becomes sub-issues, everything else parks the issue at
// ag/review-pending for a human.
func (o *Orchestrator) handleAgentCompleted(ctx context.Context, event bus.Event) error {
	execID, err := uuid.Parse(payloadString(event.Payload, "execution_id"))
	if err != nil {
		o.logger.Debug("agent.completed without execution id")
		return nil
	}
	exec, err := o.store.GetExecution(ctx, execID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("completion for unknown execution", "execution_id", execID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", execID, err)
	}

	result := payloadString(event.Payload, "result")
	if err := o.store.UpdateExecutionStatus(ctx, execID, store.StatusCompleted, result); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark execution completed: %w", err)
	}
	metrics.ExecutionsFinished.WithLabelValues(string(store.StatusCompleted)).Inc()
	metrics.ActiveExecutions.Dec()
	if o.watcher != nil {
		o.watcher.Forget(execID)
	}

	branch := payloadString(event.Payload, "branch")
	prNumber := payloadInt(event.Payload, "pr_number")
	if prNumber > 0 || branch != "" {
		if err := o.store.SetPRInfo(ctx, execID, prNumber, branch); err != nil {
			o.logger.Warn("failed to record pr info", "execution_id", execID, "error", err)
		}
	}
	if checkpoint, ok := event.Payload["checkpoint"].(map[string]any); ok && len(checkpoint) > 0 {
		if err := o.store.SaveCheckpoint(ctx, execID, checkpoint); err != nil {
			o.logger.Warn("failed to save checkpoint", "execution_id", execID, "error", err)
		}
	}
	if tokens, duration := payloadInt(event.Payload, "tokens_used"), payloadFloat(event.Payload, "duration_seconds"); tokens > 0 || duration > 0 {
		if err := o.store.RecordBudgetUsage(ctx, execID, tokens, duration); err != nil {
			o.logger.Warn("failed to record budget usage", "execution_id", execID, "error", err)
		}
	}

	repo, number, err := executionIssue(exec)
	if err != nil {
		o.logger.Warn("completed execution has no resolvable issue", "execution_id", execID, "error", err)
		return nil
	}
	log := o.logger.With("repo", repo, "issue", number, "execution_id", execID, "mode", exec.Mode)

	if exec.Mode == store.ModePlan {
		if err := o.completePlan(ctx, repo, number, result); err != nil {
			log.Error("plan completion failed", "error", err)
		}
	} else {
		if err := o.labels.TransitionTo(ctx, repo, number, tracker.LabelReviewPending); err != nil {
			log.Error("label transition failed", "error", err)
		}
		body := fmt.Sprintf("Agent completed (%s).", exec.Mode)
		if prURL := payloadString(event.Payload, "pr_url"); prURL != "" {
			body += "\nPR: " + prURL
		} else if result != "" {
			body += "\n\n" + truncate(result, 1500)
		}
		if err := o.comment(ctx, repo, number, body, nil); err != nil {
			log.Warn("completion comment failed", "error", err)
		}
	}

	o.deliverPendingNudges(ctx, repo, number)
	log.Info("execution completed")
	return nil
}

// handleAgentFailed records the failure and parks the issue at
// ag/failed. Retries only happen through the PR-closed path; a run that
// died without producing a PR needs a human (or a nudge) to restart it.
func (o *Orchestrator) handleAgentFailed(ctx context.Context, event bus.Event) error {
	execID, err := uuid.Parse(payloadString(event.Payload, "execution_id"))
	if err != nil {
		o.logger.Debug("agent.failed without execution id")
		return nil
	}
	exec, err := o.store.GetExecution(ctx, execID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failure for unknown execution", "execution_id", execID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load execution %s: %w", execID, err)
	}

	reason := payloadString(event.Payload, "error")
	if reason == "" {
		reason = "agent run failed"
	}
	if err := o.store.UpdateExecutionStatus(ctx, execID, store.StatusFailed, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("mark execution failed: %w", err)
	}
	metrics.ExecutionsFinished.WithLabelValues(string(store.StatusFailed)).Inc()
	metrics.ActiveExecutions.Dec()
	if o.watcher != nil {
		o.watcher.Forget(execID)
	}

	repo, number, err := executionIssue(exec)
	if err != nil {
		o.logger.Warn("failed execution has no resolvable issue", "execution_id", execID, "error", err)
		return nil
	}
	log := o.logger.With("repo", repo, "issue", number, "execution_id", execID)

	if err := o.labels.TransitionTo(ctx, repo, number, tracker.LabelFailed); err != nil {
		log.Error("label transition failed", "error", err)
	}
	if err := o.comment(ctx, repo, number, "Agent run failed: "+truncate(reason, 1000), nil); err != nil {
		log.Warn("failure comment failed", "error", err)
	}
	o.deliverPendingNudges(ctx, repo, number)
	log.Warn("execution failed", "reason", reason)
	return nil
}

// agentPlan is the JSON a planning run must leave as its result.
type agentPlan struct {
	SubIssues []planSubIssue `json:"sub_issues"`
}

type planSubIssue struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	DependsOn []int  `json:"depends_on"`
}

// planFromResult pulls the plan JSON out of the agent's output, which
// may wrap it in prose or a code fence.
func planFromResult(result string) (*agentPlan, error) {
	start := strings.Index(result, "{")
	end := strings.LastIndex(result, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan output")
	}
	var plan agentPlan
	if err := json.Unmarshal([]byte(result[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.SubIssues) == 0 {
		return nil, fmt.Errorf("plan has no sub-issues")
	}
	for i, sub := range plan.SubIssues {
		if sub.Title == "" {
			return nil, fmt.Errorf("plan sub-issue %d has no title", i+1)
		}
		for _, dep := range sub.DependsOn {
			if dep < 1 || dep > len(plan.SubIssues) {
				return nil, fmt.Errorf("plan sub-issue %d depends on unknown position %d", i+1, dep)
			}
		}
	}
	return &plan, nil
}

// completePlan turns a planning run's output into sub-issues and parks
// the parent as an epic. Sub-issues with dependencies start at
// ag/waiting; the dependency sweep releases them as their blockers
// close.
func (o *Orchestrator) completePlan(ctx context.Context, repo string, parent int, result string) error {
	log := o.logger.With("repo", repo, "issue", parent)

	plan, err := planFromResult(result)
	if err != nil {
		log.Error("planning run produced no usable plan", "error", err)
		if cerr := o.comment(ctx, repo, parent, "Planning run produced no usable plan. Needs human review.", nil); cerr != nil {
			log.Warn("plan-failed comment failed", "error", cerr)
		}
		return o.labels.TransitionTo(ctx, repo, parent, tracker.LabelFailed)
	}

	// First pass creates the issues; numbers[i] stays 0 on failure so
	// dependency positions still line up.
	numbers := make([]int, len(plan.SubIssues))
	var created []int64
	for i, sub := range plan.SubIssues {
		labels := []string{tracker.LabelSubIssue, tracker.LabelTodo}
		if len(sub.DependsOn) > 0 {
			labels = []string{tracker.LabelSubIssue, tracker.LabelWaiting}
		}
		issue, err := o.tracker.CreateSubIssue(ctx, repo, parent, sub.Title, sub.Body, labels)
		if err != nil {
			log.Error("sub-issue creation failed", "title", sub.Title, "error", err)
			continue
		}
		numbers[i] = issue.Number
		created = append(created, int64(issue.Number))
	}
	if len(created) == 0 {
		if cerr := o.comment(ctx, repo, parent, "Planning produced sub-tasks but none could be created. Needs human review.", nil); cerr != nil {
			log.Warn("plan-failed comment failed", "error", cerr)
		}
		return o.labels.TransitionTo(ctx, repo, parent, tracker.LabelFailed)
	}

	// Second pass resolves 1-based plan positions into real issue
	// numbers and records lineage.
	for i, sub := range plan.SubIssues {
		if numbers[i] == 0 {
			continue
		}
		patch := store.IssueStatePatch{ParentIssue: &parent}
		var waitingOn []int
		for _, dep := range sub.DependsOn {
			if n := numbers[dep-1]; n != 0 {
				waitingOn = append(waitingOn, n)
			}
		}
		if len(waitingOn) > 0 {
			patch.Metadata = map[string]any{"waiting_on": waitingOn}
		}
		if err := o.store.UpsertIssueState(ctx, numbers[i], repo, patch); err != nil {
			log.Warn("failed to record sub-issue state", "sub_issue", numbers[i], "error", err)
		}
	}
	if err := o.store.LinkSubIssues(ctx, parent, repo, created); err != nil {
		log.Warn("failed to link sub-issues", "error", err)
	}

	if err := o.labels.TransitionTo(ctx, repo, parent, tracker.LabelEpic); err != nil {
		log.Error("epic transition failed", "error", err)
	}
	body := fmt.Sprintf("Created %d sub-issues: %s", len(created), joinIssueRefs(intSlice(created)))
	if err := o.comment(ctx, repo, parent, body, nil); err != nil {
		log.Warn("plan summary comment failed", "error", err)
	}
	log.Info("plan expanded into sub-issues", "count", len(created))
	return nil
}

// deliverPendingNudges surfaces nudges that arrived while an agent was
// running as a comment on the issue, then retires them.
func (o *Orchestrator) deliverPendingNudges(ctx context.Context, repo string, number int) {
	issueID := strconv.Itoa(number)
	bodies, ids := o.pendingNudgesFor(ctx, issueID)
	if len(ids) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "While the agent was running, %d nudge(s) arrived:\n", len(ids))
	for _, body := range bodies {
		fmt.Fprintf(&b, "- %s\n", truncate(body, 200))
	}
	if err := o.comment(ctx, repo, number, b.String(), map[string]any{"type": "nudge"}); err != nil {
		o.logger.Warn("nudge delivery comment failed", "issue", number, "error", err)
	}
	for _, id := range ids {
		if err := o.store.MarkNudgeProcessed(ctx, id); err != nil {
			o.logger.Warn("failed to mark nudge processed", "nudge_id", id, "error", err)
		}
	}
}

// issueHasLabel matches against normalized labels, so legacy ai-*
// spellings count too.
func issueHasLabel(issue *tracker.Issue, label string) bool {
	for _, l := range issue.Labels {
		if tracker.NormalizeLabel(l) == label {
			return true
		}
	}
	return false
}

func joinIssueRefs(numbers []int) string {
	refs := make([]string, len(numbers))
	for i, n := range numbers {
		refs[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(refs, ", ")
}

func intSlice(in []int64) []int {
	out := make([]int, len(in))
	for i, n := range in {
		out[i] = int(n)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
