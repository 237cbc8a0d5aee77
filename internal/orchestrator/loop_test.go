package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

func TestRunCycleScansAndLaunches(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 1,
		Title:  "Fix the login redirect",
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelTodo},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number: 2,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelInProgress},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number: 3,
		Status: tracker.StatusOpen,
		Labels: []string{"documentation"},
	})
	fx.classifier.verdicts[1] = &classify.Classification{Category: classify.Simple}

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := fx.classifier.callCount(); got != 1 {
		t.Errorf("classifier calls = %d, want 1 (only the fresh ag/todo issue)", got)
	}
	execs := fx.store.executionList()
	if len(execs) != 1 || execs[0].IssueID != "1" {
		t.Fatalf("executions = %+v, want one for issue 1", execs)
	}
	if labels := fx.tracker.labelsOf(1); !hasString(labels, tracker.LabelInProgress) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelInProgress)
	}
}

func TestRunCycleTimesOutStaleExecutions(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 7,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelInProgress},
	})
	exec := store.NewExecution("7", "https://github.com/acme/widgets.git", "p", store.ModeImplement)
	exec.Status = store.StatusRunning
	exec.ExternalRunID = "run-stale"
	started := fx.now.Add(-2 * time.Hour)
	exec.StartedAt = &started
	fx.store.seedExecution(exec)

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Status != store.StatusFailed || got.Result != "Timed out" {
		t.Errorf("execution = (%s, %q), want (failed, Timed out)", got.Status, got.Result)
	}
	if cancelled := fx.backend.cancelled; len(cancelled) != 1 || cancelled[0] != "run-stale" {
		t.Errorf("cancelled = %v, want [run-stale]", cancelled)
	}
	if labels := fx.tracker.labelsOf(7); !hasString(labels, tracker.LabelFailed) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelFailed)
	}
	comments := fx.tracker.commentBodies(7)
	if len(comments) != 1 || !strings.Contains(comments[0], "Agent run timed out after 1h0m0s") {
		t.Errorf("comments = %v, want timeout notice", comments)
	}
}

func TestRunCycleLeavesFreshExecutionsAlone(t *testing.T) {
	fx := newFixture(t)
	exec := store.NewExecution("7", "https://github.com/acme/widgets.git", "p", store.ModeImplement)
	exec.Status = store.StatusRunning
	started := fx.now.Add(-10 * time.Minute)
	exec.StartedAt = &started
	fx.store.seedExecution(exec)

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	got, _ := fx.store.GetExecution(context.Background(), exec.ID)
	if got.Status != store.StatusRunning {
		t.Errorf("status = %q, a fresh run must survive the sweep", got.Status)
	}
}

func TestRunCycleSweepsPRReviews(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 7,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelReviewPending},
	})
	fx.tracker.openPRs = []*tracker.PullRequest{
		{Number: 41, Branch: "agent/7", Body: "Closes #7"},
		{Number: 42, Branch: "feature/unrelated", Body: "Closes #99"},
	}
	fx.tracker.reviews[41] = []*tracker.Review{
		{State: "CHANGES_REQUESTED", Body: "Tighten the validation.", Author: "maria", SubmittedAt: fx.now.Add(-10 * time.Minute)},
		{State: "APPROVED", Body: "ship it", Author: "sam", SubmittedAt: fx.now.Add(-9 * time.Minute)},
	}
	fx.tracker.reviewCmts[41] = []*tracker.ReviewComment{
		{Path: "internal/auth/login.go", Body: "nil check is missing here", Author: "maria", CreatedAt: fx.now.Add(-8 * time.Minute)},
	}

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	execs := fx.store.executionList()
	if len(execs) != 1 || execs[0].Mode != store.ModeAddressReview {
		t.Fatalf("want one address_review execution, got %+v", execs)
	}
	prompt := execs[0].Prompt
	if !strings.Contains(prompt, "Tighten the validation.") {
		t.Errorf("prompt missing review body:\n%s", prompt)
	}
	if !strings.Contains(prompt, "File: internal/auth/login.go\nnil check is missing here") {
		t.Errorf("prompt missing inline comment:\n%s", prompt)
	}
	if strings.Contains(prompt, "ship it") {
		t.Errorf("approval body leaked into feedback:\n%s", prompt)
	}

	// The cursor advanced to the sweep start, so a second pass sees
	// nothing new.
	fx.store.UpdateExecutionStatus(context.Background(), execs[0].ID, store.StatusCompleted, "done")
	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle (second): %v", err)
	}
	if execs := fx.store.executionList(); len(execs) != 1 {
		t.Errorf("executions = %d after second cycle, cursor did not hold", len(execs))
	}
}

func TestRunCycleSweepsClosedPRUnmerged(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 7,
		Title:  "Add caching",
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelReviewPending},
	})
	fx.tracker.closedPRs = []*tracker.PullRequest{
		{Number: 41, Title: "Add caching", Branch: "agent/7", Merged: false, ClosedAt: fx.now.Add(-time.Minute)},
	}

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	execs := fx.store.executionList()
	if len(execs) != 1 || execs[0].Mode != store.ModeRetryWithFeedback {
		t.Fatalf("want one retry execution, got %+v", execs)
	}
	state, _ := fx.store.GetIssueState(context.Background(), 7, "acme/widgets")
	if state.RetryCount != 1 || metaInt(state.Metadata, "last_retried_pr") != 41 {
		t.Errorf("state = retry %d, last_retried_pr %v; want 1 and 41",
			state.RetryCount, state.Metadata["last_retried_pr"])
	}

	// Replaying the same closed PR next sweep is a no-op: the cursor
	// filters it, and last_retried_pr backstops a stale cursor.
	fx.store.UpdateExecutionStatus(context.Background(), execs[0].ID, store.StatusCompleted, "done")
	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle (second): %v", err)
	}
	if execs := fx.store.executionList(); len(execs) != 1 {
		t.Errorf("executions = %d after second cycle, closed PR retried twice", len(execs))
	}
}

func TestRunCycleSweepsClosedPRMerged(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 7,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelReviewPending},
	})
	fx.tracker.closedPRs = []*tracker.PullRequest{
		{Number: 41, Branch: "agent/7", Merged: true, ClosedAt: fx.now.Add(-time.Minute)},
	}

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if labels := fx.tracker.labelsOf(7); !hasString(labels, tracker.LabelDone) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelDone)
	}
	issue, _ := fx.tracker.GetIssue(context.Background(), "acme/widgets", 7)
	if issue.Status != tracker.StatusClosed {
		t.Errorf("issue status = %q, want closed", issue.Status)
	}
}

func TestRunCycleUnblocksAnsweredIssue(t *testing.T) {
	fx := newFixture(t)
	blockedBody, err := tracker.EmbedMetadata(
		"An agent needs clarification before it can start:\n\nWhich bucket?",
		map[string]any{"type": tracker.MetaTypeBlocked},
	)
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}
	fx.tracker.addIssue(&tracker.Issue{
		Number: 9,
		Title:  "Move uploads to object storage",
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelBlocked},
		Comments: []tracker.Comment{
			{Body: blockedBody, Author: "agent-grid", AuthorType: "Bot", CreatedAt: fx.now.Add(-time.Hour)},
			{Body: "Use the staging bucket.", Author: "alice", AuthorType: "User", CreatedAt: fx.now.Add(-time.Minute)},
		},
	})
	fx.store.SetClassification(context.Background(), 9, "acme/widgets", string(classify.Blocked))

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	execs := fx.store.executionList()
	if len(execs) != 1 || execs[0].Mode != store.ModeImplement {
		t.Fatalf("want one implement execution, got %+v", execs)
	}
	if !strings.Contains(execs[0].Prompt, "## Clarification") ||
		!strings.Contains(execs[0].Prompt, "Use the staging bucket.") {
		t.Errorf("prompt missing clarification:\n%s", execs[0].Prompt)
	}
	state, _ := fx.store.GetIssueState(context.Background(), 9, "acme/widgets")
	if state.Classification != "" {
		t.Errorf("classification = %q, want cleared for reclassification", state.Classification)
	}
	if labels := fx.tracker.labelsOf(9); !hasString(labels, tracker.LabelInProgress) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelInProgress)
	}
}

func TestRunCycleLeavesUnansweredBlockedIssue(t *testing.T) {
	fx := newFixture(t)
	blockedBody, err := tracker.EmbedMetadata("Which bucket?", map[string]any{"type": tracker.MetaTypeBlocked})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}
	fx.tracker.addIssue(&tracker.Issue{
		Number: 9,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelBlocked},
		Comments: []tracker.Comment{
			{Body: blockedBody, Author: "agent-grid", AuthorType: "Bot"},
		},
	})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if execs := fx.store.executionList(); len(execs) != 0 {
		t.Errorf("executions = %d, blocked issue must keep waiting", len(execs))
	}
}

func TestRunCycleReleasesWaitingIssue(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 12,
		Title:  "Wire the new API",
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelWaiting},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number: 3,
		Status: tracker.StatusClosed,
		Labels: []string{tracker.LabelDone},
	})
	fx.store.MergeMetadata(context.Background(), 12, "acme/widgets", map[string]any{"waiting_on": []int{3}})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if labels := fx.tracker.labelsOf(12); !hasString(labels, tracker.LabelTodo) {
		t.Fatalf("labels = %v, want %s", labels, tracker.LabelTodo)
	}
	state, _ := fx.store.GetIssueState(context.Background(), 12, "acme/widgets")
	if _, ok := state.Metadata["waiting_on"]; ok {
		t.Errorf("metadata = %v, waiting_on should be cleared", state.Metadata)
	}

	// The release lands after this cycle's scan; the next one picks the
	// issue up as a fresh candidate.
	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle (second): %v", err)
	}
	execs := fx.store.executionList()
	if len(execs) != 1 || execs[0].IssueID != "12" {
		t.Fatalf("executions = %+v, want one for issue 12", execs)
	}
}

func TestRunCycleKeepsWaitingIssueWithOpenBlockers(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 12,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelWaiting},
	})
	fx.tracker.addIssue(&tracker.Issue{Number: 3, Status: tracker.StatusOpen})
	fx.store.MergeMetadata(context.Background(), 12, "acme/widgets", map[string]any{"waiting_on": []int{3}})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if labels := fx.tracker.labelsOf(12); !hasString(labels, tracker.LabelWaiting) {
		t.Errorf("labels = %v, want still %s", labels, tracker.LabelWaiting)
	}
}

func TestRunCycleSettlesCompletedEpic(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 50,
		Title:  "Rework billing",
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelEpic},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number:   101,
		Status:   tracker.StatusClosed,
		Labels:   []string{tracker.LabelSubIssue, tracker.LabelDone},
		ParentID: "50",
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number:   102,
		Status:   tracker.StatusClosed,
		Labels:   []string{tracker.LabelSubIssue, tracker.LabelDone},
		ParentID: "50",
	})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if labels := fx.tracker.labelsOf(50); !hasString(labels, tracker.LabelDone) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelDone)
	}
	issue, _ := fx.tracker.GetIssue(context.Background(), "acme/widgets", 50)
	if issue.Status != tracker.StatusClosed {
		t.Errorf("epic status = %q, want closed", issue.Status)
	}
	comments := fx.tracker.commentBodies(50)
	if len(comments) != 1 || !strings.Contains(comments[0], "All sub-tasks completed!") {
		t.Errorf("comments = %v, want completion notice", comments)
	}
}

func TestRunCycleFailsEpicWithFailedSub(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 50,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelEpic},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number:   101,
		Status:   tracker.StatusOpen,
		Labels:   []string{tracker.LabelSubIssue, tracker.LabelFailed},
		ParentID: "50",
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number:   102,
		Status:   tracker.StatusClosed,
		Labels:   []string{tracker.LabelSubIssue, tracker.LabelDone},
		ParentID: "50",
	})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if labels := fx.tracker.labelsOf(50); !hasString(labels, tracker.LabelFailed) {
		t.Errorf("labels = %v, want %s", labels, tracker.LabelFailed)
	}
	comments := fx.tracker.commentBodies(50)
	if len(comments) != 1 || !strings.Contains(comments[0], "Some sub-tasks failed (#101)") {
		t.Errorf("comments = %v, want failure notice", comments)
	}
	issue, _ := fx.tracker.GetIssue(context.Background(), "acme/widgets", 50)
	if issue.Status != tracker.StatusOpen {
		t.Errorf("epic status = %q, a failed epic stays open for humans", issue.Status)
	}
}

func TestRunCycleWaitsForPendingSubIssues(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 50,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelEpic},
	})
	fx.tracker.addIssue(&tracker.Issue{
		Number:   101,
		Status:   tracker.StatusOpen,
		Labels:   []string{tracker.LabelSubIssue, tracker.LabelInProgress},
		ParentID: "50",
	})

	if err := fx.orch.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if labels := fx.tracker.labelsOf(50); !hasString(labels, tracker.LabelEpic) || hasString(labels, tracker.LabelDone) {
		t.Errorf("labels = %v, epic must stay put while subs run", labels)
	}
	if comments := fx.tracker.commentBodies(50); len(comments) != 0 {
		t.Errorf("comments = %v, want none", comments)
	}
}

func TestRunCyclePhaseFailureDoesNotAbortLaterPhases(t *testing.T) {
	fx := newFixture(t)
	fx.classifier.err = errors.New("api down")
	fx.tracker.addIssue(&tracker.Issue{
		Number: 1,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelTodo},
	})
	stale := store.NewExecution("7", "https://github.com/acme/widgets.git", "p", store.ModeImplement)
	stale.Status = store.StatusRunning
	started := fx.now.Add(-3 * time.Hour)
	stale.StartedAt = &started
	fx.store.seedExecution(stale)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 7,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelInProgress},
	})

	err := fx.orch.RunCycle(context.Background())
	if err == nil {
		t.Fatal("want cycle error from the classify phase")
	}
	if !strings.Contains(err.Error(), "classify") {
		t.Errorf("error = %v, want classify phase named", err)
	}

	// The timeout sweep still ran.
	got, _ := fx.store.GetExecution(context.Background(), stale.ID)
	if got.Status != store.StatusFailed {
		t.Errorf("stale execution = %q, later phases must still run", got.Status)
	}
}

func TestCronCursorRoundTrip(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if got := fx.orch.cronCursor(ctx, cursorPRCheck); !got.IsZero() {
		t.Errorf("fresh cursor = %v, want zero", got)
	}

	want := time.Date(2025, 6, 10, 11, 30, 0, 0, time.UTC)
	if err := fx.orch.setCronCursor(ctx, cursorPRCheck, want); err != nil {
		t.Fatalf("setCronCursor: %v", err)
	}
	if got := fx.orch.cronCursor(ctx, cursorPRCheck); !got.Equal(want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}

	fx.store.SetCronState(ctx, cursorClosedPRCheck, map[string]any{"timestamp": "not-a-time"})
	if got := fx.orch.cronCursor(ctx, cursorClosedPRCheck); !got.IsZero() {
		t.Errorf("corrupt cursor = %v, want zero fallback", got)
	}
}

func TestLoopRunsImmediatelyAndStops(t *testing.T) {
	fx := newFixture(t)
	fx.tracker.addIssue(&tracker.Issue{
		Number: 1,
		Status: tracker.StatusOpen,
		Labels: []string{tracker.LabelTodo},
	})

	loop := NewLoop(fx.orch, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fx.store.executionList()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	loop.Stop()

	if execs := fx.store.executionList(); len(execs) != 1 {
		t.Errorf("executions = %d, want 1 from the immediate cycle", len(execs))
	}
}
