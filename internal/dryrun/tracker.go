package dryrun

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agent-grid/agent-grid/internal/tracker"
)

// fakeIssueBase seeds the synthetic numbers handed out for sub-issues
// created during a dry run, far above anything a real repo will reach.
const fakeIssueBase = 90000

// Tracker wraps a real tracker client. Reads pass through; writes are
// recorded and succeed without touching the tracker.
type Tracker struct {
	inner tracker.Client
	rec   *Recorder

	mu       sync.Mutex
	nextFake int
}

// WrapTracker intercepts all writes on client. When the client also
// serves pull requests, the returned tracker does too, so the PR sweeps
// keep running on real read-only data.
func WrapTracker(client tracker.Client, rec *Recorder) tracker.Client {
	t := &Tracker{inner: client, rec: rec, nextFake: fakeIssueBase}
	if src, ok := client.(tracker.PRSource); ok {
		return &trackerWithPRs{Tracker: t, src: src}
	}
	return t
}

func (t *Tracker) GetIssue(ctx context.Context, repo string, number int) (*tracker.Issue, error) {
	return t.inner.GetIssue(ctx, repo, number)
}

func (t *Tracker) ListIssues(ctx context.Context, repo string, opts tracker.ListOptions) ([]*tracker.Issue, error) {
	return t.inner.ListIssues(ctx, repo, opts)
}

func (t *Tracker) ListSubIssues(ctx context.Context, repo string, parent int) ([]*tracker.Issue, error) {
	return t.inner.ListSubIssues(ctx, repo, parent)
}

// CreateSubIssue hands back a synthetic issue so the planning pipeline
// keeps moving without creating anything.
func (t *Tracker) CreateSubIssue(ctx context.Context, repo string, parent int, title, body string, labels []string) (*tracker.Issue, error) {
	t.mu.Lock()
	t.nextFake++
	number := t.nextFake
	t.mu.Unlock()

	t.rec.Record("create_sub_issue", map[string]any{
		"repo":        repo,
		"parent":      parent,
		"title":       title,
		"body":        clip(body, 500),
		"labels":      labels,
		"fake_number": number,
	})

	now := time.Now().UTC()
	return &tracker.Issue{
		ID:        strconv.Itoa(number),
		Number:    number,
		Title:     title,
		Body:      body,
		Status:    tracker.StatusOpen,
		Labels:    labels,
		RepoURL:   "https://github.com/" + repo,
		HTMLURL:   fmt.Sprintf("https://github.com/%s/issues/%d", repo, number),
		ParentID:  strconv.Itoa(parent),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (t *Tracker) AddComment(ctx context.Context, repo string, number int, body string) error {
	t.rec.Record("add_comment", map[string]any{
		"repo":  repo,
		"issue": number,
		"body":  clip(body, 500),
	})
	return nil
}

func (t *Tracker) SetIssueStatus(ctx context.Context, repo string, number int, status tracker.IssueStatus) error {
	t.rec.Record("set_issue_status", map[string]any{
		"repo":   repo,
		"issue":  number,
		"status": string(status),
	})
	return nil
}

func (t *Tracker) AddLabel(ctx context.Context, repo string, number int, label string) error {
	t.rec.Record("add_label", map[string]any{
		"repo":  repo,
		"issue": number,
		"label": label,
	})
	return nil
}

func (t *Tracker) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	t.rec.Record("remove_label", map[string]any{
		"repo":  repo,
		"issue": number,
		"label": label,
	})
	return nil
}

func (t *Tracker) CreateLabel(ctx context.Context, repo, name, color string) error {
	t.rec.Record("create_label", map[string]any{
		"repo":  repo,
		"label": name,
		"color": color,
	})
	return nil
}

func (t *Tracker) Close() error {
	return t.inner.Close()
}

// trackerWithPRs forwards the read-only pull-request surface of the
// wrapped client.
type trackerWithPRs struct {
	*Tracker
	src tracker.PRSource
}

func (t *trackerWithPRs) ListOpenPullRequests(ctx context.Context, repo string) ([]*tracker.PullRequest, error) {
	return t.src.ListOpenPullRequests(ctx, repo)
}

func (t *trackerWithPRs) ListClosedPullRequests(ctx context.Context, repo string) ([]*tracker.PullRequest, error) {
	return t.src.ListClosedPullRequests(ctx, repo)
}

func (t *trackerWithPRs) ListReviews(ctx context.Context, repo string, number int) ([]*tracker.Review, error) {
	return t.src.ListReviews(ctx, repo, number)
}

func (t *trackerWithPRs) ListReviewComments(ctx context.Context, repo string, number int) ([]*tracker.ReviewComment, error) {
	return t.src.ListReviewComments(ctx, repo, number)
}

func (t *trackerWithPRs) ListIssueCommentsSince(ctx context.Context, repo string, number int, since time.Time) ([]*tracker.Comment, error) {
	return t.src.ListIssueCommentsSince(ctx, repo, number, since)
}
