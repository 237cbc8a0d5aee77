// Package tracker defines the issue-tracker abstraction the coordinator
// works against. Concrete adapters live in the github and filesystem
// subpackages; the orchestrator only sees the Client interface (and,
// when the adapter supports pull requests, the PRSource interface).
package tracker

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IssueStatus is the lifecycle state of an issue.
type IssueStatus string

const (
	StatusOpen       IssueStatus = "open"
	StatusInProgress IssueStatus = "in_progress"
	StatusClosed     IssueStatus = "closed"
)

// Comment is a single comment on an issue.
type Comment struct {
	ID         string
	Body       string
	Author     string
	AuthorType string // "User", "Bot", etc. per the tracker
	CreatedAt  time.Time
}

// IsBot reports whether the comment was written by an automated account.
func (c Comment) IsBot() bool {
	return c.AuthorType == "Bot" || strings.HasSuffix(c.Author, "[bot]")
}

// Issue is a tracker issue. Comments are populated by GetIssue only;
// list operations return brief issues without them.
type Issue struct {
	ID        string
	Number    int
	Title     string
	Body      string
	Status    IssueStatus
	Labels    []string
	RepoURL   string
	HTMLURL   string
	ParentID  string
	Comments  []Comment
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the issue carries the given label
// (case-insensitive, matching GitHub's behavior).
func (i *Issue) HasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// ListOptions filters list_issues calls. Zero value lists everything.
type ListOptions struct {
	Status IssueStatus // empty = any state
	Labels []string    // issue must carry all of these
}

// Client is the abstract issue-tracker capability set.
type Client interface {
	// GetIssue fetches a single issue including its comments.
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)

	// ListIssues returns brief issues (no comments) matching opts.
	ListIssues(ctx context.Context, repo string, opts ListOptions) ([]*Issue, error)

	// ListSubIssues returns issues created as children of parent.
	ListSubIssues(ctx context.Context, repo string, parent int) ([]*Issue, error)

	// CreateSubIssue creates a child issue linked to parent.
	CreateSubIssue(ctx context.Context, repo string, parent int, title, body string, labels []string) (*Issue, error)

	// AddComment posts a comment on an issue.
	AddComment(ctx context.Context, repo string, number int, body string) error

	// SetIssueStatus opens or closes an issue.
	SetIssueStatus(ctx context.Context, repo string, number int, status IssueStatus) error

	// AddLabel adds a label without touching others. Idempotent.
	AddLabel(ctx context.Context, repo string, number int, label string) error

	// RemoveLabel removes a label. Removing an absent label is not an error.
	RemoveLabel(ctx context.Context, repo string, number int, label string) error

	// CreateLabel defines a label in the repository. Creating an existing
	// label is not an error.
	CreateLabel(ctx context.Context, repo, name, color string) error

	// Close releases any underlying connections.
	Close() error
}

// PullRequest is a brief view of a pull request, enough for the
// review and closed-PR sweeps.
type PullRequest struct {
	Number    int
	Title     string
	Body      string
	Branch    string // head ref
	HTMLURL   string
	Merged    bool
	UpdatedAt time.Time
	ClosedAt  time.Time
}

// Review is a submitted pull-request review.
type Review struct {
	State       string // APPROVED, CHANGES_REQUESTED, COMMENTED
	Body        string
	Author      string
	SubmittedAt time.Time
}

const (
	ReviewChangesRequested = "CHANGES_REQUESTED"
	ReviewCommented        = "COMMENTED"
	ReviewApproved         = "APPROVED"
)

// ReviewComment is an inline review comment on a pull-request diff.
type ReviewComment struct {
	Path      string
	Body      string
	Author    string
	CreatedAt time.Time
}

// PRSource lists pull requests and their review activity. The GitHub
// adapter implements it; trackers without pull requests leave it nil
// and the orchestrator skips the PR sweeps.
type PRSource interface {
	ListOpenPullRequests(ctx context.Context, repo string) ([]*PullRequest, error)

	// ListClosedPullRequests returns recently closed PRs, most recently
	// updated first.
	ListClosedPullRequests(ctx context.Context, repo string) ([]*PullRequest, error)

	ListReviews(ctx context.Context, repo string, number int) ([]*Review, error)

	ListReviewComments(ctx context.Context, repo string, number int) ([]*ReviewComment, error)

	// ListIssueCommentsSince returns conversation comments on an issue or
	// pull request created at or after since.
	ListIssueCommentsSince(ctx context.Context, repo string, number int, since time.Time) ([]*Comment, error)
}

const agentBranchPrefix = "agent/"

var (
	branchIssueRe = regexp.MustCompile(`^agent/(\d+)(?:-.*)?$`)
	prBodyIssueRe = regexp.MustCompile(`(?i)(?:closes|fixes|resolves)\s+#(\d+)`)
)

// IsAgentBranch reports whether a branch was pushed by an agent run.
func IsAgentBranch(branch string) bool {
	return strings.HasPrefix(branch, agentBranchPrefix)
}

// IssueNumberFromBranch extracts the issue number from an agent branch
// name such as "agent/42" or "agent/42-retry".
func IssueNumberFromBranch(branch string) (int, bool) {
	m := branchIssueRe.FindStringSubmatch(branch)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IssueNumberFromPRBody extracts the linked issue number from a PR body
// containing "Closes #N", "Fixes #N" or "Resolves #N".
func IssueNumberFromPRBody(body string) (int, bool) {
	m := prBodyIssueRe.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IssueNumberFromPR correlates a pull request to its issue, preferring
// the branch name and falling back to the body reference.
func IssueNumberFromPR(pr *PullRequest) (int, bool) {
	if n, ok := IssueNumberFromBranch(pr.Branch); ok {
		return n, true
	}
	return IssueNumberFromPRBody(pr.Body)
}
