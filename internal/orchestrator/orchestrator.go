// Package orchestrator is the coordinator's brain: the event-driven
// scheduler, the periodic control loop, and the launch subroutine both
// share. The scheduler reacts to bus events published by the webhook
// edge and the compute backends; the loop covers everything webhooks
// can miss. Both call into launch, which owns the budget gate and the
// at-most-one-active-execution claim.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/config"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// Store is the persistence surface the orchestrator consumes.
// *store.Store implements it; tests substitute an in-memory fake.
type Store interface {
	ClaimExecution(ctx context.Context, e *store.Execution) (bool, error)
	UpdateExecutionStatus(ctx context.Context, id uuid.UUID, status store.ExecutionStatus, result string) error
	SetExternalRunID(ctx context.Context, id uuid.UUID, runID string) error
	SetPRInfo(ctx context.Context, id uuid.UUID, prNumber int, branch string) error
	SaveCheckpoint(ctx context.Context, id uuid.UUID, checkpoint map[string]any) error
	LatestCheckpoint(ctx context.Context, issueID string) (map[string]any, error)
	GetExecution(ctx context.Context, id uuid.UUID) (*store.Execution, error)
	ActiveExecutionForIssue(ctx context.Context, issueID string) (*store.Execution, error)
	LatestExecutionForIssue(ctx context.Context, issueID string) (*store.Execution, error)
	CountActiveExecutions(ctx context.Context) (int, error)
	TimeoutStaleExecutions(ctx context.Context, cutoff time.Time) ([]*store.Execution, error)

	UpsertIssueState(ctx context.Context, issueNumber int, repo string, patch store.IssueStatePatch) error
	GetIssueState(ctx context.Context, issueNumber int, repo string) (*store.IssueState, error)
	SetClassification(ctx context.Context, issueNumber int, repo, classification string) error
	IncrementRetryCount(ctx context.Context, issueNumber int, repo string) (int, error)
	ResetRetryCount(ctx context.Context, issueNumber int, repo string) error
	MergeMetadata(ctx context.Context, issueNumber int, repo string, patch map[string]any) error
	DeleteMetadataKeys(ctx context.Context, issueNumber int, repo string, keys ...string) error
	LinkSubIssues(ctx context.Context, parentIssue int, repo string, subIssues []int64) error

	EnqueueNudge(ctx context.Context, n *store.NudgeRequest) error
	PendingNudges(ctx context.Context, limit int) ([]*store.NudgeRequest, error)
	MarkNudgeProcessed(ctx context.Context, id uuid.UUID) error

	GetCronState(ctx context.Context, key string) (map[string]any, error)
	SetCronState(ctx context.Context, key string, value map[string]any) error

	RecordBudgetUsage(ctx context.Context, executionID uuid.UUID, tokensUsed int, durationSeconds float64) error
}

// Classifier turns an issue into a verdict. *classify.Classifier
// implements it.
type Classifier interface {
	Classify(ctx context.Context, issue *tracker.Issue) (*classify.Classification, error)
}

// Publisher pushes events onto the bus. *bus.Bus implements it.
type Publisher interface {
	Publish(eventType bus.EventType, payload map[string]any) bool
}

// Deps is the explicit dependency graph built once at startup. PRs and
// Watcher may be nil: a tracker without pull requests skips the PR
// sweeps, and push-style backends need no poll watcher.
type Deps struct {
	Store      Store
	Tracker    tracker.Client
	Labels     *tracker.LabelManager
	PRs        tracker.PRSource
	Backend    grid.Backend
	Watcher    *grid.Watcher
	Classifier Classifier
	Publisher  Publisher
	Config     *config.Config
	Clock      func() time.Time
}

// Orchestrator owns every reaction to issue and agent events.
type Orchestrator struct {
	store      Store
	tracker    tracker.Client
	labels     *tracker.LabelManager
	prs        tracker.PRSource
	backend    grid.Backend
	watcher    *grid.Watcher
	classifier Classifier
	publisher  Publisher
	cfg        *config.Config
	now        func() time.Time
	logger     *slog.Logger
}

// New wires an orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:      deps.Store,
		tracker:    deps.Tracker,
		labels:     deps.Labels,
		prs:        deps.PRs,
		backend:    deps.Backend,
		watcher:    deps.Watcher,
		classifier: deps.Classifier,
		publisher:  deps.Publisher,
		cfg:        deps.Config,
		now:        now,
		logger:     logging.WithComponent("orchestrator"),
	}
}

// Register subscribes the scheduler's handlers on the bus.
func (o *Orchestrator) Register(b *bus.Bus) {
	b.Subscribe(bus.IssueCreated, o.handleIssueEvent)
	b.Subscribe(bus.IssueUpdated, o.handleIssueEvent)
	b.Subscribe(bus.NudgeRequested, o.handleNudge)
	b.Subscribe(bus.PRReview, o.handlePRReview)
	b.Subscribe(bus.PRClosed, o.handlePRClosed)
	b.Subscribe(bus.CheckRunFailed, o.handleCheckRunFailed)
	b.Subscribe(bus.AgentCompleted, o.handleAgentCompleted)
	b.Subscribe(bus.AgentFailed, o.handleAgentFailed)
}

// hasTerminalLabel reports whether the issue reached a final pipeline
// state. Only a nudge may pull it back in.
func hasTerminalLabel(issue *tracker.Issue) bool {
	for _, l := range issue.Labels {
		switch tracker.NormalizeLabel(l) {
		case tracker.LabelDone, tracker.LabelFailed, tracker.LabelSkipped:
			return true
		}
	}
	return false
}

// repoFromURL recovers "owner/name" from a clone URL such as
// https://github.com/owner/name.git.
func repoFromURL(repoURL string) string {
	_, after, found := strings.Cut(repoURL, "github.com/")
	if !found {
		return ""
	}
	return strings.TrimSuffix(strings.TrimSuffix(after, "/"), ".git")
}

// Payload helpers. Bus payloads come from two producers with different
// shapes: JSON-decoded webhook bodies (numbers arrive as float64) and
// Go-built backend payloads (numbers stay int). Handlers read through
// these so both work.

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func payloadBool(p map[string]any, key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

func payloadStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// payloadIssueNumber reads the issue_id key, which travels as a string
// in webhook-derived payloads.
func payloadIssueNumber(p map[string]any) (int, bool) {
	n := payloadInt(p, "issue_id")
	return n, n > 0
}

// metaInt reads a numeric value out of issue_state metadata, which
// round-trips through JSONB and comes back as float64.
func metaInt(meta map[string]any, key string) int {
	if meta == nil {
		return 0
	}
	return payloadInt(meta, key)
}

// metaString reads a string value out of issue_state metadata.
func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	return payloadString(meta, key)
}

// metaInts reads a list of issue numbers out of issue_state metadata.
func metaInts(meta map[string]any, key string) []int {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []int:
		return v
	case []int64:
		out := make([]int, len(v))
		for i, n := range v {
			out[i] = int(n)
		}
		return out
	case []any:
		var out []int
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			case int64:
				out = append(out, int(n))
			}
		}
		return out
	}
	return nil
}

// comment posts a coordinator comment with an embedded metadata marker
// so later scans never mistake it for a human reply. meta defaults to a
// plain status marker.
func (o *Orchestrator) comment(ctx context.Context, repo string, number int, body string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{"type": "status"}
	}
	withMeta, err := tracker.EmbedMetadata(body, meta)
	if err != nil {
		return err
	}
	if err := o.tracker.AddComment(ctx, repo, number, withMeta); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// executionIssue resolves an execution back to its repo and issue
// number. Executions always carry a numeric issue id and a clone URL.
func executionIssue(e *store.Execution) (repo string, number int, err error) {
	repo = repoFromURL(e.RepoURL)
	if repo == "" {
		return "", 0, fmt.Errorf("execution %s: no repo in %q", e.ID, e.RepoURL)
	}
	number, convErr := strconv.Atoi(e.IssueID)
	if convErr != nil || number <= 0 {
		return "", 0, fmt.Errorf("execution %s: bad issue id %q", e.ID, e.IssueID)
	}
	return repo, number, nil
}
