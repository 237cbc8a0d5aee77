package dryrun

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// innerTracker counts writes so tests can prove nothing leaks through.
type innerTracker struct {
	mu     sync.Mutex
	writes int
	issue  *tracker.Issue
	closed bool
}

func (c *innerTracker) write() {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
}

func (c *innerTracker) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *innerTracker) GetIssue(context.Context, string, int) (*tracker.Issue, error) {
	return c.issue, nil
}

func (c *innerTracker) ListIssues(context.Context, string, tracker.ListOptions) ([]*tracker.Issue, error) {
	return []*tracker.Issue{c.issue}, nil
}

func (c *innerTracker) ListSubIssues(context.Context, string, int) ([]*tracker.Issue, error) {
	return nil, nil
}

func (c *innerTracker) CreateSubIssue(context.Context, string, int, string, string, []string) (*tracker.Issue, error) {
	c.write()
	return nil, errors.New("write reached the real tracker")
}

func (c *innerTracker) AddComment(context.Context, string, int, string) error {
	c.write()
	return errors.New("write reached the real tracker")
}

func (c *innerTracker) SetIssueStatus(context.Context, string, int, tracker.IssueStatus) error {
	c.write()
	return errors.New("write reached the real tracker")
}

func (c *innerTracker) AddLabel(context.Context, string, int, string) error {
	c.write()
	return errors.New("write reached the real tracker")
}

func (c *innerTracker) RemoveLabel(context.Context, string, int, string) error {
	c.write()
	return errors.New("write reached the real tracker")
}

func (c *innerTracker) CreateLabel(context.Context, string, string, string) error {
	c.write()
	return errors.New("write reached the real tracker")
}

func (c *innerTracker) Close() error {
	c.closed = true
	return nil
}

// innerTrackerWithPRs adds the pull-request surface.
type innerTrackerWithPRs struct {
	innerTracker
}

func (c *innerTrackerWithPRs) ListOpenPullRequests(context.Context, string) ([]*tracker.PullRequest, error) {
	return []*tracker.PullRequest{{Number: 41, Branch: "agent/7"}}, nil
}

func (c *innerTrackerWithPRs) ListClosedPullRequests(context.Context, string) ([]*tracker.PullRequest, error) {
	return nil, nil
}

func (c *innerTrackerWithPRs) ListReviews(context.Context, string, int) ([]*tracker.Review, error) {
	return nil, nil
}

func (c *innerTrackerWithPRs) ListReviewComments(context.Context, string, int) ([]*tracker.ReviewComment, error) {
	return nil, nil
}

func (c *innerTrackerWithPRs) ListIssueCommentsSince(context.Context, string, int, time.Time) ([]*tracker.Comment, error) {
	return nil, nil
}

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dry_run.jsonl")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() { rec.Close() })
	return rec, path
}

func readIntents(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read intents: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("bad intent line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestRecorderWritesIntentLines(t *testing.T) {
	rec, path := newTestRecorder(t)
	rec.Record("add_comment", map[string]any{"repo": "acme/widgets", "issue": 7})
	rec.Record("add_label", map[string]any{"label": "ag/in-progress"})

	intents := readIntents(t, path)
	if len(intents) != 2 {
		t.Fatalf("recorded %d intents, want 2", len(intents))
	}
	if intents[0]["action"] != "add_comment" || intents[0]["repo"] != "acme/widgets" {
		t.Errorf("first intent = %v", intents[0])
	}
	if intents[0]["issue"] != float64(7) {
		t.Errorf("issue = %v", intents[0]["issue"])
	}
	ts, ok := intents[0]["timestamp"].(string)
	if !ok {
		t.Fatalf("timestamp missing: %v", intents[0])
	}
	if _, err := time.Parse(time.RFC3339Nano, ts); err != nil {
		t.Errorf("timestamp %q: %v", ts, err)
	}
	if intents[1]["action"] != "add_label" {
		t.Errorf("second intent = %v", intents[1])
	}
}

func TestRecorderTruncatesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dry_run.jsonl")
	if err := os.WriteFile(path, []byte(`{"action":"stale"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	defer rec.Close()
	rec.Record("launch_agent", nil)

	intents := readIntents(t, path)
	if len(intents) != 1 || intents[0]["action"] != "launch_agent" {
		t.Errorf("intents = %v, want only the new run", intents)
	}
}

func TestTrackerReadsPassThrough(t *testing.T) {
	inner := &innerTracker{issue: &tracker.Issue{Number: 7, Title: "Fix typo in README"}}
	rec, path := newTestRecorder(t)
	wrapped := WrapTracker(inner, rec)
	ctx := context.Background()

	issue, err := wrapped.GetIssue(ctx, "acme/widgets", 7)
	if err != nil || issue.Number != 7 {
		t.Fatalf("GetIssue = %v, %v", issue, err)
	}
	issues, err := wrapped.ListIssues(ctx, "acme/widgets", tracker.ListOptions{})
	if err != nil || len(issues) != 1 {
		t.Fatalf("ListIssues = %v, %v", issues, err)
	}

	if err := wrapped.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Error("Close did not reach the real tracker")
	}
	if got := readIntents(t, path); len(got) != 0 {
		t.Errorf("reads recorded %d intents", len(got))
	}
}

func TestTrackerInterceptsWrites(t *testing.T) {
	inner := &innerTracker{}
	rec, path := newTestRecorder(t)
	wrapped := WrapTracker(inner, rec)
	ctx := context.Background()

	longBody := strings.Repeat("x", 600)
	calls := []error{
		wrapped.AddComment(ctx, "acme/widgets", 7, longBody),
		wrapped.AddLabel(ctx, "acme/widgets", 7, "ag/in-progress"),
		wrapped.RemoveLabel(ctx, "acme/widgets", 7, "ag/todo"),
		wrapped.SetIssueStatus(ctx, "acme/widgets", 7, tracker.StatusClosed),
		wrapped.CreateLabel(ctx, "acme/widgets", "ag/todo", "0e8a16"),
	}
	for i, err := range calls {
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if n := inner.writeCount(); n != 0 {
		t.Fatalf("real tracker saw %d writes", n)
	}

	intents := readIntents(t, path)
	wantActions := []string{"add_comment", "add_label", "remove_label", "set_issue_status", "create_label"}
	if len(intents) != len(wantActions) {
		t.Fatalf("recorded %d intents, want %d", len(intents), len(wantActions))
	}
	for i, want := range wantActions {
		if intents[i]["action"] != want {
			t.Errorf("intent %d action = %v, want %s", i, intents[i]["action"], want)
		}
	}
	if body := intents[0]["body"].(string); len(body) != 500 {
		t.Errorf("comment body recorded at %d chars, want clipped to 500", len(body))
	}
	if intents[3]["status"] != "closed" {
		t.Errorf("status intent = %v", intents[3])
	}
}

func TestTrackerSyntheticSubIssues(t *testing.T) {
	inner := &innerTracker{}
	rec, path := newTestRecorder(t)
	wrapped := WrapTracker(inner, rec)
	ctx := context.Background()

	labels := []string{"ag/sub-issue", "ag/todo"}
	first, err := wrapped.CreateSubIssue(ctx, "acme/widgets", 50, "Part 1", "do the first part", labels)
	if err != nil {
		t.Fatalf("CreateSubIssue: %v", err)
	}
	second, err := wrapped.CreateSubIssue(ctx, "acme/widgets", 50, "Part 2", "do the second part", labels)
	if err != nil {
		t.Fatalf("CreateSubIssue: %v", err)
	}

	if first.Number != fakeIssueBase+1 || second.Number != fakeIssueBase+2 {
		t.Errorf("numbers = %d, %d, want %d, %d", first.Number, second.Number, fakeIssueBase+1, fakeIssueBase+2)
	}
	if first.ParentID != "50" || first.Status != tracker.StatusOpen {
		t.Errorf("synthetic issue = %+v", first)
	}
	if !strings.HasSuffix(first.HTMLURL, "/issues/90001") {
		t.Errorf("html url = %s", first.HTMLURL)
	}
	if !first.HasLabel("ag/sub-issue") {
		t.Errorf("labels = %v", first.Labels)
	}
	if n := inner.writeCount(); n != 0 {
		t.Fatalf("real tracker saw %d writes", n)
	}

	intents := readIntents(t, path)
	if len(intents) != 2 || intents[0]["fake_number"] != float64(fakeIssueBase+1) {
		t.Errorf("intents = %v", intents)
	}
}

func TestWrapTrackerPreservesPRSource(t *testing.T) {
	rec, _ := newTestRecorder(t)

	plain := WrapTracker(&innerTracker{}, rec)
	if _, ok := plain.(tracker.PRSource); ok {
		t.Error("plain client gained a PR surface")
	}

	withPRs := WrapTracker(&innerTrackerWithPRs{}, rec)
	src, ok := withPRs.(tracker.PRSource)
	if !ok {
		t.Fatal("PR surface lost in wrapping")
	}
	prs, err := src.ListOpenPullRequests(context.Background(), "acme/widgets")
	if err != nil || len(prs) != 1 || prs[0].Number != 41 {
		t.Errorf("ListOpenPullRequests = %v, %v", prs, err)
	}
}

// fakePublisher captures published events.
type fakePublisher struct {
	mu     sync.Mutex
	types  []bus.EventType
	loads  []map[string]any
}

func (p *fakePublisher) Publish(eventType bus.EventType, payload map[string]any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
	p.loads = append(p.loads, payload)
	return true
}

func TestBackendLaunchRecordsAndCompletes(t *testing.T) {
	rec, path := newTestRecorder(t)
	pub := &fakePublisher{}
	backend := NewBackend(rec, pub)

	if backend.Name() != "dry-run" {
		t.Errorf("Name = %s", backend.Name())
	}

	spec := grid.LaunchSpec{
		ExecutionID: uuid.New(),
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      strings.Repeat("p", 400),
		Mode:        "implement",
		IssueNumber: 7,
	}
	runID, err := backend.Launch(context.Background(), spec)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if runID != "" {
		t.Errorf("runID = %q, want empty", runID)
	}

	if len(pub.types) != 1 || pub.types[0] != bus.AgentCompleted {
		t.Fatalf("published = %v", pub.types)
	}
	payload := pub.loads[0]
	if payload["execution_id"] != spec.ExecutionID.String() {
		t.Errorf("execution_id = %v", payload["execution_id"])
	}
	if payload["result"] != "completed (dry run)" {
		t.Errorf("result = %v", payload["result"])
	}

	intents := readIntents(t, path)
	if len(intents) != 1 || intents[0]["action"] != "launch_agent" {
		t.Fatalf("intents = %v", intents)
	}
	if preview := intents[0]["prompt_preview"].(string); len(preview) != 300 {
		t.Errorf("prompt preview at %d chars, want clipped to 300", len(preview))
	}
	if intents[0]["issue_number"] != float64(7) {
		t.Errorf("issue_number = %v", intents[0]["issue_number"])
	}
}

func TestBackendPollAndCancel(t *testing.T) {
	rec, path := newTestRecorder(t)
	backend := NewBackend(rec, nil)
	ctx := context.Background()

	if _, err := backend.Poll(ctx, "run-1"); !errors.Is(err, grid.ErrRunNotFound) {
		t.Errorf("Poll error = %v, want ErrRunNotFound", err)
	}
	if err := backend.Cancel(ctx, "run-1"); err != nil {
		t.Errorf("Cancel: %v", err)
	}

	intents := readIntents(t, path)
	if len(intents) != 1 || intents[0]["action"] != "cancel_agent" {
		t.Errorf("intents = %v", intents)
	}
}
