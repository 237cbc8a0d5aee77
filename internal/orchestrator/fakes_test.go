package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/classify"
	"github.com/agent-grid/agent-grid/internal/config"
	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// fakeStore is an in-memory Store with the same claim and sticky-terminal
// semantics as the Postgres implementation.
type fakeStore struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	order      []uuid.UUID
	states     map[string]*store.IssueState
	nudges     []*store.NudgeRequest
	cron       map[string]map[string]any
	usage      map[uuid.UUID]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		executions: make(map[uuid.UUID]*store.Execution),
		states:     make(map[string]*store.IssueState),
		cron:       make(map[string]map[string]any),
		usage:      make(map[uuid.UUID]int),
	}
}

func stateKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", repo, number)
}

func (f *fakeStore) ClaimExecution(_ context.Context, e *store.Execution) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.executions {
		if existing.IssueID == e.IssueID && !existing.Status.Terminal() {
			return false, nil
		}
	}
	cp := *e
	f.executions[e.ID] = &cp
	f.order = append(f.order, e.ID)
	return true, nil
}

func (f *fakeStore) UpdateExecutionStatus(_ context.Context, id uuid.UUID, status store.ExecutionStatus, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if e.Status.Terminal() && e.Status != status {
		return store.ErrNotFound
	}
	e.Status = status
	if result != "" {
		e.Result = result
	}
	now := time.Now()
	if status == store.StatusRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if status.Terminal() && e.CompletedAt == nil {
		e.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) SetExternalRunID(_ context.Context, id uuid.UUID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ExternalRunID = runID
	return nil
}

func (f *fakeStore) SetPRInfo(_ context.Context, id uuid.UUID, prNumber int, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.PRNumber = prNumber
	e.Branch = branch
	return nil
}

func (f *fakeStore) SaveCheckpoint(_ context.Context, id uuid.UUID, checkpoint map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Checkpoint = checkpoint
	return nil
}

func (f *fakeStore) LatestCheckpoint(_ context.Context, issueID string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		e := f.executions[f.order[i]]
		if e.IssueID == issueID && len(e.Checkpoint) > 0 {
			return e.Checkpoint, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetExecution(_ context.Context, id uuid.UUID) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) ActiveExecutionForIssue(_ context.Context, issueID string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		e := f.executions[id]
		if e.IssueID == issueID && !e.Status.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) LatestExecutionForIssue(_ context.Context, issueID string) (*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.order) - 1; i >= 0; i-- {
		e := f.executions[f.order[i]]
		if e.IssueID == issueID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CountActiveExecutions(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, e := range f.executions {
		if !e.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) TimeoutStaleExecutions(_ context.Context, cutoff time.Time) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []*store.Execution
	for _, id := range f.order {
		e := f.executions[id]
		if e.Status.Terminal() {
			continue
		}
		started := e.CreatedAt
		if e.StartedAt != nil {
			started = *e.StartedAt
		}
		if started.Before(cutoff) {
			e.Status = store.StatusFailed
			e.Result = "Timed out"
			now := time.Now()
			e.CompletedAt = &now
			cp := *e
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (f *fakeStore) ensureStateLocked(number int, repo string) *store.IssueState {
	key := stateKey(repo, number)
	st, ok := f.states[key]
	if !ok {
		st = &store.IssueState{
			IssueNumber: number,
			Repo:        repo,
			CreatedAt:   time.Now(),
		}
		f.states[key] = st
	}
	return st
}

func (f *fakeStore) UpsertIssueState(_ context.Context, number int, repo string, patch store.IssueStatePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.ensureStateLocked(number, repo)
	if patch.Classification != nil {
		st.Classification = *patch.Classification
	}
	if patch.ParentIssue != nil {
		st.ParentIssue = *patch.ParentIssue
	}
	if patch.SubIssues != nil {
		st.SubIssues = patch.SubIssues
	}
	if patch.RetryCount != nil {
		st.RetryCount = *patch.RetryCount
	}
	if patch.Metadata != nil {
		st.Metadata = patch.Metadata
	}
	if patch.LastCheckedAt != nil {
		st.LastCheckedAt = patch.LastCheckedAt
	}
	st.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) GetIssueState(_ context.Context, number int, repo string) (*store.IssueState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey(repo, number)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	if st.Metadata != nil {
		cp.Metadata = make(map[string]any, len(st.Metadata))
		for k, v := range st.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.SubIssues = append([]int64(nil), st.SubIssues...)
	return &cp, nil
}

func (f *fakeStore) SetClassification(ctx context.Context, number int, repo, classification string) error {
	return f.UpsertIssueState(ctx, number, repo, store.IssueStatePatch{Classification: &classification})
}

func (f *fakeStore) IncrementRetryCount(_ context.Context, number int, repo string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.ensureStateLocked(number, repo)
	st.RetryCount++
	return st.RetryCount, nil
}

func (f *fakeStore) ResetRetryCount(_ context.Context, number int, repo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[stateKey(repo, number)]; ok {
		st.RetryCount = 0
	}
	return nil
}

func (f *fakeStore) MergeMetadata(_ context.Context, number int, repo string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.ensureStateLocked(number, repo)
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	for k, v := range patch {
		st.Metadata[k] = v
	}
	return nil
}

func (f *fakeStore) DeleteMetadataKeys(_ context.Context, number int, repo string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateKey(repo, number)]
	if !ok || st.Metadata == nil {
		return nil
	}
	for _, k := range keys {
		delete(st.Metadata, k)
	}
	return nil
}

func (f *fakeStore) LinkSubIssues(_ context.Context, parent int, repo string, subs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.ensureStateLocked(parent, repo)
	st.SubIssues = subs
	for _, sub := range subs {
		child := f.ensureStateLocked(int(sub), repo)
		child.ParentIssue = parent
	}
	return nil
}

func (f *fakeStore) EnqueueNudge(_ context.Context, n *store.NudgeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *n
	f.nudges = append(f.nudges, &cp)
	return nil
}

func (f *fakeStore) PendingNudges(_ context.Context, limit int) ([]*store.NudgeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*store.NudgeRequest
	for _, n := range f.nudges {
		if n.ProcessedAt != nil {
			continue
		}
		cp := *n
		pending = append(pending, &cp)
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (f *fakeStore) MarkNudgeProcessed(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.nudges {
		if n.ID == id {
			now := time.Now()
			n.ProcessedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) GetCronState(_ context.Context, key string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cron[key], nil
}

func (f *fakeStore) SetCronState(_ context.Context, key string, value map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cron[key] = value
	return nil
}

func (f *fakeStore) RecordBudgetUsage(_ context.Context, executionID uuid.UUID, tokens int, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[executionID] = tokens
	return nil
}

// executionList returns executions in creation order.
func (f *fakeStore) executionList() []*store.Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Execution, 0, len(f.order))
	for _, id := range f.order {
		cp := *f.executions[id]
		out = append(out, &cp)
	}
	return out
}

func (f *fakeStore) pendingNudgeList() []*store.NudgeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []*store.NudgeRequest
	for _, n := range f.nudges {
		if n.ProcessedAt == nil {
			cp := *n
			pending = append(pending, &cp)
		}
	}
	return pending
}

// seedExecution inserts an execution directly, bypassing the claim.
func (f *fakeStore) seedExecution(e *store.Execution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.executions[e.ID] = &cp
	f.order = append(f.order, e.ID)
}

// postedComment is one AddComment call recorded by the fake tracker.
type postedComment struct {
	repo   string
	number int
	body   string
}

// createdSub is one CreateSubIssue call recorded by the fake tracker.
type createdSub struct {
	parent int
	title  string
	body   string
	labels []string
	number int
}

// fakeTracker implements tracker.Client and tracker.PRSource against
// maps of canned issues and PRs.
type fakeTracker struct {
	mu         sync.Mutex
	issues     map[int]*tracker.Issue
	openPRs    []*tracker.PullRequest
	closedPRs  []*tracker.PullRequest
	reviews    map[int][]*tracker.Review
	reviewCmts map[int][]*tracker.ReviewComment
	prComments map[int][]*tracker.Comment
	comments   []postedComment
	subs       []createdSub
	nextIssue  int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		issues:     make(map[int]*tracker.Issue),
		reviews:    make(map[int][]*tracker.Review),
		reviewCmts: make(map[int][]*tracker.ReviewComment),
		prComments: make(map[int][]*tracker.Comment),
		nextIssue:  100,
	}
}

func (f *fakeTracker) addIssue(issue *tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues[issue.Number] = issue
}

func (f *fakeTracker) GetIssue(_ context.Context, _ string, number int) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue #%d not found", number)
	}
	cp := *issue
	cp.Labels = append([]string(nil), issue.Labels...)
	cp.Comments = append([]tracker.Comment(nil), issue.Comments...)
	return &cp, nil
}

func (f *fakeTracker) ListIssues(_ context.Context, _ string, opts tracker.ListOptions) ([]*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tracker.Issue
	for _, issue := range f.issues {
		if opts.Status != "" && issue.Status != opts.Status {
			continue
		}
		match := true
		for _, want := range opts.Labels {
			if !issue.HasLabel(want) {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		cp := *issue
		cp.Labels = append([]string(nil), issue.Labels...)
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTracker) ListSubIssues(_ context.Context, _ string, parent int) ([]*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parentID := fmt.Sprintf("%d", parent)
	var out []*tracker.Issue
	for _, issue := range f.issues {
		if issue.ParentID == parentID {
			cp := *issue
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeTracker) CreateSubIssue(_ context.Context, _ string, parent int, title, body string, labels []string) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := &tracker.Issue{
		ID:       fmt.Sprintf("%d", f.nextIssue),
		Number:   f.nextIssue,
		Title:    title,
		Body:     body,
		Status:   tracker.StatusOpen,
		Labels:   append([]string(nil), labels...),
		ParentID: fmt.Sprintf("%d", parent),
	}
	f.issues[issue.Number] = issue
	f.subs = append(f.subs, createdSub{parent: parent, title: title, body: body, labels: labels, number: issue.Number})
	return issue, nil
}

func (f *fakeTracker) AddComment(_ context.Context, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, postedComment{repo: repo, number: number, body: body})
	if issue, ok := f.issues[number]; ok {
		issue.Comments = append(issue.Comments, tracker.Comment{Body: body, Author: "agent-grid[bot]", AuthorType: "Bot", CreatedAt: time.Now()})
	}
	return nil
}

func (f *fakeTracker) SetIssueStatus(_ context.Context, _ string, number int, status tracker.IssueStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[number]; ok {
		issue.Status = status
	}
	return nil
}

func (f *fakeTracker) AddLabel(_ context.Context, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return fmt.Errorf("issue #%d not found", number)
	}
	if !issue.HasLabel(label) {
		issue.Labels = append(issue.Labels, label)
	}
	return nil
}

func (f *fakeTracker) RemoveLabel(_ context.Context, _ string, number int, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil
	}
	var kept []string
	for _, l := range issue.Labels {
		if l != label {
			kept = append(kept, l)
		}
	}
	issue.Labels = kept
	return nil
}

func (f *fakeTracker) CreateLabel(context.Context, string, string, string) error { return nil }

func (f *fakeTracker) Close() error { return nil }

func (f *fakeTracker) ListOpenPullRequests(context.Context, string) ([]*tracker.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*tracker.PullRequest(nil), f.openPRs...), nil
}

func (f *fakeTracker) ListClosedPullRequests(context.Context, string) ([]*tracker.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*tracker.PullRequest(nil), f.closedPRs...), nil
}

func (f *fakeTracker) ListReviews(_ context.Context, _ string, number int) ([]*tracker.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*tracker.Review(nil), f.reviews[number]...), nil
}

func (f *fakeTracker) ListReviewComments(_ context.Context, _ string, number int) ([]*tracker.ReviewComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*tracker.ReviewComment(nil), f.reviewCmts[number]...), nil
}

func (f *fakeTracker) ListIssueCommentsSince(_ context.Context, _ string, number int, since time.Time) ([]*tracker.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*tracker.Comment
	for _, c := range f.prComments[number] {
		if !since.IsZero() && c.CreatedAt.Before(since) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTracker) commentBodies(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.comments {
		if c.number == number {
			out = append(out, c.body)
		}
	}
	return out
}

func (f *fakeTracker) labelsOf(number int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.issues[number]
	if !ok {
		return nil
	}
	return append([]string(nil), issue.Labels...)
}

// launchedSpec is one Launch call recorded by the fake backend.
type launchedSpec struct {
	spec  grid.LaunchSpec
	runID string
}

// fakeGridBackend records launches and cancels. Launch fails when
// launchErr is set.
type fakeGridBackend struct {
	mu        sync.Mutex
	launched  []launchedSpec
	cancelled []string
	launchErr error
}

func (f *fakeGridBackend) Name() string { return "fake" }

func (f *fakeGridBackend) Launch(_ context.Context, spec grid.LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return "", f.launchErr
	}
	runID := "run-" + spec.ExecutionID.String()[:8]
	f.launched = append(f.launched, launchedSpec{spec: spec, runID: runID})
	return runID, nil
}

func (f *fakeGridBackend) Cancel(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeGridBackend) Poll(context.Context, string) (*grid.RunStatus, error) {
	return &grid.RunStatus{State: grid.RunRunning}, nil
}

func (f *fakeGridBackend) launches() []launchedSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launchedSpec(nil), f.launched...)
}

// fakeClassifier returns canned verdicts keyed by issue number, falling
// back to defaultVerdict.
type fakeClassifier struct {
	mu             sync.Mutex
	verdicts       map[int]*classify.Classification
	defaultVerdict *classify.Classification
	err            error
	calls          []int
}

func (f *fakeClassifier) Classify(_ context.Context, issue *tracker.Issue) (*classify.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, issue.Number)
	if f.err != nil {
		return &classify.Classification{Category: classify.Skip, Reason: "Classification error: " + f.err.Error()}, f.err
	}
	if v, ok := f.verdicts[issue.Number]; ok {
		return v, nil
	}
	if f.defaultVerdict != nil {
		return f.defaultVerdict, nil
	}
	return &classify.Classification{Category: classify.Simple, Reason: "default"}, nil
}

func (f *fakeClassifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []bus.EventType
}

func (f *fakePublisher) Publish(eventType bus.EventType, _ map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return true
}

func (f *fakePublisher) published() []bus.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.EventType(nil), f.events...)
}

// fixture bundles an orchestrator with all of its fakes.
type fixture struct {
	orch       *Orchestrator
	store      *fakeStore
	tracker    *fakeTracker
	backend    *fakeGridBackend
	classifier *fakeClassifier
	publisher  *fakePublisher
	cfg        *config.Config
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := newFakeStore()
	ft := newFakeTracker()
	fb := &fakeGridBackend{}
	fc := &fakeClassifier{verdicts: make(map[int]*classify.Classification)}
	fp := &fakePublisher{}
	cfg := &config.Config{
		TargetRepo:              "acme/widgets",
		MaxConcurrentExecutions: 5,
		ExecutionTimeout:        time.Hour,
		MaxRetriesPerIssue:      2,
		MaxCIFixRetries:         3,
	}
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	orch := New(Deps{
		Store:      fs,
		Tracker:    ft,
		Labels:     tracker.NewLabelManager(ft),
		PRs:        ft,
		Backend:    fb,
		Classifier: fc,
		Publisher:  fp,
		Config:     cfg,
		Clock:      func() time.Time { return now },
	})
	return &fixture{
		orch:       orch,
		store:      fs,
		tracker:    ft,
		backend:    fb,
		classifier: fc,
		publisher:  fp,
		cfg:        cfg,
		now:        now,
	}
}

func issueEvent(eventType bus.EventType, repo string, number int) bus.Event {
	return bus.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   map[string]any{"repo": repo, "issue_id": fmt.Sprintf("%d", number)},
	}
}

func hasString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
