package mocks

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/store"
)

// Store is an in-memory stand-in for the Postgres store, covering the
// orchestrator surface and the webhook inbox. It keeps the invariants the
// real store enforces: one active execution per issue, terminal statuses
// stick, duplicate delivery ids are rejected.
type Store struct {
	mu         sync.Mutex
	executions map[uuid.UUID]*store.Execution
	order      []uuid.UUID
	states     map[string]*store.IssueState
	nudges     []*store.NudgeRequest
	cron       map[string]map[string]any
	usage      map[uuid.UUID]store.BudgetUsage
	webhooks   []*store.WebhookEvent
	deliveries map[string]bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		executions: make(map[uuid.UUID]*store.Execution),
		states:     make(map[string]*store.IssueState),
		cron:       make(map[string]map[string]any),
		usage:      make(map[uuid.UUID]store.BudgetUsage),
		deliveries: make(map[string]bool),
	}
}

func stateKey(repo string, number int) string {
	return repo + "#" + strconv.Itoa(number)
}

// ClaimExecution inserts e unless the issue already has a non-terminal
// execution.
func (s *Store) ClaimExecution(_ context.Context, e *store.Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		existing := s.executions[id]
		if existing.IssueID == e.IssueID && !existing.Status.Terminal() {
			return false, nil
		}
	}
	cp := *e
	s.executions[e.ID] = &cp
	s.order = append(s.order, e.ID)
	return true, nil
}

// UpdateExecutionStatus transitions an execution. Terminal statuses are
// sticky: moving a settled execution elsewhere reports ErrNotFound, the
// same way the guarded UPDATE matches no row.
func (s *Store) UpdateExecutionStatus(_ context.Context, id uuid.UUID, status store.ExecutionStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
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
	now := time.Now().UTC()
	if status == store.StatusRunning && e.StartedAt == nil {
		e.StartedAt = &now
	}
	if status.Terminal() && e.CompletedAt == nil {
		e.CompletedAt = &now
	}
	return nil
}

func (s *Store) SetExternalRunID(_ context.Context, id uuid.UUID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.ExternalRunID = runID
	return nil
}

func (s *Store) SetPRInfo(_ context.Context, id uuid.UUID, prNumber int, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	if prNumber > 0 {
		e.PRNumber = prNumber
	}
	if branch != "" {
		e.Branch = branch
	}
	return nil
}

func (s *Store) SaveCheckpoint(_ context.Context, id uuid.UUID, checkpoint map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Checkpoint = checkpoint
	return nil
}

func (s *Store) LatestCheckpoint(_ context.Context, issueID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.executions[s.order[i]]
		if e.IssueID == issueID && len(e.Checkpoint) > 0 {
			return e.Checkpoint, nil
		}
	}
	return nil, nil
}

func (s *Store) GetExecution(_ context.Context, id uuid.UUID) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ActiveExecutionForIssue(_ context.Context, issueID string) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		e := s.executions[id]
		if e.IssueID == issueID && !e.Status.Terminal() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LatestExecutionForIssue(_ context.Context, issueID string) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.executions[s.order[i]]
		if e.IssueID == issueID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CountActiveExecutions(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.executions {
		if !e.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (s *Store) TimeoutStaleExecutions(_ context.Context, cutoff time.Time) ([]*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*store.Execution
	for _, id := range s.order {
		e := s.executions[id]
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
			now := time.Now().UTC()
			e.CompletedAt = &now
			cp := *e
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (s *Store) ensureStateLocked(number int, repo string) *store.IssueState {
	key := stateKey(repo, number)
	st, ok := s.states[key]
	if !ok {
		st = &store.IssueState{
			IssueNumber: number,
			Repo:        repo,
			CreatedAt:   time.Now().UTC(),
		}
		s.states[key] = st
	}
	return st
}

func (s *Store) UpsertIssueState(_ context.Context, number int, repo string, patch store.IssueStatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStateLocked(number, repo)
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
	st.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetIssueState(_ context.Context, number int, repo string) (*store.IssueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(repo, number)]
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

func (s *Store) SetClassification(ctx context.Context, number int, repo, classification string) error {
	return s.UpsertIssueState(ctx, number, repo, store.IssueStatePatch{Classification: &classification})
}

func (s *Store) IncrementRetryCount(_ context.Context, number int, repo string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStateLocked(number, repo)
	st.RetryCount++
	return st.RetryCount, nil
}

func (s *Store) ResetRetryCount(_ context.Context, number int, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[stateKey(repo, number)]; ok {
		st.RetryCount = 0
	}
	return nil
}

func (s *Store) MergeMetadata(_ context.Context, number int, repo string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStateLocked(number, repo)
	if st.Metadata == nil {
		st.Metadata = make(map[string]any)
	}
	for k, v := range patch {
		st.Metadata[k] = v
	}
	return nil
}

func (s *Store) DeleteMetadataKeys(_ context.Context, number int, repo string, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey(repo, number)]
	if !ok || st.Metadata == nil {
		return nil
	}
	for _, k := range keys {
		delete(st.Metadata, k)
	}
	return nil
}

func (s *Store) LinkSubIssues(_ context.Context, parent int, repo string, subs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ensureStateLocked(parent, repo)
	st.SubIssues = subs
	for _, sub := range subs {
		child := s.ensureStateLocked(int(sub), repo)
		child.ParentIssue = parent
	}
	return nil
}

func (s *Store) EnqueueNudge(_ context.Context, n *store.NudgeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nudges = append(s.nudges, &cp)
	return nil
}

func (s *Store) PendingNudges(_ context.Context, limit int) ([]*store.NudgeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*store.NudgeRequest
	for _, n := range s.nudges {
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

func (s *Store) MarkNudgeProcessed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nudges {
		if n.ID == id {
			now := time.Now().UTC()
			n.ProcessedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) GetCronState(_ context.Context, key string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron[key], nil
}

func (s *Store) SetCronState(_ context.Context, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron[key] = value
	return nil
}

func (s *Store) RecordBudgetUsage(_ context.Context, executionID uuid.UUID, tokens int, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage[executionID]
	u.TokensUsed += int64(tokens)
	u.DurationSeconds += seconds
	u.Executions++
	s.usage[executionID] = u
	return nil
}

// InsertWebhookEvent persists a delivery, rejecting duplicate ids.
func (s *Store) InsertWebhookEvent(_ context.Context, e *store.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries[e.DeliveryID] {
		return store.ErrDuplicateDelivery
	}
	s.deliveries[e.DeliveryID] = true
	cp := *e
	s.webhooks = append(s.webhooks, &cp)
	return nil
}

// UnprocessedEventsBefore returns unprocessed deliveries received before
// the cutoff, oldest first.
func (s *Store) UnprocessedEventsBefore(_ context.Context, cutoff time.Time, limit int) ([]*store.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []*store.WebhookEvent
	for _, e := range s.webhooks {
		if e.Processed || !e.ReceivedAt.Before(cutoff) {
			continue
		}
		cp := *e
		events = append(events, &cp)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// MarkEventsProcessed stamps a coalesced group processed.
func (s *Store) MarkEventsProcessed(_ context.Context, ids []uuid.UUID, coalescedInto *uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, e := range s.webhooks {
		for _, id := range ids {
			if e.ID == id {
				e.Processed = true
				e.ProcessedAt = &now
				e.CoalescedInto = coalescedInto
			}
		}
	}
	return nil
}

// Executions returns all executions in creation order.
func (s *Store) Executions() []*store.Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Execution, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.executions[id]
		out = append(out, &cp)
	}
	return out
}

// BudgetFor returns the recorded usage for one execution.
func (s *Store) BudgetFor(executionID uuid.UUID) store.BudgetUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[executionID]
}

// SeedExecution inserts an execution directly, bypassing the claim.
func (s *Store) SeedExecution(e *store.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.executions[e.ID] = &cp
	s.order = append(s.order, e.ID)
}
