package store

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one agent execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExecutionMode is the flavor of agent work.
type ExecutionMode string

const (
	ModeImplement         ExecutionMode = "implement"
	ModePlan              ExecutionMode = "plan"
	ModeAddressReview     ExecutionMode = "address_review"
	ModeRetryWithFeedback ExecutionMode = "retry_with_feedback"
	ModeFixCI             ExecutionMode = "fix_ci"
)

// Execution is one attempt by one agent on one issue in one mode.
type Execution struct {
	ID            uuid.UUID       `json:"id"`
	IssueID       string          `json:"issue_id"`
	RepoURL       string          `json:"repo_url"`
	Status        ExecutionStatus `json:"status"`
	Mode          ExecutionMode   `json:"mode"`
	Prompt        string          `json:"prompt,omitempty"`
	Result        string          `json:"result,omitempty"`
	Branch        string          `json:"branch,omitempty"`
	PRNumber      int             `json:"pr_number,omitempty"`
	ExternalRunID string          `json:"external_run_id,omitempty"`
	Checkpoint    map[string]any  `json:"checkpoint,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewExecution constructs a pending execution for an issue.
func NewExecution(issueID, repoURL, prompt string, mode ExecutionMode) *Execution {
	return &Execution{
		ID:        uuid.New(),
		IssueID:   issueID,
		RepoURL:   repoURL,
		Status:    StatusPending,
		Mode:      mode,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
}

// IssueState is the derived per-issue record. The tracker stays
// authoritative for title, body, labels and comments; only facts the
// coordinator computes live here.
type IssueState struct {
	IssueNumber    int            `json:"issue_number"`
	Repo           string         `json:"repo"`
	Classification string         `json:"classification,omitempty"`
	ParentIssue    int            `json:"parent_issue,omitempty"`
	SubIssues      []int64        `json:"sub_issues,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LastCheckedAt  *time.Time     `json:"last_checked_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IssueStatePatch is a partial update for UpsertIssueState. Nil fields
// preserve the stored values (merge semantics).
type IssueStatePatch struct {
	Classification *string
	ParentIssue    *int
	SubIssues      []int64
	RetryCount     *int
	Metadata       map[string]any
	LastCheckedAt  *time.Time
}

// NudgeRequest is a queued command to start work on a specific issue.
type NudgeRequest struct {
	ID                uuid.UUID  `json:"id"`
	IssueID           string     `json:"issue_id"`
	SourceExecutionID *uuid.UUID `json:"source_execution_id,omitempty"`
	Priority          int        `json:"priority"`
	Reason            string     `json:"reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
}

// WebhookEvent is a raw ingress record awaiting deduplication.
type WebhookEvent struct {
	ID            uuid.UUID  `json:"id"`
	DeliveryID    string     `json:"delivery_id"`
	EventType     string     `json:"event_type"`
	Action        string     `json:"action,omitempty"`
	Repo          string     `json:"repo,omitempty"`
	IssueID       string     `json:"issue_id,omitempty"`
	Payload       string     `json:"payload,omitempty"`
	Processed     bool       `json:"processed"`
	CoalescedInto *uuid.UUID `json:"coalesced_into,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// BudgetUsage is an aggregate of recorded agent resource consumption.
type BudgetUsage struct {
	TokensUsed      int64   `json:"tokens_used"`
	DurationSeconds float64 `json:"duration_seconds"`
	Executions      int64   `json:"executions"`
}
