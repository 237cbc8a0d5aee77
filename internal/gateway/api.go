package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// agentStatusRequest is the terminal callback a fly worker machine POSTs
// when its agent run ends. The execution id is the trust anchor: the
// machine only knows it because the launcher put it in the environment.
type agentStatusRequest struct {
	ExecutionID     string         `json:"execution_id"`
	Status          string         `json:"status"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	Checkpoint      map[string]any `json:"checkpoint,omitempty"`
	TokensUsed      int            `json:"tokens_used,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	PRNumber        int            `json:"pr_number,omitempty"`
	PRURL           string         `json:"pr_url,omitempty"`
	Branch          string         `json:"branch,omitempty"`
}

// handleAgentStatus converts a worker callback into the matching bus
// event. Unknown execution ids get a 404 so a misconfigured machine
// cannot inject completions.
func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req agentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	execID, err := uuid.Parse(req.ExecutionID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution_id"})
		return
	}
	if _, err := s.store.GetExecution(r.Context(), execID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown execution"})
			return
		}
		s.logger.Error("execution lookup failed", "execution_id", execID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	var ok bool
	switch req.Status {
	case "completed":
		ok = s.bus.Publish(bus.AgentCompleted, map[string]any{
			"execution_id":     execID.String(),
			"result":           req.Result,
			"checkpoint":       req.Checkpoint,
			"tokens_used":      req.TokensUsed,
			"duration_seconds": req.DurationSeconds,
			"pr_number":        req.PRNumber,
			"pr_url":           req.PRURL,
			"branch":           req.Branch,
		})
	case "failed":
		reason := req.Error
		if reason == "" {
			reason = req.Result
		}
		ok = s.bus.Publish(bus.AgentFailed, map[string]any{
			"execution_id": execID.String(),
			"error":        reason,
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	if !ok {
		// The caller can retry; the timeout sweep is the backstop if it
		// never does.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event queue full"})
		return
	}

	s.logger.Info("agent status callback", "execution_id", execID, "status", req.Status)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

// executionSummary is the list-endpoint shape: everything except the
// prompt and checkpoint, which only the detail endpoint carries.
type executionSummary struct {
	ID            string     `json:"id"`
	IssueID       string     `json:"issue_id"`
	RepoURL       string     `json:"repo_url"`
	Status        string     `json:"status"`
	Mode          string     `json:"mode"`
	Result        string     `json:"result,omitempty"`
	Branch        string     `json:"branch,omitempty"`
	PRNumber      int        `json:"pr_number,omitempty"`
	ExternalRunID string     `json:"external_run_id,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func summarize(e *store.Execution) executionSummary {
	return executionSummary{
		ID:            e.ID.String(),
		IssueID:       e.IssueID,
		RepoURL:       e.RepoURL,
		Status:        string(e.Status),
		Mode:          string(e.Mode),
		Result:        e.Result,
		Branch:        e.Branch,
		PRNumber:      e.PRNumber,
		ExternalRunID: e.ExternalRunID,
		StartedAt:     e.StartedAt,
		CompletedAt:   e.CompletedAt,
		CreatedAt:     e.CreatedAt,
	}
}

// handleExecutions lists recent executions, newest first. Query
// parameters: limit (default 20, max 100), status, issue_id.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		limit = min(n, maxListLimit)
	}

	execs, err := s.store.ListExecutions(r.Context(), store.ExecutionStatus(q.Get("status")), q.Get("issue_id"), limit)
	if err != nil {
		s.logger.Error("execution listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "listing failed"})
		return
	}

	summaries := make([]executionSummary, len(execs))
	for i, e := range execs {
		summaries[i] = summarize(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": summaries})
}

// handleExecutionByID returns one execution in full, prompt and
// checkpoint included.
func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/executions/")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid execution id"})
		return
	}

	exec, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		s.logger.Error("execution lookup failed", "execution_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "lookup failed"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exec)
}

// nudgeRequest asks the scheduler to (re)start work on an issue.
type nudgeRequest struct {
	Repo     string `json:"repo,omitempty"`
	IssueID  any    `json:"issue_id"`
	Message  string `json:"message,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// handleNudge publishes a NUDGE_REQUESTED event. The scheduler decides
// what the nudge means for the issue's current state.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req nudgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON"})
		return
	}
	issueID, ok := issueIDString(req.IssueID)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "issue_id is required"})
		return
	}

	if !s.bus.Publish(bus.NudgeRequested, map[string]any{
		"repo":     req.Repo,
		"issue_id": issueID,
		"message":  req.Message,
		"priority": req.Priority,
	}) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event queue full"})
		return
	}

	s.logger.Info("nudge accepted", "issue_id", issueID, "repo", req.Repo)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "issue_id": issueID})
}

// issueIDString normalizes the issue_id field, which clients send as a
// JSON string or number.
func issueIDString(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case float64:
		if id <= 0 {
			return "", false
		}
		return strconv.Itoa(int(id)), true
	}
	return "", false
}

// handleBudget aggregates recorded agent usage over a trailing window
// (default 24h).
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid window"})
			return
		}
		window = d
	}

	usage, err := s.store.TotalBudgetUsage(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		s.logger.Error("budget aggregation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "aggregation failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window":           window.String(),
		"tokens_used":      usage.TokensUsed,
		"duration_seconds": usage.DurationSeconds,
		"executions":       usage.Executions,
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
