// Package webhook ingests tracker deliveries into the durable inbox and
// coalesces per-issue bursts into canonical scheduler events.
//
// Ingress does the minimum on the request path: verify the signature,
// persist the raw payload, acknowledge. The deduplicator drains the inbox
// after a quiet period so that a storm of deliveries about one issue
// produces exactly one decision.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/bus"
	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/store"
)

// Inserter persists raw webhook deliveries.
type Inserter interface {
	InsertWebhookEvent(ctx context.Context, e *store.WebhookEvent) error
}

// Handler is the ingress endpoint for tracker webhooks. Issue activity is
// persisted unprocessed and left for the deduplicator; pull-request and
// check-run outcomes bypass the quiet period because they are not bursty
// and the scheduler wants them promptly.
type Handler struct {
	inbox     Inserter
	publisher Publisher
	secret    string
	dedup     bool
	logger    *slog.Logger
}

// NewHandler creates the ingress handler. When secret is empty, signature
// verification is skipped. When dedup is false, issue events are decided
// and published at ingress instead of resting in the inbox.
func NewHandler(inbox Inserter, publisher Publisher, secret string, dedup bool) *Handler {
	return &Handler{
		inbox:     inbox,
		publisher: publisher,
		secret:    secret,
		dedup:     dedup,
		logger:    logging.WithComponent("webhook"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	if h.secret != "" && !verifySignature(body, r.Header.Get("X-Hub-Signature-256"), h.secret) {
		h.logger.Warn("webhook signature verification failed",
			"delivery_id", r.Header.Get("X-GitHub-Delivery"))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pong"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed payload"})
		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}
	metrics.WebhooksReceived.WithLabelValues(eventType).Inc()

	action, _ := payload["action"].(string)
	repo := repoFullName(payload)
	issueID := extractIssueID(eventType, payload)

	busType, immediate := immediateEventType(eventType, action, payload)
	issueEvent := (eventType == "issues" || eventType == "issue_comment") && issueID != ""

	now := time.Now().UTC()
	event := &store.WebhookEvent{
		ID:         uuid.New(),
		DeliveryID: deliveryID,
		EventType:  eventType,
		Action:     action,
		Repo:       repo,
		IssueID:    issueID,
		Payload:    string(body),
		ReceivedAt: now,
	}
	// Everything outside the dedup queue is finalized at ingress.
	if !h.dedup || !issueEvent {
		event.Processed = true
		event.ProcessedAt = &now
	}

	if err := h.inbox.InsertWebhookEvent(r.Context(), event); err != nil {
		if errors.Is(err, store.ErrDuplicateDelivery) {
			metrics.WebhookDuplicates.Inc()
			h.logger.Info("duplicate webhook delivery absorbed", "delivery_id", deliveryID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "delivery_id": deliveryID})
			return
		}
		h.logger.Error("failed to persist webhook event",
			"delivery_id", deliveryID,
			"event", eventType,
			"error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to persist event"})
		return
	}

	switch {
	case immediate:
		h.publisher.Publish(busType, prPayload(busType, repo, payload))
	case issueEvent && !h.dedup:
		h.publishDirect(event)
	}

	h.logger.Debug("webhook delivery queued",
		"delivery_id", deliveryID,
		"event", eventType,
		"action", action,
		"repo", repo,
		"issue_id", issueID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "delivery_id": deliveryID})
}

// publishDirect decides and emits a single delivery with no quiet period.
// Used only when deduplication is disabled.
func (h *Handler) publishDirect(event *store.WebhookEvent) {
	decision := Analyze([]*store.WebhookEvent{event})
	metrics.WebhookDecisions.WithLabelValues(string(decision.Kind)).Inc()
	if decision.Kind == DecisionDrop {
		return
	}
	publishDecision(h.publisher, event, 1, decision)
}

// immediateEventType maps deliveries that bypass the deduplicator to the
// bus event they publish. Per-issue coalescing fits label storms, not
// pull-request outcomes, so these go straight through.
func immediateEventType(eventType, action string, payload map[string]any) (bus.EventType, bool) {
	switch {
	case eventType == "pull_request" && action == "closed":
		return bus.PRClosed, true
	case eventType == "pull_request_review" && action == "submitted":
		return bus.PRReview, true
	case eventType == "check_run" && action == "completed":
		cr, _ := payload["check_run"].(map[string]any)
		if conclusion, _ := cr["conclusion"].(string); conclusion == "failure" {
			return bus.CheckRunFailed, true
		}
	}
	return "", false
}

// prPayload shapes the bus payload for deliveries that bypass the inbox.
func prPayload(t bus.EventType, repo string, payload map[string]any) map[string]any {
	out := map[string]any{"repo": repo}
	pr, _ := payload["pull_request"].(map[string]any)
	switch t {
	case bus.PRClosed:
		merged, _ := pr["merged"].(bool)
		out["pr_number"] = intField(pr, "number")
		out["merged"] = merged
		out["branch"] = headRef(pr)
		out["title"], _ = pr["title"].(string)
		out["body"], _ = pr["body"].(string)
	case bus.PRReview:
		review, _ := payload["review"].(map[string]any)
		out["pr_number"] = intField(pr, "number")
		out["state"], _ = review["state"].(string)
		out["body"], _ = review["body"].(string)
		out["branch"] = headRef(pr)
		out["pr_body"], _ = pr["body"].(string)
	case bus.CheckRunFailed:
		cr, _ := payload["check_run"].(map[string]any)
		out["check_name"], _ = cr["name"].(string)
		out["head_sha"], _ = cr["head_sha"].(string)
		out["conclusion"], _ = cr["conclusion"].(string)
		out["details_url"], _ = cr["details_url"].(string)
		if prs, ok := cr["pull_requests"].([]any); ok && len(prs) > 0 {
			if first, ok := prs[0].(map[string]any); ok {
				out["pr_number"] = intField(first, "number")
				out["branch"] = headRef(first)
			}
		}
	}
	return out
}

// extractIssueID pulls the issue or pull request number a delivery is
// about. The tracker numbers issues and pull requests from one sequence,
// so both land in the same column.
func extractIssueID(eventType string, payload map[string]any) string {
	switch eventType {
	case "issues", "issue_comment":
		if issue, ok := payload["issue"].(map[string]any); ok {
			return numberString(issue, "number")
		}
	case "pull_request", "pull_request_review":
		if pr, ok := payload["pull_request"].(map[string]any); ok {
			return numberString(pr, "number")
		}
	case "check_run":
		cr, _ := payload["check_run"].(map[string]any)
		if prs, ok := cr["pull_requests"].([]any); ok && len(prs) > 0 {
			if first, ok := prs[0].(map[string]any); ok {
				return numberString(first, "number")
			}
		}
	}
	return ""
}

func repoFullName(payload map[string]any) string {
	repo, _ := payload["repository"].(map[string]any)
	name, _ := repo["full_name"].(string)
	return name
}

func headRef(pr map[string]any) string {
	head, _ := pr["head"].(map[string]any)
	ref, _ := head["ref"].(string)
	return ref
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

func numberString(m map[string]any, key string) string {
	f, ok := m[key].(float64)
	if !ok {
		return ""
	}
	return strconv.Itoa(int(f))
}

// verifySignature checks an HMAC-SHA256 signature header of the form
// "sha256=<hex>" using a constant-time comparison.
func verifySignature(payload []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
