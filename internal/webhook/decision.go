package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// nudgeCommand is the case-insensitive marker a human leaves in a comment
// to wake the agent on an issue.
const nudgeCommand = "@agent-grid nudge"

// DecisionKind enumerates the possible outcomes of coalescing one burst
// of webhook events.
type DecisionKind string

const (
	DecisionDrop           DecisionKind = "drop"
	DecisionIssueCreated   DecisionKind = "issue_created"
	DecisionIssueUpdated   DecisionKind = "issue_updated"
	DecisionNudgeRequested DecisionKind = "nudge_requested"
)

// Decision is the single canonical outcome for a group of webhook events
// about one issue.
type Decision struct {
	Kind   DecisionKind
	Reason string

	// Issue fields assembled from the most recent event that carried them.
	Title   string
	Body    string
	State   string
	HTMLURL string
	Labels  []string

	// CommentBody holds the triggering comment for nudge decisions.
	CommentBody string
}

// Analyze reduces a burst of events for one (repo, issue) pair to a single
// decision. Events must be ordered by received time, oldest first. A close
// anywhere in the burst wins over everything else, so an issue opened and
// closed inside one quiet period never launches an agent.
func Analyze(events []*store.WebhookEvent) Decision {
	for _, e := range events {
		if e.Action == "closed" {
			return Decision{Kind: DecisionDrop, Reason: "issue was closed"}
		}
	}

	if body, ok := nudgeComment(events); ok {
		return Decision{
			Kind:        DecisionNudgeRequested,
			Reason:      "nudge command in comment",
			CommentBody: body,
		}
	}

	labels := finalLabels(events)
	snap := snapshotIssue(events)
	opened := hasAction(events, "opened")
	labeled := hasAction(events, "labeled")

	switch {
	case opened && tracker.HasTriggerLabel(labels):
		return Decision{
			Kind:    DecisionIssueCreated,
			Reason:  "issue opened with trigger label",
			Title:   snap.title,
			Body:    snap.body,
			State:   snap.state,
			HTMLURL: snap.htmlURL,
			Labels:  labels,
		}
	case opened:
		return Decision{Kind: DecisionDrop, Reason: "issue opened without trigger label"}
	case labeled && tracker.HasTriggerLabel(labels):
		return Decision{
			Kind:    DecisionIssueUpdated,
			Reason:  "trigger label added",
			Title:   snap.title,
			Body:    snap.body,
			State:   snap.state,
			HTMLURL: snap.htmlURL,
			Labels:  labels,
		}
	}

	actions := make([]string, 0, len(events))
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return Decision{
		Kind:   DecisionDrop,
		Reason: fmt.Sprintf("no actionable events (actions: %s)", strings.Join(actions, ", ")),
	}
}

func hasAction(events []*store.WebhookEvent, action string) bool {
	for _, e := range events {
		if e.Action == action {
			return true
		}
	}
	return false
}

func nudgeComment(events []*store.WebhookEvent) (string, bool) {
	for _, e := range events {
		if e.EventType != "issue_comment" || e.Action != "created" {
			continue
		}
		payload := parsePayload(e)
		comment, _ := payload["comment"].(map[string]any)
		body, _ := comment["body"].(string)
		if strings.Contains(strings.ToLower(body), nudgeCommand) {
			return body, true
		}
	}
	return "", false
}

// finalLabels returns the label set from the most recent event that
// carried a non-empty one, either top-level or nested under the issue.
func finalLabels(events []*store.WebhookEvent) []string {
	for i := len(events) - 1; i >= 0; i-- {
		payload := parsePayload(events[i])
		if labels, ok := labelNames(payload["labels"]); ok {
			return labels
		}
		if issue, ok := payload["issue"].(map[string]any); ok {
			if labels, ok := labelNames(issue["labels"]); ok {
				return labels
			}
		}
	}
	return nil
}

// labelNames flattens a labels array. Entries are either plain strings or
// tracker objects with a name field.
func labelNames(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	names := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch l := entry.(type) {
		case string:
			names = append(names, l)
		case map[string]any:
			if name, ok := l["name"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names, len(names) > 0
}

type issueFields struct {
	title, body, state, htmlURL string
}

// snapshotIssue extracts issue metadata from the most recent event whose
// payload included the issue object.
func snapshotIssue(events []*store.WebhookEvent) issueFields {
	for i := len(events) - 1; i >= 0; i-- {
		issue, ok := parsePayload(events[i])["issue"].(map[string]any)
		if !ok {
			continue
		}
		var f issueFields
		f.title, _ = issue["title"].(string)
		f.body, _ = issue["body"].(string)
		f.state, _ = issue["state"].(string)
		f.htmlURL, _ = issue["html_url"].(string)
		return f
	}
	return issueFields{}
}

// parsePayload decodes an event's raw payload. Ingress rejects malformed
// JSON, so a decode failure here means a hand-inserted row; it is treated
// as an empty payload rather than poisoning the whole group.
func parsePayload(e *store.WebhookEvent) map[string]any {
	if e.Payload == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(e.Payload), &m); err != nil {
		return nil
	}
	return m
}
