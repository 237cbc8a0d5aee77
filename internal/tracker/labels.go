package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agent-grid/agent-grid/internal/logging"
)

// Pipeline labels. Exactly one of these (plus optionally ag/sub-issue or
// ag/epic) should be on an issue at any time; TransitionTo enforces that.
const (
	LabelPrefix = "ag/"

	LabelTodo          = "ag/todo"
	LabelInProgress    = "ag/in-progress"
	LabelBlocked       = "ag/blocked"
	LabelWaiting       = "ag/waiting"
	LabelPlanning      = "ag/planning"
	LabelReviewPending = "ag/review-pending"
	LabelDone          = "ag/done"
	LabelFailed        = "ag/failed"
	LabelSkipped       = "ag/skipped"
	LabelSubIssue      = "ag/sub-issue"
	LabelEpic          = "ag/epic"
)

// LabelColors maps each pipeline label to its hex display color.
var LabelColors = map[string]string{
	LabelTodo:          "006b75",
	LabelInProgress:    "1d76db",
	LabelBlocked:       "e4e669",
	LabelWaiting:       "c5def5",
	LabelPlanning:      "d4c5f9",
	LabelReviewPending: "fbca04",
	LabelDone:          "0e8a16",
	LabelFailed:        "d93f0b",
	LabelSkipped:       "cccccc",
	LabelSubIssue:      "bfdadc",
	LabelEpic:          "3e4b9e",
}

// legacyLabelPrefix is the older spelling ("ai-in-progress") still found
// on issues labeled by earlier deployments. Read paths accept both;
// write paths always use the ag/ form.
const legacyLabelPrefix = "ai-"

// NormalizeLabel maps legacy ai-* labels onto their ag/* equivalents.
// Unknown labels pass through unchanged.
func NormalizeLabel(name string) string {
	if suffix, ok := strings.CutPrefix(name, legacyLabelPrefix); ok {
		if _, known := LabelColors[LabelPrefix+suffix]; known {
			return LabelPrefix + suffix
		}
	}
	return name
}

// IsPipelineLabel reports whether name is one of the coordinator's
// labels, in either spelling.
func IsPipelineLabel(name string) bool {
	_, ok := LabelColors[NormalizeLabel(name)]
	return ok
}

// IsHandledLabel reports whether name marks an issue as already in
// flight. Every pipeline label except ag/todo counts. ag/sub-issue is
// exempt too: it only records lineage, and a freshly created sub-issue
// still has to be picked up by the scan.
func IsHandledLabel(name string) bool {
	n := NormalizeLabel(name)
	return n != LabelTodo && n != LabelSubIssue && IsPipelineLabel(n)
}

// IsTriggerLabel reports whether name admits an issue into the pipeline:
// any ag/* label or one of the legacy opt-in labels.
func IsTriggerLabel(name string) bool {
	switch name {
	case "agent", "automated", "agent-grid":
		return true
	}
	return strings.HasPrefix(name, LabelPrefix)
}

// HasTriggerLabel reports whether any label in the set is a trigger.
func HasTriggerLabel(labels []string) bool {
	for _, l := range labels {
		if IsTriggerLabel(l) {
			return true
		}
	}
	return false
}

// HasHandledLabel reports whether any label in the set is a handled
// marker.
func HasHandledLabel(labels []string) bool {
	for _, l := range labels {
		if IsHandledLabel(l) {
			return true
		}
	}
	return false
}

// LabelManager performs pipeline-label transitions on issues.
type LabelManager struct {
	client Client
	logger *slog.Logger
}

// NewLabelManager creates a label manager backed by the given client.
func NewLabelManager(client Client) *LabelManager {
	return &LabelManager{
		client: client,
		logger: logging.WithComponent("labels"),
	}
}

// TransitionTo removes every other pipeline label from the issue and
// adds newLabel. The structural markers ag/sub-issue and ag/epic survive
// transitions. Applying the same transition twice is a no-op.
func (m *LabelManager) TransitionTo(ctx context.Context, repo string, number int, newLabel string) error {
	issue, err := m.client.GetIssue(ctx, repo, number)
	if err != nil {
		return fmt.Errorf("get issue #%d: %w", number, err)
	}

	present := false
	for _, label := range issue.Labels {
		if !IsPipelineLabel(label) {
			continue
		}
		normalized := NormalizeLabel(label)
		if normalized == newLabel {
			present = true
			continue
		}
		if normalized == LabelSubIssue || normalized == LabelEpic {
			continue
		}
		if err := m.client.RemoveLabel(ctx, repo, number, label); err != nil {
			return fmt.Errorf("remove label %s: %w", label, err)
		}
	}

	if !present {
		if err := m.client.AddLabel(ctx, repo, number, newLabel); err != nil {
			return fmt.Errorf("add label %s: %w", newLabel, err)
		}
	}

	m.logger.Info("label transition", "repo", repo, "issue", number, "label", newLabel)
	return nil
}

// EnsureLabels creates every pipeline label in the repository. Labels
// that already exist are left alone.
func (m *LabelManager) EnsureLabels(ctx context.Context, repo string) error {
	for name, color := range LabelColors {
		if err := m.client.CreateLabel(ctx, repo, name, color); err != nil {
			return fmt.Errorf("create label %s: %w", name, err)
		}
	}
	return nil
}
