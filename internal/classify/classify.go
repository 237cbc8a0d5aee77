// Package classify decides what kind of attention an issue needs before
// any agent is launched. The verdict drives the scheduler's dispatch:
// SIMPLE issues go straight to an implementing agent, COMPLEX ones get
// a planning agent, BLOCKED ones wait for a human, SKIP ones are left
// alone.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// Category buckets an issue by the kind of work it needs.
type Category string

const (
	Simple  Category = "SIMPLE"
	Complex Category = "COMPLEX"
	Blocked Category = "BLOCKED"
	Skip    Category = "SKIP"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case Simple, Complex, Blocked, Skip:
		return true
	}
	return false
}

// Classification is the classifier's verdict on one issue.
type Classification struct {
	Category            Category `json:"category"`
	Reason              string   `json:"reason"`
	BlockingQuestion    string   `json:"blocking_question,omitempty"`
	EstimatedComplexity int      `json:"estimated_complexity"`
	Dependencies        []int64  `json:"dependencies,omitempty"`
}

const classificationPrompt = `You are a senior tech lead. Given this GitHub issue, classify it.

Issue Title: %s
Issue Body:
%s

Labels: %s

Classify as ONE of:
A. SIMPLE — Can be done in a single PR by one agent. Estimated: < 200 lines changed, single concern, clear scope.
B. COMPLEX — Needs decomposition into sub-tasks. Estimated: multiple files/concerns, needs a plan first.
C. BLOCKED — Missing information, ambiguous requirements, needs human clarification before work can begin.
D. SKIP — Not suitable for AI (too creative, too risky, requires domain expertise beyond code).

Respond as JSON:
{
  "category": "SIMPLE" | "COMPLEX" | "BLOCKED" | "SKIP",
  "reason": "one sentence explaining why",
  "blocking_question": "question for human, only if BLOCKED",
  "estimated_complexity": 1-10,
  "dependencies": [list of issue numbers this depends on, if any]
}

Respond ONLY with the JSON object, no markdown fences.`

// Classifier asks the LLM to categorize issues.
type Classifier struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// New creates a classifier. Extra request options are forwarded to the
// SDK client; tests pass option.WithBaseURL.
func New(apiKey, model string, opts ...option.RequestOption) *Classifier {
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Classifier{
		client: anthropic.NewClient(clientOpts...),
		model:  anthropic.Model(model),
		logger: logging.WithComponent("classifier"),
	}
}

// Classify returns a verdict for the issue. Malformed model output falls
// back to SIMPLE so work still proceeds. API failures return a SKIP
// verdict together with the error; callers should log it and leave the
// issue untouched for the next cycle rather than acting on the SKIP.
func (c *Classifier) Classify(ctx context.Context, issue *tracker.Issue) (*Classification, error) {
	body := issue.Body
	if body == "" {
		body = "(no description)"
	}
	labels := "(none)"
	if len(issue.Labels) > 0 {
		labels = strings.Join(issue.Labels, ", ")
	}
	prompt := fmt.Sprintf(classificationPrompt, issue.Title, body, labels)

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 500,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		c.logger.Error("classification API error", "issue", issue.Number, "error", err)
		metrics.ClassifierResults.WithLabelValues("api_error").Inc()
		return &Classification{
			Category: Skip,
			Reason:   fmt.Sprintf("Classification error: %v", err),
		}, fmt.Errorf("classify issue #%d: %w", issue.Number, err)
	}

	verdict, err := Parse(responseText(message))
	if err != nil {
		c.logger.Error("failed to parse classification", "issue", issue.Number, "error", err)
		metrics.ClassifierResults.WithLabelValues("parse_error").Inc()
		return &Classification{
			Category: Simple,
			Reason:   "Classification parse error, defaulting to SIMPLE",
		}, nil
	}

	c.logger.Info("issue classified",
		"issue", issue.Number,
		"category", verdict.Category,
		"reason", verdict.Reason)
	metrics.ClassifierResults.WithLabelValues(strings.ToLower(string(verdict.Category))).Inc()
	return verdict, nil
}

// Parse decodes the model's JSON verdict. Fenced output is tolerated
// even though the prompt forbids it.
func Parse(text string) (*Classification, error) {
	text = stripFences(strings.TrimSpace(text))

	var v Classification
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	if !v.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q", v.Category)
	}
	if v.EstimatedComplexity == 0 {
		v.EstimatedComplexity = 5
	}
	return &v, nil
}

func stripFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func responseText(message *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
