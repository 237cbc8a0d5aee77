package orchestrator

import (
	"fmt"
	"strings"

	"github.com/agent-grid/agent-grid/internal/store"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

// PromptInput carries everything the prompt builders need. Only the
// fields relevant to the requested mode are read.
type PromptInput struct {
	Repo  string
	Issue *tracker.Issue

	// Previous-run context, appended when present.
	Checkpoint    map[string]any
	Clarification string
	Nudges        []string

	// address_review and fix_ci.
	PRNumber int
	Branch   string

	// address_review.
	ReviewFeedback string

	// retry_with_feedback.
	ClosedPRNumber int
	HumanFeedback  string
	WhatNotToDo    string

	// fix_ci.
	CheckName  string
	Conclusion string
	DetailsURL string
}

// AgentBranch is the working branch for a fresh run on an issue.
func AgentBranch(issueNumber int) string {
	return fmt.Sprintf("agent/%d", issueNumber)
}

// RetryBranch is the working branch for a retry after a closed PR.
func RetryBranch(issueNumber int) string {
	return fmt.Sprintf("agent/%d-retry", issueNumber)
}

// BuildPrompt renders the full agent prompt for a mode. Pure function:
// no store or tracker access.
func BuildPrompt(mode store.ExecutionMode, in PromptInput) string {
	var b strings.Builder
	b.WriteString(basePrompt(in))

	switch mode {
	case store.ModeImplement:
		b.WriteString(implementSection(in))
	case store.ModePlan:
		b.WriteString(planSection())
	case store.ModeAddressReview:
		b.WriteString(addressReviewSection(in))
	case store.ModeRetryWithFeedback:
		b.WriteString(retrySection(in))
	case store.ModeFixCI:
		b.WriteString(fixCISection(in))
	}

	if len(in.Checkpoint) > 0 {
		b.WriteString(checkpointSection(in.Checkpoint))
	}
	if in.Clarification != "" {
		b.WriteString(clarificationSection(in.Clarification))
	}
	if len(in.Nudges) > 0 {
		b.WriteString(nudgeSection(in.Nudges))
	}
	return b.String()
}

func basePrompt(in PromptInput) string {
	issue := in.Issue
	body := issue.Body
	if body == "" {
		body = "(no description)"
	}
	return fmt.Sprintf(`You are a senior software engineer working on a GitHub issue.

## Repository
- Repo: %s

## Your Task
Issue #%d: %s

%s

## Rules
1. Work ONLY on what the issue asks for. Do not refactor unrelated code.
2. Write tests for your changes.
3. Run existing tests and make sure they pass.
4. Follow the existing code style in the repo.
5. Make atomic, well-described commits.
6. If you are BLOCKED and need human input:
   - Post a comment on the issue using: gh issue comment %d --repo %s --body "..."
   - Explain exactly what you need answered
   - Then EXIT
7. When done:
   - Push your branch
   - Create a PR using: gh pr create --title "..." --body "..."
   - Link the PR to the issue with "Closes #%d" in the body
`, in.Repo, issue.Number, issue.Title, body, issue.Number, in.Repo, issue.Number)
}

func implementSection(in PromptInput) string {
	branch := AgentBranch(in.Issue.Number)
	return fmt.Sprintf(`
## Setup
Create and checkout a working branch:
`+"```bash"+`
git checkout -b %s
`+"```"+`

After implementation:
`+"```bash"+`
git push -u origin %s
`+"```"+`
`, branch, branch)
}

func planSection() string {
	return `
## IMPORTANT: Planning mode. Do NOT write code.

Break this issue into independent sub-tasks that can each be implemented
and reviewed on their own. Do not implement anything and do not create
branches or pull requests.

Respond with ONLY a JSON object in this exact shape:
` + "```json" + `
{
  "sub_issues": [
    {"title": "...", "body": "...", "depends_on": []}
  ]
}
` + "```" + `

depends_on lists the 1-based positions of sub-tasks that must finish
first. Keep the plan between 2 and 7 sub-tasks.
`
}

func addressReviewSection(in PromptInput) string {
	branch := in.Branch
	if branch == "" {
		branch = AgentBranch(in.Issue.Number)
	}
	return fmt.Sprintf(`
## IMPORTANT: You are addressing review feedback on PR #%d

Previous work is already on branch: %s
Checkout that branch (don't create a new one):
`+"```bash"+`
git checkout %s
git pull origin %s
`+"```"+`

Review comments to address:
%s

Address each comment. Push new commits to the same branch.
Do NOT force push. Do NOT squash. Add commits on top.
`+"```bash"+`
git push origin %s
`+"```"+`
`, in.PRNumber, branch, branch, branch, in.ReviewFeedback, branch)
}

func retrySection(in PromptInput) string {
	branch := RetryBranch(in.Issue.Number)
	feedback := in.HumanFeedback
	if feedback == "" {
		feedback = "(no comment was left; the PR was closed without explanation)"
	}
	return fmt.Sprintf(`
## IMPORTANT: A previous attempt was made and the PR was closed.

Previous PR #%d was closed by a human.
Here is what they said:
%s

Here is what the previous attempt did (so you understand what NOT to repeat):
%s

Take a DIFFERENT approach based on the feedback. Start fresh:
`+"```bash"+`
git checkout -b %s
`+"```"+`

After implementation:
`+"```bash"+`
git push -u origin %s
`+"```"+`
`, in.ClosedPRNumber, feedback, in.WhatNotToDo, branch, branch)
}

func fixCISection(in PromptInput) string {
	branch := in.Branch
	if branch == "" {
		branch = AgentBranch(in.Issue.Number)
	}
	details := in.DetailsURL
	if details == "" {
		details = "(no details link)"
	}
	return fmt.Sprintf(`
## IMPORTANT: CI is failing on PR #%d

Previous work is on branch: %s
Failing check: %s (%s)
Details: %s

Checkout the branch and make CI pass:
`+"```bash"+`
git checkout %s
git pull origin %s
`+"```"+`

Reproduce the failure locally, fix it, and push new commits to the same
branch. Do NOT force push. Do NOT change unrelated code.
`+"```bash"+`
git push origin %s
`+"```"+`
`, in.PRNumber, branch, in.CheckName, in.Conclusion, details, branch, branch, branch)
}

func checkpointSection(checkpoint map[string]any) string {
	decisions := checkpointField(checkpoint, "decisions_made")
	summary := checkpointField(checkpoint, "context_summary")
	return fmt.Sprintf(`
## Previous Context
Here's what the previous agent run did, for your reference:
- Decisions made: %s
- Context: %s
`, decisions, summary)
}

func checkpointField(checkpoint map[string]any, key string) string {
	v, ok := checkpoint[key]
	if !ok || v == nil {
		return "N/A"
	}
	if s, isString := v.(string); isString {
		if s == "" {
			return "N/A"
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func clarificationSection(clarification string) string {
	return fmt.Sprintf(`
## Clarification
A human answered the blocking question on the issue:

%s
`, clarification)
}

func nudgeSection(nudges []string) string {
	var b strings.Builder
	b.WriteString("\n## Nudges\nThese requests arrived while the issue was waiting:\n")
	for _, n := range nudges {
		b.WriteString("- ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	return b.String()
}
