// Package github implements the issue-tracker interface against the
// GitHub REST API. It also implements the PR source used by the review
// sweeps, since pull requests only exist on this tracker.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agent-grid/agent-grid/internal/metrics"
	"github.com/agent-grid/agent-grid/internal/tracker"
)

const (
	githubAPIURL = "https://api.github.com"

	// subissueLabel marks issues created as children of an epic. The
	// parent link itself lives in the body ("Parent: #N").
	subissueLabel = "subissue"

	maxAPIRetries = 3
)

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration // from the Retry-After header, if present
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client is a GitHub API client implementing tracker.Client and
// tracker.PRSource.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string // for testing, defaults to githubAPIURL
}

// NewClient creates a new GitHub client.
func NewClient(token string) *Client {
	return NewClientWithBaseURL(token, githubAPIURL)
}

// NewClientWithBaseURL creates a GitHub client against a custom base URL
// (for testing).
func NewClientWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:   token,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

var (
	_ tracker.Client   = (*Client)(nil)
	_ tracker.PRSource = (*Client)(nil)
)

// doRequest performs one HTTP request against the GitHub API.
func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.TrackerCalls.WithLabelValues(method, "transport_error").Inc()
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.TrackerCalls.WithLabelValues(method, "api_error").Inc()
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, convErr := strconv.Atoi(s); convErr == nil && secs > 0 {
				apiErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		// GitHub's rate-limit window is one minute when no hint is given.
		if resp.StatusCode == http.StatusTooManyRequests && apiErr.RetryAfter == 0 {
			apiErr.RetryAfter = time.Minute
		}
		return apiErr
	}
	metrics.TrackerCalls.WithLabelValues(method, "ok").Inc()

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// retryAfterBackOff defers to the server's Retry-After hint when one was
// supplied, falling back to exponential backoff otherwise.
type retryAfterBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if *b.hint > 0 {
		d := *b.hint
		*b.hint = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

// withRetry runs a mutating API call with bounded exponential backoff.
// Client errors other than 429 never retry; transport errors and 5xx do.
func (c *Client) withRetry(ctx context.Context, op func() error) error {
	var hint time.Duration
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	wrapped := &retryAfterBackOff{
		BackOff: backoff.WithMaxRetries(bo, maxAPIRetries),
		hint:    &hint,
	}

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			hint = apiErr.RetryAfter
		}
		return err
	}, backoff.WithContext(wrapped, ctx))
}

// Wire representations of GitHub API objects.
type wireUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type wireLabel struct {
	Name string `json:"name"`
}

type wireIssue struct {
	Number    int         `json:"number"`
	Title     string      `json:"title"`
	Body      string      `json:"body"`
	State     string      `json:"state"`
	Labels    []wireLabel `json:"labels"`
	HTMLURL   string      `json:"html_url"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type wireComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      wireUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

type wirePull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	MergedAt  *time.Time `json:"merged_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type wireReview struct {
	State       string    `json:"state"`
	Body        string    `json:"body"`
	User        wireUser  `json:"user"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type wireReviewComment struct {
	Path      string    `json:"path"`
	Body      string    `json:"body"`
	User      wireUser  `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func parseIssue(repo string, w *wireIssue) *tracker.Issue {
	labels := make([]string, 0, len(w.Labels))
	for _, l := range w.Labels {
		labels = append(labels, l.Name)
	}

	status := tracker.StatusOpen
	switch {
	case w.State == "closed":
		status = tracker.StatusClosed
	case hasLabel(labels, "in-progress"):
		status = tracker.StatusInProgress
	}

	return &tracker.Issue{
		ID:        strconv.Itoa(w.Number),
		Number:    w.Number,
		Title:     w.Title,
		Body:      w.Body,
		Status:    status,
		Labels:    labels,
		RepoURL:   "https://github.com/" + repo,
		HTMLURL:   w.HTMLURL,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

func parseComment(w *wireComment) tracker.Comment {
	return tracker.Comment{
		ID:         strconv.FormatInt(w.ID, 10),
		Body:       w.Body,
		Author:     w.User.Login,
		AuthorType: w.User.Type,
		CreatedAt:  w.CreatedAt,
	}
}

func parsePull(w *wirePull) *tracker.PullRequest {
	pr := &tracker.PullRequest{
		Number:    w.Number,
		Title:     w.Title,
		Body:      w.Body,
		Branch:    w.Head.Ref,
		HTMLURL:   w.HTMLURL,
		Merged:    w.MergedAt != nil,
		UpdatedAt: w.UpdatedAt,
	}
	if w.ClosedAt != nil {
		pr.ClosedAt = *w.ClosedAt
	}
	return pr
}

// GetIssue fetches an issue together with its comments.
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*tracker.Issue, error) {
	var w wireIssue
	path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &w); err != nil {
		return nil, err
	}
	issue := parseIssue(repo, &w)

	var comments []wireComment
	commentsPath := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", repo, number)
	if err := c.doRequest(ctx, http.MethodGet, commentsPath, nil, &comments); err != nil {
		return nil, err
	}
	for i := range comments {
		issue.Comments = append(issue.Comments, parseComment(&comments[i]))
	}

	return issue, nil
}

// ListIssues returns brief issues matching opts. GitHub's label query is
// case-sensitive, so label filtering happens here after the fetch.
func (c *Client) ListIssues(ctx context.Context, repo string, opts tracker.ListOptions) ([]*tracker.Issue, error) {
	state := "all"
	switch opts.Status {
	case tracker.StatusOpen, tracker.StatusInProgress:
		state = "open"
	case tracker.StatusClosed:
		state = "closed"
	}

	var wires []wireIssue
	path := fmt.Sprintf("/repos/%s/issues?state=%s&per_page=100", repo, state)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}

	var issues []*tracker.Issue
	for i := range wires {
		issue := parseIssue(repo, &wires[i])
		if opts.Status != "" && issue.Status != opts.Status && !(opts.Status == tracker.StatusOpen && issue.Status == tracker.StatusInProgress) {
			continue
		}
		if !hasAllLabels(issue, opts.Labels) {
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func hasAllLabels(issue *tracker.Issue, want []string) bool {
	for _, l := range want {
		if !issue.HasLabel(l) {
			return false
		}
	}
	return true
}

// ListSubIssues returns issues created as children of parent. Children
// carry the subissue label and reference the parent in their body.
func (c *Client) ListSubIssues(ctx context.Context, repo string, parent int) ([]*tracker.Issue, error) {
	var wires []wireIssue
	path := fmt.Sprintf("/repos/%s/issues?labels=%s&state=all&per_page=100", repo, subissueLabel)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}

	parentRef := fmt.Sprintf("#%d", parent)
	var subs []*tracker.Issue
	for i := range wires {
		if !strings.Contains(wires[i].Body, parentRef) {
			continue
		}
		issue := parseIssue(repo, &wires[i])
		issue.ParentID = strconv.Itoa(parent)
		subs = append(subs, issue)
	}
	return subs, nil
}

// CreateSubIssue creates a child issue linked to parent via a body
// reference and the subissue label.
func (c *Client) CreateSubIssue(ctx context.Context, repo string, parent int, title, body string, labels []string) (*tracker.Issue, error) {
	fullBody := fmt.Sprintf("Parent: #%d\n\n%s", parent, body)

	all := append([]string{}, labels...)
	if !hasLabel(all, subissueLabel) {
		all = append(all, subissueLabel)
	}

	input := map[string]any{
		"title":  title,
		"body":   fullBody,
		"labels": all,
	}

	var w wireIssue
	err := c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues", repo)
		return c.doRequest(ctx, http.MethodPost, path, input, &w)
	})
	if err != nil {
		return nil, err
	}

	issue := parseIssue(repo, &w)
	issue.ParentID = strconv.Itoa(parent)
	return issue, nil
}

// AddComment posts a comment on an issue.
func (c *Client) AddComment(ctx context.Context, repo string, number int, body string) error {
	return c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
		return c.doRequest(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
	})
}

// SetIssueStatus opens or closes the issue. The in_progress status maps
// to an open issue carrying the in-progress label.
func (c *Client) SetIssueStatus(ctx context.Context, repo string, number int, status tracker.IssueStatus) error {
	state := "closed"
	if status == tracker.StatusOpen || status == tracker.StatusInProgress {
		state = "open"
	}

	err := c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d", repo, number)
		return c.doRequest(ctx, http.MethodPatch, path, map[string]string{"state": state}, nil)
	})
	if err != nil {
		return err
	}

	if status == tracker.StatusInProgress {
		return c.AddLabel(ctx, repo, number, "in-progress")
	}
	return c.RemoveLabel(ctx, repo, number, "in-progress")
}

// AddLabel adds a label to an issue without touching others.
func (c *Client) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
		return c.doRequest(ctx, http.MethodPost, path, map[string][]string{"labels": {label}}, nil)
	})
}

// RemoveLabel removes a label from an issue. A 404 means the label was
// not there, which counts as success.
func (c *Client) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label))
		err := c.doRequest(ctx, http.MethodDelete, path, nil, nil)
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

// CreateLabel defines a label in the repository. A 422 means it already
// exists, which counts as success.
func (c *Client) CreateLabel(ctx context.Context, repo, name, color string) error {
	return c.withRetry(ctx, func() error {
		path := fmt.Sprintf("/repos/%s/labels", repo)
		err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"name": name, "color": color}, nil)
		if isStatus(err, http.StatusUnprocessableEntity) {
			return nil
		}
		return err
	})
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ListOpenPullRequests returns all open pull requests.
func (c *Client) ListOpenPullRequests(ctx context.Context, repo string) ([]*tracker.PullRequest, error) {
	var wires []wirePull
	path := fmt.Sprintf("/repos/%s/pulls?state=open&per_page=100", repo)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	prs := make([]*tracker.PullRequest, 0, len(wires))
	for i := range wires {
		prs = append(prs, parsePull(&wires[i]))
	}
	return prs, nil
}

// ListClosedPullRequests returns recently closed pull requests, most
// recently updated first.
func (c *Client) ListClosedPullRequests(ctx context.Context, repo string) ([]*tracker.PullRequest, error) {
	var wires []wirePull
	path := fmt.Sprintf("/repos/%s/pulls?state=closed&per_page=50&sort=updated&direction=desc", repo)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	prs := make([]*tracker.PullRequest, 0, len(wires))
	for i := range wires {
		prs = append(prs, parsePull(&wires[i]))
	}
	return prs, nil
}

// ListReviews returns all submitted reviews on a pull request.
func (c *Client) ListReviews(ctx context.Context, repo string, number int) ([]*tracker.Review, error) {
	var wires []wireReview
	path := fmt.Sprintf("/repos/%s/pulls/%d/reviews?per_page=100", repo, number)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	reviews := make([]*tracker.Review, 0, len(wires))
	for _, w := range wires {
		reviews = append(reviews, &tracker.Review{
			State:       w.State,
			Body:        w.Body,
			Author:      w.User.Login,
			SubmittedAt: w.SubmittedAt,
		})
	}
	return reviews, nil
}

// ListReviewComments returns inline diff comments on a pull request.
func (c *Client) ListReviewComments(ctx context.Context, repo string, number int) ([]*tracker.ReviewComment, error) {
	var wires []wireReviewComment
	path := fmt.Sprintf("/repos/%s/pulls/%d/comments?per_page=100", repo, number)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	comments := make([]*tracker.ReviewComment, 0, len(wires))
	for _, w := range wires {
		comments = append(comments, &tracker.ReviewComment{
			Path:      w.Path,
			Body:      w.Body,
			Author:    w.User.Login,
			CreatedAt: w.CreatedAt,
		})
	}
	return comments, nil
}

// ListIssueCommentsSince returns conversation comments on an issue or
// pull request created at or after since.
func (c *Client) ListIssueCommentsSince(ctx context.Context, repo string, number int, since time.Time) ([]*tracker.Comment, error) {
	var wires []wireComment
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=50", repo, number)
	if !since.IsZero() {
		path += "&since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &wires); err != nil {
		return nil, err
	}
	comments := make([]*tracker.Comment, 0, len(wires))
	for i := range wires {
		cm := parseComment(&wires[i])
		comments = append(comments, &cm)
	}
	return comments, nil
}
