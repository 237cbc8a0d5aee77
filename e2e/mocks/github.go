package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// botLogin is the user the mock attributes coordinator-posted comments
// to, so human-reply detection sees them as bot traffic.
const botLogin = "agent-grid[bot]"

// Issue is the mock's record of one issue, in GitHub wire shape.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []Label   `json:"labels"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Label is a named issue label.
type Label struct {
	Name string `json:"name"`
}

// User identifies a comment or review author.
type User struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

// Comment is one issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// PullRequest is the mock's record of one pull request.
type PullRequest struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	Head      Head       `json:"head"`
	MergedAt  *time.Time `json:"merged_at"`
	ClosedAt  *time.Time `json:"closed_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Head is the source branch of a pull request.
type Head struct {
	Ref string `json:"ref"`
}

// Review is one submitted pull-request review.
type Review struct {
	State       string    `json:"state"`
	Body        string    `json:"body"`
	User        User      `json:"user"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ReviewComment is one inline review comment.
type ReviewComment struct {
	Path      string    `json:"path"`
	Body      string    `json:"body"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// GitHub is an in-memory GitHub API server covering the endpoints the
// tracker client calls. It keeps issue, comment, pull-request and review
// state across requests, so a test can drive the coordinator against it
// and then assert on labels and posted comments.
type GitHub struct {
	server *httptest.Server

	mu             sync.RWMutex
	issues         map[int]*Issue
	comments       map[int][]Comment
	pulls          map[int]*PullRequest
	reviews        map[int][]Review
	reviewComments map[int][]ReviewComment
	repoLabels     map[string]string
	nextIssue      int
	nextComment    int64
}

// NewGitHub starts the mock server.
func NewGitHub() *GitHub {
	g := &GitHub{
		issues:         make(map[int]*Issue),
		comments:       make(map[int][]Comment),
		pulls:          make(map[int]*PullRequest),
		reviews:        make(map[int][]Review),
		reviewComments: make(map[int][]ReviewComment),
		repoLabels:     make(map[string]string),
		nextIssue:      1,
		nextComment:    1,
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.route))
	return g
}

// URL returns the base URL of the mock server.
func (g *GitHub) URL() string {
	return g.server.URL
}

// Close shuts down the mock server.
func (g *GitHub) Close() {
	g.server.Close()
}

// CreateIssue seeds an open issue and returns it. Numbers are assigned
// sequentially, shared with issues created through the API.
func (g *GitHub) CreateIssue(title, body string, labels []string) *Issue {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertIssueLocked(title, body, labels)
}

func (g *GitHub) insertIssueLocked(title, body string, labels []string) *Issue {
	now := time.Now().UTC()
	issue := &Issue{
		Number:    g.nextIssue,
		Title:     title,
		Body:      body,
		State:     "open",
		HTMLURL:   fmt.Sprintf("https://github.com/x/x/issues/%d", g.nextIssue),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, l := range labels {
		issue.Labels = append(issue.Labels, Label{Name: l})
	}
	g.issues[g.nextIssue] = issue
	g.nextIssue++
	return issue
}

// Issue returns a copy of an issue, or nil when it does not exist.
func (g *GitHub) Issue(number int) *Issue {
	g.mu.RLock()
	defer g.mu.RUnlock()
	issue, ok := g.issues[number]
	if !ok {
		return nil
	}
	cp := *issue
	cp.Labels = append([]Label(nil), issue.Labels...)
	return &cp
}

// LabelNames returns the labels currently on an issue.
func (g *GitHub) LabelNames(number int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	issue, ok := g.issues[number]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		names = append(names, l.Name)
	}
	return names
}

// CommentBodies returns the bodies of all comments on an issue, oldest
// first.
func (g *GitHub) CommentBodies(number int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var bodies []string
	for _, c := range g.comments[number] {
		bodies = append(bodies, c.Body)
	}
	return bodies
}

// AddHumanComment posts a comment attributed to a human user.
func (g *GitHub) AddHumanComment(number int, author, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.appendCommentLocked(number, User{Login: author, Type: "User"}, body)
}

func (g *GitHub) appendCommentLocked(number int, user User, body string) Comment {
	c := Comment{
		ID:        g.nextComment,
		Body:      body,
		User:      user,
		CreatedAt: time.Now().UTC(),
	}
	g.nextComment++
	g.comments[number] = append(g.comments[number], c)
	return c
}

// CreatePull seeds an open pull request on the given head branch.
func (g *GitHub) CreatePull(number int, branch, title, body string) *PullRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr := &PullRequest{
		Number:    number,
		Title:     title,
		Body:      body,
		State:     "open",
		HTMLURL:   fmt.Sprintf("https://github.com/x/x/pull/%d", number),
		Head:      Head{Ref: branch},
		UpdatedAt: time.Now().UTC(),
	}
	g.pulls[number] = pr
	return pr
}

// ClosePull closes a pull request, optionally as merged.
func (g *GitHub) ClosePull(number int, merged bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	pr, ok := g.pulls[number]
	if !ok {
		return
	}
	now := time.Now().UTC()
	pr.State = "closed"
	pr.ClosedAt = &now
	pr.UpdatedAt = now
	if merged {
		pr.MergedAt = &now
	}
}

// AddReview records a submitted review on a pull request.
func (g *GitHub) AddReview(prNumber int, state, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reviews[prNumber] = append(g.reviews[prNumber], Review{
		State:       state,
		Body:        body,
		User:        User{Login: "reviewer", Type: "User"},
		SubmittedAt: time.Now().UTC(),
	})
}

// AddReviewComment records an inline review comment on a pull request.
func (g *GitHub) AddReviewComment(prNumber int, path, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reviewComments[prNumber] = append(g.reviewComments[prNumber], ReviewComment{
		Path:      path,
		Body:      body,
		User:      User{Login: "reviewer", Type: "User"},
		CreatedAt: time.Now().UTC(),
	})
}

// route dispatches /repos/{owner}/{name}/... requests. The repo segments
// are accepted as-is; the mock tracks a single repository.
func (g *GitHub) route(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "repos" {
		http.NotFound(w, r)
		return
	}
	rest := parts[3:]

	switch {
	case len(rest) == 1 && rest[0] == "issues" && r.Method == http.MethodGet:
		g.listIssues(w, r)
	case len(rest) == 1 && rest[0] == "issues" && r.Method == http.MethodPost:
		g.createIssue(w, r)
	case len(rest) == 2 && rest[0] == "issues" && r.Method == http.MethodGet:
		g.getIssue(w, atoi(rest[1]))
	case len(rest) == 2 && rest[0] == "issues" && r.Method == http.MethodPatch:
		g.patchIssue(w, r, atoi(rest[1]))
	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "comments" && r.Method == http.MethodGet:
		g.listComments(w, r, atoi(rest[1]))
	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "comments" && r.Method == http.MethodPost:
		g.createComment(w, r, atoi(rest[1]))
	case len(rest) == 3 && rest[0] == "issues" && rest[2] == "labels" && r.Method == http.MethodPost:
		g.addLabels(w, r, atoi(rest[1]))
	// The label name may itself contain slashes (ag/todo).
	case len(rest) >= 4 && rest[0] == "issues" && rest[2] == "labels" && r.Method == http.MethodDelete:
		g.removeLabel(w, atoi(rest[1]), strings.Join(rest[3:], "/"))
	case len(rest) == 1 && rest[0] == "labels" && r.Method == http.MethodPost:
		g.createRepoLabel(w, r)
	case len(rest) == 1 && rest[0] == "pulls" && r.Method == http.MethodGet:
		g.listPulls(w, r)
	case len(rest) == 3 && rest[0] == "pulls" && rest[2] == "reviews" && r.Method == http.MethodGet:
		g.listReviews(w, atoi(rest[1]))
	case len(rest) == 3 && rest[0] == "pulls" && rest[2] == "comments" && r.Method == http.MethodGet:
		g.listReviewComments(w, atoi(rest[1]))
	default:
		http.NotFound(w, r)
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func (g *GitHub) listIssues(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}
	var wantLabels []string
	if raw := r.URL.Query().Get("labels"); raw != "" {
		wantLabels = strings.Split(raw, ",")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []*Issue{}
	for _, issue := range g.issues {
		if state != "all" && issue.State != state {
			continue
		}
		if !issueHasAll(issue, wantLabels) {
			continue
		}
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	writeJSON(w, http.StatusOK, out)
}

func issueHasAll(issue *Issue, want []string) bool {
	for _, name := range want {
		found := false
		for _, l := range issue.Labels {
			if l.Name == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (g *GitHub) createIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	g.mu.Lock()
	issue := g.insertIssueLocked(req.Title, req.Body, req.Labels)
	g.mu.Unlock()
	writeJSON(w, http.StatusCreated, issue)
}

func (g *GitHub) getIssue(w http.ResponseWriter, number int) {
	g.mu.RLock()
	issue, ok := g.issues[number]
	g.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (g *GitHub) patchIssue(w http.ResponseWriter, r *http.Request, number int) {
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	issue, ok := g.issues[number]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	if req.State != "" {
		issue.State = req.State
	}
	issue.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, issue)
}

func (g *GitHub) listComments(w http.ResponseWriter, r *http.Request, number int) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, _ = time.Parse(time.RFC3339, raw)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []Comment{}
	for _, c := range g.comments[number] {
		if !since.IsZero() && c.CreatedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *GitHub) createComment(w http.ResponseWriter, r *http.Request, number int) {
	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	g.mu.Lock()
	c := g.appendCommentLocked(number, User{Login: botLogin, Type: "Bot"}, req.Body)
	g.mu.Unlock()
	writeJSON(w, http.StatusCreated, c)
}

func (g *GitHub) addLabels(w http.ResponseWriter, r *http.Request, number int) {
	var req struct {
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	issue, ok := g.issues[number]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	for _, name := range req.Labels {
		if !issueHasAll(issue, []string{name}) {
			issue.Labels = append(issue.Labels, Label{Name: name})
		}
	}
	writeJSON(w, http.StatusOK, issue.Labels)
}

func (g *GitHub) removeLabel(w http.ResponseWriter, number int, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	issue, ok := g.issues[number]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	for i, l := range issue.Labels {
		if l.Name == name {
			issue.Labels = append(issue.Labels[:i], issue.Labels[i+1:]...)
			writeJSON(w, http.StatusOK, issue.Labels)
			return
		}
	}
	// GitHub 404s when the label is not on the issue; the client treats
	// that as success.
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Label does not exist"})
}

func (g *GitHub) createRepoLabel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad request"})
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.repoLabels[req.Name]; exists {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "already_exists"})
		return
	}
	g.repoLabels[req.Name] = req.Color
	writeJSON(w, http.StatusCreated, Label{Name: req.Name})
}

func (g *GitHub) listPulls(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "open"
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []*PullRequest{}
	for _, pr := range g.pulls {
		if pr.State == state {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	writeJSON(w, http.StatusOK, out)
}

func (g *GitHub) listReviews(w http.ResponseWriter, number int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]Review{}, g.reviews[number]...)
	writeJSON(w, http.StatusOK, out)
}

func (g *GitHub) listReviewComments(w http.ResponseWriter, number int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := append([]ReviewComment{}, g.reviewComments[number]...)
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
