// Package filesystem implements the issue tracker on local markdown
// files. It exists for development and testing without a real GitHub
// repository; it has no pull requests, so it does not implement the PR
// source.
//
// Issues are stored one per file as markdown with YAML frontmatter:
//
//	---
//	id: 1
//	title: Issue title
//	status: open
//	labels:
//	    - bug
//	---
//
//	Issue description.
//
//	## Comments
//
//	### 2024-01-15T10:30:00Z
//	First comment text
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-grid/agent-grid/internal/tracker"
)

var (
	frontmatterRe   = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n`)
	commentsRe      = regexp.MustCompile(`(?s)## Comments\n(.*)`)
	commentHeaderRe = regexp.MustCompile(`(?m)^### (\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\s*$`)
)

// ErrIssueNotFound is returned when no file exists for an issue number.
var ErrIssueNotFound = errors.New("issue not found")

type frontmatter struct {
	ID        int       `yaml:"id"`
	Title     string    `yaml:"title"`
	Status    string    `yaml:"status"`
	Labels    []string  `yaml:"labels"`
	ParentID  int       `yaml:"parent_id,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Client is a filesystem-backed issue tracker rooted at a directory.
type Client struct {
	dir string

	// mu serializes id allocation and read-modify-write cycles within
	// this process; nothing guards against concurrent external writers.
	mu sync.Mutex
}

var _ tracker.Client = (*Client)(nil)

// New creates a filesystem tracker rooted at dir, creating it if needed.
func New(dir string) (*Client, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create issues directory: %w", err)
	}
	return &Client{dir: dir}, nil
}

func (c *Client) issuePath(number int) string {
	return filepath.Join(c.dir, fmt.Sprintf("%d.md", number))
}

// nextID allocates the next issue number. Caller holds mu.
func (c *Client) nextID() (int, error) {
	idPath := filepath.Join(c.dir, ".next_id")
	current := 1
	if raw, err := os.ReadFile(idPath); err == nil {
		n, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr != nil {
			return 0, fmt.Errorf("corrupt id counter: %w", convErr)
		}
		current = n
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	if err := os.WriteFile(idPath, []byte(strconv.Itoa(current+1)), 0o644); err != nil {
		return 0, err
	}
	return current, nil
}

func (c *Client) parseIssue(number int, content string) (*tracker.Issue, error) {
	fmMatch := frontmatterRe.FindStringSubmatchIndex(content)
	if fmMatch == nil {
		return nil, fmt.Errorf("issue %d: missing frontmatter", number)
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(content[fmMatch[2]:fmMatch[3]]), &fm); err != nil {
		return nil, fmt.Errorf("issue %d: bad frontmatter: %w", number, err)
	}

	remaining := content[fmMatch[1]:]
	body := remaining
	commentsSection := ""
	if m := commentsRe.FindStringSubmatchIndex(remaining); m != nil {
		body = remaining[:m[0]]
		commentsSection = remaining[m[2]:m[3]]
	}

	status := tracker.IssueStatus(fm.Status)
	if status == "" {
		status = tracker.StatusOpen
	}

	issue := &tracker.Issue{
		ID:        strconv.Itoa(fm.ID),
		Number:    fm.ID,
		Title:     fm.Title,
		Body:      strings.TrimSpace(body),
		Status:    status,
		Labels:    fm.Labels,
		RepoURL:   "file://" + c.dir,
		HTMLURL:   "file://" + c.issuePath(fm.ID),
		Comments:  parseComments(commentsSection),
		CreatedAt: fm.CreatedAt,
		UpdatedAt: fm.UpdatedAt,
	}
	if fm.ID == 0 {
		issue.ID = strconv.Itoa(number)
		issue.Number = number
	}
	if fm.ParentID != 0 {
		issue.ParentID = strconv.Itoa(fm.ParentID)
	}
	return issue, nil
}

func parseComments(section string) []tracker.Comment {
	headers := commentHeaderRe.FindAllStringSubmatchIndex(section, -1)
	var comments []tracker.Comment
	for i, h := range headers {
		ts, err := time.Parse(time.RFC3339, section[h[2]:h[3]])
		if err != nil {
			continue
		}
		end := len(section)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		comments = append(comments, tracker.Comment{
			ID:        strconv.Itoa(len(comments) + 1),
			Body:      strings.TrimSpace(section[h[1]:end]),
			CreatedAt: ts,
		})
	}
	return comments
}

func (c *Client) serializeIssue(issue *tracker.Issue) (string, error) {
	fm := frontmatter{
		ID:        issue.Number,
		Title:     issue.Title,
		Status:    string(issue.Status),
		Labels:    issue.Labels,
		CreatedAt: issue.CreatedAt,
		UpdatedAt: issue.UpdatedAt,
	}
	if issue.ParentID != "" {
		n, err := strconv.Atoi(issue.ParentID)
		if err != nil {
			return "", fmt.Errorf("bad parent id %q: %w", issue.ParentID, err)
		}
		fm.ParentID = n
	}

	raw, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("marshal frontmatter: %w", err)
	}

	parts := []string{"---", strings.TrimSpace(string(raw)), "---", "", issue.Body}
	if len(issue.Comments) > 0 {
		parts = append(parts, "", "## Comments", "")
		for _, cm := range issue.Comments {
			parts = append(parts, "### "+cm.CreatedAt.UTC().Format(time.RFC3339), cm.Body, "")
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (c *Client) readIssue(number int) (*tracker.Issue, error) {
	raw, err := os.ReadFile(c.issuePath(number))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("issue %d: %w", number, ErrIssueNotFound)
		}
		return nil, err
	}
	return c.parseIssue(number, string(raw))
}

func (c *Client) writeIssue(issue *tracker.Issue) error {
	content, err := c.serializeIssue(issue)
	if err != nil {
		return err
	}
	return os.WriteFile(c.issuePath(issue.Number), []byte(content), 0o644)
}

// GetIssue reads a single issue with its comments.
func (c *Client) GetIssue(_ context.Context, _ string, number int) (*tracker.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readIssue(number)
}

// ListIssues returns all issues matching opts, sorted by number.
func (c *Client) ListIssues(_ context.Context, _ string, opts tracker.ListOptions) ([]*tracker.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked(func(issue *tracker.Issue) bool {
		if opts.Status != "" && issue.Status != opts.Status {
			return false
		}
		for _, l := range opts.Labels {
			if !issue.HasLabel(l) {
				return false
			}
		}
		return true
	})
}

// listLocked walks the issue directory applying keep. Caller holds mu.
// Unparsable files are skipped.
func (c *Client) listLocked(keep func(*tracker.Issue) bool) ([]*tracker.Issue, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "*.md"))
	if err != nil {
		return nil, err
	}

	var issues []*tracker.Issue
	for _, path := range paths {
		name := filepath.Base(path)
		if strings.HasPrefix(name, ".") {
			continue
		}
		number, convErr := strconv.Atoi(strings.TrimSuffix(name, ".md"))
		if convErr != nil {
			continue
		}
		issue, readErr := c.readIssue(number)
		if readErr != nil {
			continue
		}
		if keep(issue) {
			issues = append(issues, issue)
		}
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Number < issues[j].Number })
	return issues, nil
}

// ListSubIssues returns issues whose parent_id equals parent.
func (c *Client) ListSubIssues(_ context.Context, _ string, parent int) ([]*tracker.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	want := strconv.Itoa(parent)
	return c.listLocked(func(issue *tracker.Issue) bool {
		return issue.ParentID == want
	})
}

// CreateIssue creates a new top-level issue.
func (c *Client) CreateIssue(_ context.Context, _ string, title, body string, labels []string) (*tracker.Issue, error) {
	return c.create(title, body, labels, 0)
}

// CreateSubIssue creates an issue with parent_id set.
func (c *Client) CreateSubIssue(_ context.Context, _ string, parent int, title, body string, labels []string) (*tracker.Issue, error) {
	return c.create(title, body, labels, parent)
}

func (c *Client) create(title, body string, labels []string, parent int) (*tracker.Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	number, err := c.nextID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	issue := &tracker.Issue{
		ID:        strconv.Itoa(number),
		Number:    number,
		Title:     title,
		Body:      body,
		Status:    tracker.StatusOpen,
		Labels:    labels,
		RepoURL:   "file://" + c.dir,
		HTMLURL:   "file://" + c.issuePath(number),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if parent != 0 {
		issue.ParentID = strconv.Itoa(parent)
	}

	if err := c.writeIssue(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// AddComment appends a comment to the issue file.
func (c *Client) AddComment(_ context.Context, _ string, number int, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.readIssue(number)
	if err != nil {
		return err
	}
	issue.Comments = append(issue.Comments, tracker.Comment{
		ID:        strconv.Itoa(len(issue.Comments) + 1),
		Body:      body,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	})
	issue.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return c.writeIssue(issue)
}

// SetIssueStatus rewrites the issue with the new status.
func (c *Client) SetIssueStatus(_ context.Context, _ string, number int, status tracker.IssueStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.readIssue(number)
	if err != nil {
		return err
	}
	issue.Status = status
	issue.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return c.writeIssue(issue)
}

// AddLabel adds a label if not already present.
func (c *Client) AddLabel(_ context.Context, _ string, number int, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.readIssue(number)
	if err != nil {
		return err
	}
	if issue.HasLabel(label) {
		return nil
	}
	issue.Labels = append(issue.Labels, label)
	issue.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return c.writeIssue(issue)
}

// RemoveLabel removes a label. Removing an absent label is a no-op.
func (c *Client) RemoveLabel(_ context.Context, _ string, number int, label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	issue, err := c.readIssue(number)
	if err != nil {
		return err
	}
	kept := issue.Labels[:0]
	removed := false
	for _, l := range issue.Labels {
		if strings.EqualFold(l, label) {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	if !removed {
		return nil
	}
	issue.Labels = kept
	issue.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	return c.writeIssue(issue)
}

// CreateLabel is a no-op; file-based labels are free-form strings.
func (c *Client) CreateLabel(context.Context, string, string, string) error {
	return nil
}

// Close is a no-op for the filesystem tracker.
func (c *Client) Close() error {
	return nil
}
