package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspaces manages per-execution repository clones under a base directory.
// Each execution works in an isolated shallow clone named by its ID.
type Workspaces struct {
	base string
}

// NewWorkspaces creates a workspace manager rooted at base.
func NewWorkspaces(base string) *Workspaces {
	return &Workspaces{base: base}
}

// Path returns the working directory for an execution.
func (w *Workspaces) Path(executionID uuid.UUID) string {
	return filepath.Join(w.base, executionID.String())
}

// Clone checks out a fresh shallow clone for the execution, replacing any
// leftover directory from a previous attempt.
func (w *Workspaces) Clone(ctx context.Context, executionID uuid.UUID, repoURL string) (string, error) {
	dir := w.Path(executionID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to reset workspace: %w", err)
	}
	if err := os.MkdirAll(w.base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace base: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to clone repository: %w: %s", err, output)
	}
	return dir, nil
}

// CreateBranch creates and checks out a working branch in the execution
// workspace.
func (w *Workspaces) CreateBranch(ctx context.Context, executionID uuid.UUID, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "checkout", "-b", branch)
	cmd.Dir = w.Path(executionID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create branch: %w: %s", err, output)
	}
	return nil
}

// Push pushes the working branch to origin.
func (w *Workspaces) Push(ctx context.Context, executionID uuid.UUID, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	cmd.Dir = w.Path(executionID)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to push branch: %w: %s", err, output)
	}
	return nil
}

// Remove deletes one execution workspace.
func (w *Workspaces) Remove(executionID uuid.UUID) error {
	return os.RemoveAll(w.Path(executionID))
}

// RemoveAll deletes every execution workspace under the base directory.
func (w *Workspaces) RemoveAll() error {
	entries, err := os.ReadDir(w.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.base, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
