package local

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// setupSourceRepo creates a git repository with one commit to clone from.
func setupSourceRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, out)
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repo\n"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	for _, args := range [][]string{
		{"add", "."},
		{"commit", "-m", "initial commit"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, out)
		}
	}
	return dir
}

// setupBareRepo mirrors the source repo into a bare clone that accepts
// pushes.
func setupBareRepo(t *testing.T) string {
	t.Helper()

	src := setupSourceRepo(t)
	bare := filepath.Join(t.TempDir(), "origin.git")
	if out, err := exec.Command("git", "clone", "--bare", src, bare).CombinedOutput(); err != nil {
		t.Fatalf("git clone --bare failed: %v: %s", err, out)
	}
	return bare
}

func TestCloneCreatesIsolatedWorkspace(t *testing.T) {
	src := setupSourceRepo(t)
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	id := uuid.New()
	dir, err := w.Clone(ctx, id, src)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if dir != w.Path(id) {
		t.Errorf("Clone returned %s, want %s", dir, w.Path(id))
	}
	if _, err := os.Stat(filepath.Join(dir, "README.md")); err != nil {
		t.Errorf("expected cloned README.md: %v", err)
	}
}

func TestCloneReplacesLeftoverWorkspace(t *testing.T) {
	src := setupSourceRepo(t)
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	id := uuid.New()
	leftover := filepath.Join(w.Path(id), "stale.txt")
	if err := os.MkdirAll(w.Path(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(leftover, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Clone(ctx, id, src); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Error("expected leftover file to be removed by fresh clone")
	}
}

func TestCloneFailsForMissingRepo(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	_, err := w.Clone(ctx, uuid.New(), filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected clone error")
	}
	if !strings.Contains(err.Error(), "failed to clone repository") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCreateBranchSwitchesWorkspace(t *testing.T) {
	src := setupSourceRepo(t)
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	id := uuid.New()
	dir, err := w.Clone(ctx, id, src)
	if err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if err := w.CreateBranch(ctx, id, "agent/7"); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git rev-parse failed: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "agent/7" {
		t.Errorf("current branch = %s, want agent/7", got)
	}
}

func TestPushPublishesBranch(t *testing.T) {
	origin := setupBareRepo(t)
	w := NewWorkspaces(t.TempDir())
	ctx := context.Background()

	id := uuid.New()
	if _, err := w.Clone(ctx, id, origin); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if err := w.CreateBranch(ctx, id, "agent/42"); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if err := w.Push(ctx, id, "agent/42"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	cmd := exec.Command("git", "--git-dir", origin, "rev-parse", "--verify", "refs/heads/agent/42")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Errorf("expected agent/42 on origin: %v: %s", err, out)
	}
}

func TestRemoveAndRemoveAll(t *testing.T) {
	src := setupSourceRepo(t)
	base := t.TempDir()
	w := NewWorkspaces(base)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	if _, err := w.Clone(ctx, first, src); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}
	if _, err := w.Clone(ctx, second, src); err != nil {
		t.Fatalf("Clone failed: %v", err)
	}

	if err := w.Remove(first); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(w.Path(first)); !os.IsNotExist(err) {
		t.Error("expected first workspace to be removed")
	}
	if _, err := os.Stat(w.Path(second)); err != nil {
		t.Errorf("expected second workspace to survive: %v", err)
	}

	if err := w.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}
	if _, err := os.Stat(w.Path(second)); !os.IsNotExist(err) {
		t.Error("expected second workspace to be removed")
	}
}
