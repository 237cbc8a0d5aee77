package oz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/grid"
)

func testBackend(t *testing.T, cfg Config, handler http.HandlerFunc) *Backend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.APIURL = server.URL
	if cfg.APIToken == "" {
		cfg.APIToken = "oz-token"
	}
	return New(cfg)
}

func TestLaunchCreatesRun(t *testing.T) {
	var req runRequest
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/agent/run" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer oz-token" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		fmt.Fprint(w, `{"run_id": "oz-run-1"}`)
	})

	runID, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      "implement issue 42",
		Mode:        "implement",
		IssueNumber: 42,
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if runID != "oz-run-1" {
		t.Errorf("run handle = %s, want oz-run-1", runID)
	}
	if req.Prompt != "implement issue 42" {
		t.Errorf("prompt = %q", req.Prompt)
	}
	if req.Title != "Issue #42 (implement)" {
		t.Errorf("title = %q", req.Title)
	}
	if req.Config != nil {
		t.Errorf("expected no run config, got %+v", req.Config)
	}
}

func TestLaunchTitleWithoutIssue(t *testing.T) {
	var req runRequest
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprint(w, `{"run_id": "oz-run-2"}`)
	})

	if _, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		Prompt:      "clean up stale branches",
		Mode:        "plan",
	}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if req.Title != "Agent run (plan)" {
		t.Errorf("title = %q", req.Title)
	}
}

func TestLaunchForwardsEnvironmentAndModel(t *testing.T) {
	var req runRequest
	backend := testBackend(t, Config{EnvironmentID: "env-7", ModelID: "model-3"}, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprint(w, `{"run_id": "oz-run-3"}`)
	})

	if _, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		Prompt:      "implement",
		Mode:        "implement",
		IssueNumber: 1,
	}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if req.Config == nil {
		t.Fatal("expected run config")
	}
	if req.Config.EnvironmentID != "env-7" || req.Config.APIModelID != "model-3" {
		t.Errorf("config = %+v", req.Config)
	}
}

func TestPollExtractsPullRequestArtifact(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/runs/oz-run-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"run_id": "oz-run-1",
			"state": "SUCCEEDED",
			"status_message": {"message": "Opened PR with the fix"},
			"artifacts": [
				{"artifact_type": "LOG", "data": {"url": "https://oz.dev/logs/1"}},
				{"artifact_type": "PULL_REQUEST", "data": {"branch": "agent/42", "url": "https://github.com/acme/widgets/pull/123"}}
			]
		}`)
	})

	status, err := backend.Poll(context.Background(), "oz-run-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != grid.RunSucceeded {
		t.Errorf("state = %s, want succeeded", status.State)
	}
	if status.Result != "Opened PR with the fix" {
		t.Errorf("result = %q", status.Result)
	}
	if status.Branch != "agent/42" {
		t.Errorf("branch = %q", status.Branch)
	}
	if status.PRURL != "https://github.com/acme/widgets/pull/123" {
		t.Errorf("pr_url = %q", status.PRURL)
	}
	if status.PRNumber != 123 {
		t.Errorf("pr_number = %d", status.PRNumber)
	}
}

func TestPollMapsRunStates(t *testing.T) {
	tests := []struct {
		ozState string
		want    grid.RunState
	}{
		{"PENDING", grid.RunPending},
		{"QUEUED", grid.RunPending},
		{"INITIALIZING", grid.RunPending},
		{"RUNNING", grid.RunRunning},
		{"SUCCEEDED", grid.RunSucceeded},
		{"FAILED", grid.RunFailed},
		{"CANCELLED", grid.RunCancelled},
		{"SOMETHING_NEW", grid.RunRunning},
	}

	for _, tt := range tests {
		state := tt.ozState
		backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"run_id": "oz-run-1", "state": %q}`, state)
		})

		status, err := backend.Poll(context.Background(), "oz-run-1")
		if err != nil {
			t.Fatalf("%s: Poll failed: %v", state, err)
		}
		if status.State != tt.want {
			t.Errorf("%s: state = %s, want %s", state, status.State, tt.want)
		}
	}
}

func TestPollWithoutArtifactsLeavesPRFieldsEmpty(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"run_id": "oz-run-1", "state": "FAILED", "status_message": {"message": "build broke"}}`)
	})

	status, err := backend.Poll(context.Background(), "oz-run-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if status.State != grid.RunFailed {
		t.Errorf("state = %s", status.State)
	}
	if status.Result != "build broke" {
		t.Errorf("result = %q", status.Result)
	}
	if status.Branch != "" || status.PRURL != "" || status.PRNumber != 0 {
		t.Errorf("expected empty PR fields, got %+v", status)
	}
}

func TestPollUnknownRun(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if _, err := backend.Poll(context.Background(), "oz-run-gone"); !errors.Is(err, grid.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCancelPostsCancel(t *testing.T) {
	var gotPath string
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})

	if err := backend.Cancel(context.Background(), "oz-run-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if gotPath != "/agent/runs/oz-run-1/cancel" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if err := backend.Cancel(context.Background(), "oz-run-gone"); !errors.Is(err, grid.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}
