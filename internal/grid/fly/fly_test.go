package fly

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
	if cfg.APIToken == "" {
		cfg.APIToken = "fly-token"
	}
	if cfg.AppName == "" {
		cfg.AppName = "agent-grid"
	}
	if cfg.WorkerImage == "" {
		cfg.WorkerImage = "registry.fly.io/agent-grid-worker:latest"
	}
	return NewWithClient(cfg, NewMachinesClientWithBaseURL(cfg.APIToken, cfg.AppName, server.URL))
}

func TestLaunchSpawnsWorkerMachine(t *testing.T) {
	execID := uuid.New()
	var req createMachineRequest

	backend := testBackend(t, Config{Region: "iad", CPUs: 4, MemoryMB: 4096}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/apps/agent-grid/machines" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer fly-token" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "machine-1", "name": "worker", "state": "created"}`)
	})

	runID, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: execID,
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      "implement issue 42",
		Mode:        "implement",
		IssueNumber: 42,
		Context:     map[string]any{"previous_feedback": "use the existing helper"},
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if runID != "machine-1" {
		t.Errorf("run handle = %s, want machine-1", runID)
	}

	if req.Region != "iad" {
		t.Errorf("region = %s", req.Region)
	}
	cfg := req.Config
	if cfg.Image != "registry.fly.io/agent-grid-worker:latest" {
		t.Errorf("image = %s", cfg.Image)
	}
	if !cfg.AutoDestroy {
		t.Error("expected auto_destroy machine")
	}
	if cfg.Restart.Policy != "no" {
		t.Errorf("restart policy = %s", cfg.Restart.Policy)
	}
	if cfg.Guest.CPUKind != "shared" || cfg.Guest.CPUs != 4 || cfg.Guest.MemoryMB != 4096 {
		t.Errorf("guest = %+v", cfg.Guest)
	}

	env := cfg.Env
	if env["EXECUTION_ID"] != execID.String() {
		t.Errorf("EXECUTION_ID = %s", env["EXECUTION_ID"])
	}
	if env["REPO_URL"] != "https://github.com/acme/widgets.git" {
		t.Errorf("REPO_URL = %s", env["REPO_URL"])
	}
	if env["ISSUE_NUMBER"] != "42" {
		t.Errorf("ISSUE_NUMBER = %s", env["ISSUE_NUMBER"])
	}
	if env["MODE"] != "implement" {
		t.Errorf("MODE = %s", env["MODE"])
	}
	if env["PROMPT"] != "implement issue 42" {
		t.Errorf("PROMPT = %s", env["PROMPT"])
	}
	if env["AGENT_BYPASS_PERMISSIONS"] != "true" {
		t.Errorf("AGENT_BYPASS_PERMISSIONS = %s", env["AGENT_BYPASS_PERMISSIONS"])
	}
	if env["ORCHESTRATOR_URL"] != "https://agent-grid.fly.dev" {
		t.Errorf("ORCHESTRATOR_URL = %s", env["ORCHESTRATOR_URL"])
	}

	var runContext map[string]any
	if err := json.Unmarshal([]byte(env["CONTEXT_JSON"]), &runContext); err != nil {
		t.Fatalf("CONTEXT_JSON is not valid JSON: %v", err)
	}
	if runContext["previous_feedback"] != "use the existing helper" {
		t.Errorf("context = %v", runContext)
	}
}

func TestLaunchWithoutContextSendsEmptyObject(t *testing.T) {
	var rawContext string
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		var req createMachineRequest
		json.NewDecoder(r.Body).Decode(&req)
		rawContext = req.Config.Env["CONTEXT_JSON"]
		fmt.Fprint(w, `{"id": "machine-2", "state": "created"}`)
	})

	if _, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      "plan",
		Mode:        "plan",
		IssueNumber: 5,
	}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if rawContext != "{}" {
		t.Errorf("CONTEXT_JSON = %q, want {}", rawContext)
	}
}

func TestLaunchSpawnFailure(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "insufficient capacity"}`, http.StatusUnprocessableEntity)
	})

	_, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      "implement",
		Mode:        "implement",
		IssueNumber: 1,
	})
	if err == nil {
		t.Fatal("expected launch error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 422 {
		t.Errorf("expected status 422 APIError, got %v", err)
	}
}

func TestCancelDestroysMachine(t *testing.T) {
	var gotPath, gotQuery string
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	})

	if err := backend.Cancel(context.Background(), "machine-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if gotPath != "/apps/agent-grid/machines/machine-1" {
		t.Errorf("path = %s", gotPath)
	}
	if gotQuery != "force=true" {
		t.Errorf("query = %s", gotQuery)
	}
}

func TestCancelToleratesMissingMachine(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if err := backend.Cancel(context.Background(), "machine-gone"); err != nil {
		t.Errorf("expected 404 to be tolerated, got %v", err)
	}
}

func TestPollMapsMachineStates(t *testing.T) {
	tests := []struct {
		machineState string
		want         grid.RunState
	}{
		{"created", grid.RunPending},
		{"starting", grid.RunPending},
		{"started", grid.RunRunning},
		{"stopping", grid.RunRunning},
		{"stopped", grid.RunFailed},
		{"destroyed", grid.RunFailed},
		{"failed", grid.RunFailed},
	}

	for _, tt := range tests {
		state := tt.machineState
		backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"id": "machine-1", "state": %q}`, state)
		})

		status, err := backend.Poll(context.Background(), "machine-1")
		if err != nil {
			t.Fatalf("%s: Poll failed: %v", state, err)
		}
		if status.State != tt.want {
			t.Errorf("%s: state = %s, want %s", state, status.State, tt.want)
		}
	}
}

func TestPollUnknownMachine(t *testing.T) {
	backend := testBackend(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	if _, err := backend.Poll(context.Background(), "machine-gone"); !errors.Is(err, grid.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCallbackURLOverride(t *testing.T) {
	var orchestratorURL string
	backend := testBackend(t, Config{CallbackURL: "https://coordinator.internal:8443"}, func(w http.ResponseWriter, r *http.Request) {
		var req createMachineRequest
		json.NewDecoder(r.Body).Decode(&req)
		orchestratorURL = req.Config.Env["ORCHESTRATOR_URL"]
		fmt.Fprint(w, `{"id": "machine-3", "state": "created"}`)
	})

	if _, err := backend.Launch(context.Background(), grid.LaunchSpec{
		ExecutionID: uuid.New(),
		RepoURL:     "https://github.com/acme/widgets.git",
		Prompt:      "implement",
		Mode:        "implement",
		IssueNumber: 2,
	}); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if orchestratorURL != "https://coordinator.internal:8443" {
		t.Errorf("ORCHESTRATOR_URL = %s", orchestratorURL)
	}
}
