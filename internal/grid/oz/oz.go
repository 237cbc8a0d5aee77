// Package oz submits agent runs to the Oz cloud API. Runs are polled for
// completion by the grid watcher; the run ID returned by Launch is persisted
// so polling survives a coordinator restart.
package oz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/agent-grid/agent-grid/internal/grid"
	"github.com/agent-grid/agent-grid/internal/logging"
)

// prNumberRe extracts the PR number from a pull request artifact URL.
var prNumberRe = regexp.MustCompile(`/pull/(\d+)`)

// APIError is a non-2xx response from the Oz API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("oz API error (status %d): %s", e.StatusCode, e.Body)
}

func isStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Config tunes the oz backend.
type Config struct {
	APIURL        string
	APIToken      string
	EnvironmentID string
	ModelID       string
}

// Backend implements grid.Backend against the Oz run API.
type Backend struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an oz backend.
func New(cfg Config) *Backend {
	return &Backend{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.WithComponent("grid.oz"),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "oz" }

type runConfig struct {
	EnvironmentID string `json:"environment_id,omitempty"`
	APIModelID    string `json:"api_model_id,omitempty"`
}

type runRequest struct {
	Prompt string     `json:"prompt"`
	Title  string     `json:"title"`
	Config *runConfig `json:"config,omitempty"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

type ozArtifact struct {
	ArtifactType string `json:"artifact_type"`
	Data         struct {
		Branch string `json:"branch"`
		URL    string `json:"url"`
	} `json:"data"`
}

type ozRun struct {
	RunID         string `json:"run_id"`
	State         string `json:"state"`
	StatusMessage *struct {
		Message string `json:"message"`
	} `json:"status_message,omitempty"`
	Artifacts []ozArtifact `json:"artifacts,omitempty"`
}

// Launch submits the prompt as an Oz run and returns its run ID.
func (b *Backend) Launch(ctx context.Context, spec grid.LaunchSpec) (string, error) {
	title := fmt.Sprintf("Agent run (%s)", spec.Mode)
	if spec.IssueNumber > 0 {
		title = fmt.Sprintf("Issue #%d (%s)", spec.IssueNumber, spec.Mode)
	}

	req := runRequest{Prompt: spec.Prompt, Title: title}
	if b.cfg.EnvironmentID != "" || b.cfg.ModelID != "" {
		req.Config = &runConfig{
			EnvironmentID: b.cfg.EnvironmentID,
			APIModelID:    b.cfg.ModelID,
		}
	}

	var resp runResponse
	if err := b.doRequest(ctx, http.MethodPost, "/agent/run", req, &resp); err != nil {
		return "", fmt.Errorf("failed to create oz run: %w", err)
	}

	b.logger.Info("created oz run",
		"oz_run_id", resp.RunID,
		"execution_id", spec.ExecutionID,
		"mode", spec.Mode)
	return resp.RunID, nil
}

// Cancel asks Oz to stop the run.
func (b *Backend) Cancel(ctx context.Context, externalRunID string) error {
	path := fmt.Sprintf("/agent/runs/%s/cancel", externalRunID)
	if err := b.doRequest(ctx, http.MethodPost, path, nil, nil); err != nil {
		if isStatus(err, 404) {
			return grid.ErrRunNotFound
		}
		return fmt.Errorf("failed to cancel oz run %s: %w", externalRunID, err)
	}
	b.logger.Info("cancelled oz run", "oz_run_id", externalRunID)
	return nil
}

// Poll fetches the run and maps it onto the run contract, recovering PR
// branch and URL from the pull request artifact on terminal runs.
func (b *Backend) Poll(ctx context.Context, externalRunID string) (*grid.RunStatus, error) {
	var run ozRun
	path := fmt.Sprintf("/agent/runs/%s", externalRunID)
	if err := b.doRequest(ctx, http.MethodGet, path, nil, &run); err != nil {
		if isStatus(err, 404) {
			return nil, grid.ErrRunNotFound
		}
		return nil, err
	}

	status := &grid.RunStatus{State: mapState(run.State)}
	if run.StatusMessage != nil {
		status.Result = run.StatusMessage.Message
	}
	for _, artifact := range run.Artifacts {
		if artifact.ArtifactType != "PULL_REQUEST" {
			continue
		}
		status.Branch = artifact.Data.Branch
		status.PRURL = artifact.Data.URL
		if m := prNumberRe.FindStringSubmatch(artifact.Data.URL); m != nil {
			status.PRNumber, _ = strconv.Atoi(m[1])
		}
		break
	}
	return status, nil
}

// mapState converts Oz run states onto the run contract. Unknown states are
// reported as running so the watcher keeps polling.
func mapState(state string) grid.RunState {
	switch state {
	case "SUCCEEDED":
		return grid.RunSucceeded
	case "FAILED":
		return grid.RunFailed
	case "CANCELLED":
		return grid.RunCancelled
	case "PENDING", "QUEUED", "INITIALIZING":
		return grid.RunPending
	default:
		return grid.RunRunning
	}
}

func (b *Backend) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.APIURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if b.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
