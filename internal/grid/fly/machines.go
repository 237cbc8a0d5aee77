package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiBase is the public Fly Machines API endpoint.
const apiBase = "https://api.machines.dev/v1"

// APIError is a non-2xx response from the Machines API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("machines API error (status %d): %s", e.StatusCode, e.Body)
}

// isStatus reports whether err is an APIError with the given status code.
func isStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Machine is the subset of the Machines API object the backend reads.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Region string `json:"region"`
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Config machineConfig `json:"config"`
	Region string        `json:"region,omitempty"`
}

type machineConfig struct {
	Image       string            `json:"image"`
	Env         map[string]string `json:"env"`
	Guest       machineGuest      `json:"guest"`
	AutoDestroy bool              `json:"auto_destroy"`
	Restart     machineRestart    `json:"restart"`
}

type machineGuest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

type machineRestart struct {
	Policy string `json:"policy"`
}

// MachinesClient talks to the Fly Machines REST API for one app.
type MachinesClient struct {
	token      string
	appName    string
	baseURL    string
	httpClient *http.Client
}

// NewMachinesClient creates a client against the public Machines API.
func NewMachinesClient(token, appName string) *MachinesClient {
	return NewMachinesClientWithBaseURL(token, appName, apiBase)
}

// NewMachinesClientWithBaseURL creates a client against a custom endpoint.
// Used by tests.
func NewMachinesClientWithBaseURL(token, appName, baseURL string) *MachinesClient {
	return &MachinesClient{
		token:   token,
		appName: appName,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CreateMachine spawns a machine in the app.
func (c *MachinesClient) CreateMachine(ctx context.Context, req createMachineRequest) (*Machine, error) {
	var machine Machine
	path := fmt.Sprintf("/apps/%s/machines", c.appName)
	if err := c.doRequest(ctx, http.MethodPost, path, req, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// GetMachine fetches one machine by ID.
func (c *MachinesClient) GetMachine(ctx context.Context, machineID string) (*Machine, error) {
	var machine Machine
	path := fmt.Sprintf("/apps/%s/machines/%s", c.appName, machineID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &machine); err != nil {
		return nil, err
	}
	return &machine, nil
}

// DestroyMachine force-destroys a machine.
func (c *MachinesClient) DestroyMachine(ctx context.Context, machineID string) error {
	path := fmt.Sprintf("/apps/%s/machines/%s?force=true", c.appName, machineID)
	return c.doRequest(ctx, http.MethodDelete, path, nil, nil)
}

func (c *MachinesClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
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
