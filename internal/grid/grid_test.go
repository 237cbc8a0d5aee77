package grid

import (
	"testing"

	"github.com/google/uuid"
)

func TestRunStateTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunPending, false},
		{RunRunning, false},
		{RunSucceeded, true},
		{RunFailed, true},
		{RunCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestCompletionPayloadOmitsEmptyFields(t *testing.T) {
	id := uuid.New()
	payload := CompletionPayload(id, &RunStatus{State: RunSucceeded, Result: "done"})

	if payload["execution_id"] != id.String() {
		t.Errorf("execution_id = %v, want %s", payload["execution_id"], id)
	}
	if payload["result"] != "done" {
		t.Errorf("result = %v, want done", payload["result"])
	}
	for _, key := range []string{"branch", "pr_number", "pr_url", "tokens_used", "duration_seconds"} {
		if _, ok := payload[key]; ok {
			t.Errorf("expected %s to be omitted, got %v", key, payload[key])
		}
	}
}

func TestCompletionPayloadCarriesArtifacts(t *testing.T) {
	id := uuid.New()
	payload := CompletionPayload(id, &RunStatus{
		State:           RunSucceeded,
		Result:          "opened a PR",
		Branch:          "agent/42",
		PRNumber:        123,
		PRURL:           "https://github.com/acme/widgets/pull/123",
		TokensUsed:      1500,
		DurationSeconds: 12.5,
	})

	if payload["branch"] != "agent/42" {
		t.Errorf("branch = %v", payload["branch"])
	}
	if payload["pr_number"] != 123 {
		t.Errorf("pr_number = %v", payload["pr_number"])
	}
	if payload["pr_url"] != "https://github.com/acme/widgets/pull/123" {
		t.Errorf("pr_url = %v", payload["pr_url"])
	}
	if payload["tokens_used"] != 1500 {
		t.Errorf("tokens_used = %v", payload["tokens_used"])
	}
	if payload["duration_seconds"] != 12.5 {
		t.Errorf("duration_seconds = %v", payload["duration_seconds"])
	}
}

func TestFailurePayload(t *testing.T) {
	id := uuid.New()
	payload := FailurePayload(id, "clone failed")

	if payload["execution_id"] != id.String() {
		t.Errorf("execution_id = %v, want %s", payload["execution_id"], id)
	}
	if payload["error"] != "clone failed" {
		t.Errorf("error = %v, want clone failed", payload["error"])
	}
}
