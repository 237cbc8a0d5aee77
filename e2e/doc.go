// Package e2e provides end-to-end tests for the agent-grid issue-to-merge
// cycle.
//
// These tests verify the complete coordinator workflow:
//  1. Issue created with an `ag/todo` (or `agent`) label
//  2. Control cycle scans and classifies it
//  3. Agent launches on the scripted backend
//  4. Run completes with a PR
//  5. PR merged (or closed, reviewed, failing CI)
//  6. Issue settles at its final label
//
// Skip in short mode: go test -short ./...
//
// The tests use a mocked GitHub API (via httptest.NewServer), an
// in-memory store and a scripted compute backend. Everything between
// them is real: the tracker client, the label manager, the event bus,
// the webhook ingress and the orchestrator. This exercises the full
// coordinator state machine without external dependencies.
//
// # Test Structure
//
//   - workflow_test.go: lifecycle scenarios, one per coordinator path
//   - mocks/github.go: mock GitHub API server
//   - mocks/backend.go: scripted compute backend
//   - mocks/store.go: in-memory store double
//
// # Running E2E Tests
//
//	go test -v -count=1 ./e2e/...
package e2e
