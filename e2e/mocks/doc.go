// Package mocks provides the doubles for end-to-end coordinator tests:
// an in-memory GitHub API server, a scripted compute backend and an
// in-memory store.
//
// Typical usage:
//
//	gh := mocks.NewGitHub()
//	defer gh.Close()
//	client := github.NewClientWithBaseURL("token", gh.URL())
//	issue := gh.CreateIssue("Fix the flaky test", "Details.", []string{"ag/todo"})
//
// The GitHub mock keeps issue, comment, pull-request and review state
// across requests, so label transitions and posted comments can be
// asserted after the coordinator runs. The backend records launches and
// finishes them on demand; the store enforces the same claim and
// terminal-status invariants as the Postgres implementation.
package mocks
