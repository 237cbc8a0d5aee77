package tracker

import (
	"strings"
	"testing"
)

func TestEmbedAndExtractMetadata(t *testing.T) {
	body, err := EmbedMetadata("Need clarification on the auth flow.", map[string]any{
		"type":   "blocked",
		"reason": "clarify",
	})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}

	if !strings.HasPrefix(body, "Need clarification on the auth flow.") {
		t.Errorf("embedded body lost its text: %q", body)
	}
	if !strings.Contains(body, "AGENT_GRID_META") {
		t.Errorf("embedded body missing marker: %q", body)
	}

	meta := ExtractMetadata(body)
	if meta == nil {
		t.Fatal("ExtractMetadata returned nil for embedded body")
	}
	if meta["type"] != "blocked" || meta["reason"] != "clarify" {
		t.Errorf("extracted meta = %v", meta)
	}
}

func TestExtractMetadata(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "plain comment", body: "just text", want: false},
		{name: "empty", body: "", want: false},
		{name: "marker", body: `hi <!-- AGENT_GRID_META {"type":"blocked"} -->`, want: true},
		{name: "marker with whitespace", body: "hi <!--  AGENT_GRID_META  {\"a\":1}  -->", want: true},
		{name: "invalid json", body: `<!-- AGENT_GRID_META {broken -->`, want: false},
		{name: "other html comment", body: "<!-- note to self -->", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractMetadata(tt.body)
			if (got != nil) != tt.want {
				t.Errorf("ExtractMetadata(%q) = %v, want present=%v", tt.body, got, tt.want)
			}
		})
	}
}

func TestHumanReplyAfterBlock(t *testing.T) {
	blocked, err := EmbedMetadata("What database should this use?", map[string]any{"type": "blocked", "reason": "clarify"})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}
	progress, err := EmbedMetadata("Started working.", map[string]any{"type": "progress"})
	if err != nil {
		t.Fatalf("EmbedMetadata: %v", err)
	}

	tests := []struct {
		name     string
		comments []Comment
		wantOK   bool
		wantBody string
	}{
		{
			name: "human reply after block",
			comments: []Comment{
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
				{Body: "Use Postgres.", Author: "alice", AuthorType: "User"},
			},
			wantOK:   true,
			wantBody: "Use Postgres.",
		},
		{
			name: "no block comment",
			comments: []Comment{
				{Body: "Use Postgres.", Author: "alice", AuthorType: "User"},
			},
			wantOK: false,
		},
		{
			name: "reply before block does not count",
			comments: []Comment{
				{Body: "Early comment.", Author: "alice", AuthorType: "User"},
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
			},
			wantOK: false,
		},
		{
			name: "bot replies ignored",
			comments: []Comment{
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
				{Body: "Triggered build.", Author: "ci[bot]", AuthorType: "User"},
				{Body: "Status update.", Author: "agent-grid", AuthorType: "Bot"},
			},
			wantOK: false,
		},
		{
			name: "agent metadata comments ignored",
			comments: []Comment{
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
				{Body: progress, Author: "someone", AuthorType: "User"},
			},
			wantOK: false,
		},
		{
			name: "only replies after the latest block count",
			comments: []Comment{
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
				{Body: "First answer.", Author: "alice", AuthorType: "User"},
				{Body: blocked, Author: "agent-grid", AuthorType: "Bot"},
			},
			wantOK: false,
		},
		{name: "empty", comments: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, ok := HumanReplyAfterBlock(tt.comments)
			if ok != tt.wantOK {
				t.Fatalf("HumanReplyAfterBlock ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && reply.Body != tt.wantBody {
				t.Errorf("reply body = %q, want %q", reply.Body, tt.wantBody)
			}
		})
	}
}
