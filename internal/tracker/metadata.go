package tracker

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Agent-authored comments carry structured metadata in a hidden HTML
// comment so later cycles can recognize them:
//
//	<!-- AGENT_GRID_META {"type":"blocked","reason":"..."} -->
var metadataRe = regexp.MustCompile(`(?s)<!--\s*AGENT_GRID_META\s*(\{.*?\})\s*-->`)

// MetaTypeBlocked marks the comment an agent posts when it needs human
// input before continuing.
const MetaTypeBlocked = "blocked"

// EmbedMetadata appends a hidden metadata marker to a comment body.
func EmbedMetadata(body string, meta map[string]any) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal comment metadata: %w", err)
	}
	return fmt.Sprintf("%s\n\n<!-- AGENT_GRID_META %s -->", body, raw), nil
}

// ExtractMetadata returns the metadata embedded in a comment body, or
// nil when the body has no (valid) marker.
func ExtractMetadata(body string) map[string]any {
	m := metadataRe.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(m[1]), &meta); err != nil {
		return nil
	}
	return meta
}

// metaType returns the "type" field of embedded metadata, if any.
func metaType(body string) (string, bool) {
	meta := ExtractMetadata(body)
	if meta == nil {
		return "", false
	}
	t, ok := meta["type"].(string)
	return t, ok
}

// HumanReplyAfterBlock scans an issue's comments for a human reply that
// came after the agent's most recent blocking comment. A reply counts
// as human when it carries no metadata marker and its author is not a
// bot account. Returns the first such comment.
func HumanReplyAfterBlock(comments []Comment) (Comment, bool) {
	lastBlock := -1
	for i, c := range comments {
		if t, ok := metaType(c.Body); ok && t == MetaTypeBlocked {
			lastBlock = i
		}
	}
	if lastBlock < 0 {
		return Comment{}, false
	}

	for _, c := range comments[lastBlock+1:] {
		if ExtractMetadata(c.Body) != nil {
			continue
		}
		if c.IsBot() {
			continue
		}
		return c, true
	}
	return Comment{}, false
}
