// Package utils contains small shared helpers for Slack text handling.
package utils

import (
	"fmt"
	"strings"
)

// MaxBlockTextLength is Slack's hard limit for a section block's text field.
const MaxBlockTextLength = 3000

// SafeBlockTextLength is the budget answers are truncated to, leaving
// headroom under MaxBlockTextLength for the code-block wrapper and footer.
const SafeBlockTextLength = 2900

// TruncationMarker is appended to answers cut at the block-text budget.
const TruncationMarker = "…"

// TruncateForBlock cuts text to max characters, appending the truncation
// marker when anything was removed. Cuts on a rune boundary so a multi-byte
// character is never split.
func TruncateForBlock(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-len([]rune(TruncationMarker))]) + TruncationMarker
}

// NeutralizeCodeFences rewrites triple-backtick fences as inline code so a
// model answer cannot terminate the code block the message itself is wrapped
// in.
func NeutralizeCodeFences(text string) string {
	return strings.ReplaceAll(text, "```", "`")
}

// MentionToken renders the Slack mention token for a user ID.
func MentionToken(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// ContainsMention reports whether text references the given user's mention
// token.
func ContainsMention(text, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.Contains(text, MentionToken(userID))
}
