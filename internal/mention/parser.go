// Package mention extracts the target user and question from Slack mention
// text. Pure text processing, no I/O.
package mention

import (
	"regexp"
	"strings"
)

// mentionTokenRe matches Slack user-mention tokens like <@U0123ABC>.
var mentionTokenRe = regexp.MustCompile(`<@([A-Z0-9]+)>`)

// fillerWordRe matches the standalone trigger words users address the bot
// with, which carry no meaning for the question itself.
var fillerWordRe = regexp.MustCompile(`(?i)\b(agent|ask)\b`)

// whitespaceRe collapses runs of whitespace left behind by token removal.
var whitespaceRe = regexp.MustCompile(`\s+`)

// ParsedMention is the (target, question) pair extracted from mention text.
// TargetUserID is empty when no target could be determined; Question is empty
// when nothing remains after stripping tokens. Callers must treat an empty
// question as invalid.
type ParsedMention struct {
	TargetUserID string
	Question     string
}

// Parse extracts the addressed target user and residual question from raw
// message text.
//
// The first mention is assumed to be the bot itself (addressed first by
// convention) and the second mention is taken as the target. This is
// positional: a message that mentions the bot twice, or a third party before
// the bot, picks the second token regardless. Fewer than two mentions means
// no target.
func Parse(text string) ParsedMention {
	matches := mentionTokenRe.FindAllStringSubmatch(text, -1)

	var target string
	if len(matches) >= 2 {
		target = matches[1][1]
	}

	question := mentionTokenRe.ReplaceAllString(text, " ")
	question = fillerWordRe.ReplaceAllString(question, " ")
	question = whitespaceRe.ReplaceAllString(question, " ")
	question = strings.TrimSpace(question)

	return ParsedMention{TargetUserID: target, Question: question}
}
