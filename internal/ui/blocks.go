// Package ui contains Slack Block Kit builders for the bot's messages.
package ui

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"
)

// AnswerBlocks builds the final answer message: the generated text wrapped in
// a code block, plus a context footer naming the data sources that fed it.
// The answer must already be truncated and fence-neutralized by the caller.
func AnswerBlocks(answer string, sourceLabels []string) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("```%s```", answer), false, false),
			nil, nil,
		),
	}

	if len(sourceLabels) > 0 {
		blocks = append(blocks, slack.NewContextBlock(
			"",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("Sources: %s", strings.Join(sourceLabels, ", ")), false, false),
		))
	}

	return blocks
}

// AnswerFallbackText renders the same answer content as plain text, used when
// the rich block update is rejected by the API.
func AnswerFallbackText(answer string, sourceLabels []string) string {
	if len(sourceLabels) == 0 {
		return answer
	}
	return fmt.Sprintf("%s\n\nSources: %s", answer, strings.Join(sourceLabels, ", "))
}

// SetupPromptBlocks builds the ephemeral message sent in response to
// /setup-agent, with a deep link carrying the invoking user's ID.
func SetupPromptBlocks(baseURL, userID string) []slack.Block {
	setupURL := fmt.Sprintf("%s/setup?user=%s", baseURL, userID)

	button := slack.NewButtonBlockElement(
		"open_setup",
		userID,
		slack.NewTextBlockObject(slack.PlainTextType, "Open setup", false, false),
	).WithStyle(slack.StylePrimary)
	button.URL = setupURL

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				"*Set up your agent* :robot_face:\nConnect your tools so teammates can ask your agent questions.",
				false, false),
			nil,
			slack.NewAccessory(button),
		),
	}
}
