// Package services provides the outbound capability clients: Slack, the
// language model, the connection broker, and the agent data store.
package services

import (
	"context"
	"fmt"

	"github.com/doppelhq/doppel/internal/log"

	"github.com/slack-go/slack"
)

// SlackService wraps the Slack Web API operations the bot needs.
type SlackService struct {
	client *slack.Client
}

// NewSlackService creates a SlackService with the provided client.
func NewSlackService(client *slack.Client) *SlackService {
	return &SlackService{client: client}
}

// PostMessage posts text into a channel, threaded under threadTS when set.
// Returns the new message's timestamp, which doubles as its handle for later
// updates.
func (s *SlackService) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, timestamp, err := s.client.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		log.Error(ctx, "Failed to post message to Slack",
			"error", err,
			"channel", channel,
			"thread_ts", threadTS,
			"operation", "post_message",
		)
		return "", fmt.Errorf("failed to post message to channel %s: %w", channel, err)
	}

	return timestamp, nil
}

// UpdateMessage replaces the content of an existing message. Blocks are
// optional; text is always set as the notification fallback.
func (s *SlackService) UpdateMessage(
	ctx context.Context, channel, timestamp, text string, blocks ...slack.Block,
) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, _, _, err := s.client.UpdateMessageContext(ctx, channel, timestamp, opts...)
	if err != nil {
		log.Error(ctx, "Failed to update Slack message",
			"error", err,
			"channel", channel,
			"message_ts", timestamp,
			"operation", "update_message",
		)
		return fmt.Errorf("failed to update message %s in channel %s: %w", timestamp, channel, err)
	}

	return nil
}

// PostEphemeral sends a message visible only to one user in a channel.
func (s *SlackService) PostEphemeral(
	ctx context.Context, channel, userID, text string, blocks ...slack.Block,
) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, err := s.client.PostEphemeralContext(ctx, channel, userID, opts...)
	if err != nil {
		log.Error(ctx, "Failed to post ephemeral message to Slack",
			"error", err,
			"channel", channel,
			"user_id", userID,
			"operation", "post_ephemeral",
		)
		return fmt.Errorf("failed to post ephemeral message to user %s in channel %s: %w", userID, channel, err)
	}

	return nil
}

// GetUserDisplayName resolves a user ID to the friendliest name available:
// profile display name, then real name, then account name.
func (s *SlackService) GetUserDisplayName(ctx context.Context, userID string) (string, error) {
	user, err := s.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		log.Error(ctx, "Failed to look up Slack user",
			"error", err,
			"user_id", userID,
			"operation", "get_user_info",
		)
		return "", fmt.Errorf("failed to look up user %s: %w", userID, err)
	}

	switch {
	case user.Profile.DisplayName != "":
		return user.Profile.DisplayName, nil
	case user.RealName != "":
		return user.RealName, nil
	default:
		return user.Name, nil
	}
}
