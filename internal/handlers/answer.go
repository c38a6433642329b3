// Package handlers contains the HTTP-facing webhook router, the asynchronous
// answer pipeline it dispatches to, and the connection endpoints.
package handlers

import (
	"context"
	"fmt"

	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/mention"
	"github.com/doppelhq/doppel/internal/models"
	"github.com/doppelhq/doppel/internal/prompt"
	"github.com/doppelhq/doppel/internal/ui"
	"github.com/doppelhq/doppel/internal/utils"

	"github.com/slack-go/slack"
)

// SlackGateway is the subset of Slack operations the handlers need.
type SlackGateway interface {
	PostMessage(ctx context.Context, channel, threadTS, text string) (string, error)
	UpdateMessage(ctx context.Context, channel, timestamp, text string, blocks ...slack.Block) error
	PostEphemeral(ctx context.Context, channel, userID, text string, blocks ...slack.Block) error
	GetUserDisplayName(ctx context.Context, userID string) (string, error)
}

// AnswerModel is the language-model capability: system prompt plus context
// in, generated text out.
type AnswerModel interface {
	GenerateAnswer(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// AgentDataStore looks up a user's aggregated agent data. A nil result with
// no error means the user has not set up an agent.
type AgentDataStore interface {
	GetAgentData(ctx context.Context, slackUserID string) (*models.AgentData, error)
}

// User-facing message texts.
const (
	helpText = "I couldn't understand that. Mention me and a teammate, like: " +
		"`@doppel @teammate what are they working on?`"
	thinkingText = ":hourglass_flowing_sand: Thinking…"
	errorText    = "Sorry, something went wrong while generating the answer. Please try again."
)

// AnswerHandler orchestrates one mention: resolve the target, assemble
// context, call the model, and reconcile the thread's placeholder message.
// All failures end in a visible thread update; nothing propagates back to the
// webhook response.
type AnswerHandler struct {
	slackGateway SlackGateway
	model        AnswerModel
	agents       AgentDataStore
}

// NewAnswerHandler creates an AnswerHandler with the provided capabilities.
func NewAnswerHandler(slackGateway SlackGateway, model AnswerModel, agents AgentDataStore) *AnswerHandler {
	return &AnswerHandler{
		slackGateway: slackGateway,
		model:        model,
		agents:       agents,
	}
}

// Handle processes one mention event. Steps are strictly sequential:
// placeholder post happens-before context build happens-before model call
// happens-before the terminal update. Exactly one placeholder is posted and
// exactly one terminal update is attempted per invocation.
func (h *AnswerHandler) Handle(ctx context.Context, event models.MentionEvent) {
	parsed := mention.Parse(event.Text)
	if parsed.TargetUserID == "" || parsed.Question == "" {
		log.Info(ctx, "Mention could not be resolved",
			"channel", event.Channel,
			"has_target", parsed.TargetUserID != "",
		)
		h.postToThread(ctx, event, helpText)
		return
	}

	ctx = log.WithFields(ctx, log.LogFields{
		"target_user_id": parsed.TargetUserID,
		"channel":        event.Channel,
	})

	agent, err := h.agents.GetAgentData(ctx, parsed.TargetUserID)
	if err != nil {
		log.Error(ctx, "Failed to load agent data", "error", err)
		h.postToThread(ctx, event, errorText)
		return
	}
	if agent == nil {
		h.postToThread(ctx, event, h.onboardingNudge(ctx, parsed.TargetUserID))
		return
	}

	placeholderTS, err := h.slackGateway.PostMessage(ctx, event.Channel, event.ThreadTS(), thinkingText)
	if err != nil {
		// Nowhere visible to report the failure; the webhook response has
		// long been sent.
		log.Error(ctx, "Failed to post placeholder message", "error", err)
		return
	}

	contextStr := prompt.Build(*agent, parsed.Question)
	systemPrompt := fmt.Sprintf(
		"You are an assistant representing %s. Answer questions about their work "+
			"concisely using only the provided context. If the context does not "+
			"cover the question, say so.",
		agent.DisplayName,
	)

	answer, err := h.model.GenerateAnswer(ctx, systemPrompt, contextStr)
	if err != nil {
		log.Error(ctx, "Model call failed", "error", err)
		h.updateOrSwallow(ctx, event.Channel, placeholderTS, errorText)
		return
	}

	h.deliverAnswer(ctx, event.Channel, placeholderTS, answer, prompt.SourceLabels(*agent))
}

// deliverAnswer resolves the placeholder with the formatted answer, falling
// back to a plain-text rendering when the rich update is rejected. The
// placeholder is never left unresolved on purpose.
func (h *AnswerHandler) deliverAnswer(ctx context.Context, channel, placeholderTS, answer string, sourceLabels []string) {
	formatted := utils.TruncateForBlock(answer, utils.SafeBlockTextLength)
	formatted = utils.NeutralizeCodeFences(formatted)

	fallbackText := ui.AnswerFallbackText(formatted, sourceLabels)
	blocks := ui.AnswerBlocks(formatted, sourceLabels)

	err := h.slackGateway.UpdateMessage(ctx, channel, placeholderTS, fallbackText, blocks...)
	if err == nil {
		return
	}
	log.Warn(ctx, "Rich answer update failed, falling back to plain text", "error", err)

	// No further attempt after the plain fallback fails; the placeholder
	// stays visible as a degraded state.
	if err := h.slackGateway.UpdateMessage(ctx, channel, placeholderTS, fallbackText); err != nil {
		log.Error(ctx, "Plain-text answer update failed", "error", err)
	}
}

// updateOrSwallow replaces the placeholder with error text. This update is
// not retried; if it also fails the placeholder stays visible as "thinking",
// which is a tolerated degraded state.
func (h *AnswerHandler) updateOrSwallow(ctx context.Context, channel, timestamp, text string) {
	if err := h.slackGateway.UpdateMessage(ctx, channel, timestamp, text); err != nil {
		log.Error(ctx, "Failed to update placeholder with error text", "error", err)
	}
}

// postToThread posts a terminal informational message into the mention's
// thread, logging rather than propagating any failure.
func (h *AnswerHandler) postToThread(ctx context.Context, event models.MentionEvent, text string) {
	if _, err := h.slackGateway.PostMessage(ctx, event.Channel, event.ThreadTS(), text); err != nil {
		log.Error(ctx, "Failed to post message to thread", "error", err)
	}
}

// onboardingNudge builds the "hasn't set up their agent yet" message, using
// the target's display name when it can be resolved.
func (h *AnswerHandler) onboardingNudge(ctx context.Context, targetUserID string) string {
	name, err := h.slackGateway.GetUserDisplayName(ctx, targetUserID)
	if err != nil {
		log.Warn(ctx, "Failed to resolve target display name", "error", err)
		name = utils.MentionToken(targetUserID)
	}
	return fmt.Sprintf("%s hasn't set up their agent yet. They can run `/setup-agent` to get started.", name)
}
