package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/doppelhq/doppel/internal/config"
	"github.com/doppelhq/doppel/internal/dedup"
	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/models"
	"github.com/doppelhq/doppel/internal/ui"
	"github.com/doppelhq/doppel/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const setupCommand = "/setup-agent"

// MentionProcessor handles one resolved mention event end to end.
type MentionProcessor interface {
	Handle(ctx context.Context, event models.MentionEvent)
}

// WebhookHandler is the single inbound dispatcher for Slack webhooks. It
// classifies each payload, gates mentions through the dedup cache, and hands
// them off asynchronously - the HTTP acknowledgment never waits on answer
// generation, because Slack treats a slow response as a delivery failure and
// retries.
type WebhookHandler struct {
	dedupCache    *dedup.Cache
	processor     MentionProcessor
	slackGateway  SlackGateway
	signingSecret string
	baseURL       string
}

// NewWebhookHandler creates a WebhookHandler with the provided services and
// configuration.
func NewWebhookHandler(
	dedupCache *dedup.Cache,
	processor MentionProcessor,
	slackGateway SlackGateway,
	cfg *config.Config,
) *WebhookHandler {
	return &WebhookHandler{
		dedupCache:    dedupCache,
		processor:     processor,
		slackGateway:  slackGateway,
		signingSecret: cfg.SlackSigningSecret,
		baseURL:       cfg.BaseURL,
	}
}

// eventEnvelope carries the payload fields slackevents does not surface.
type eventEnvelope struct {
	Authorizations []struct {
		UserID string `json:"user_id"`
	} `json:"authorizations"`
}

// HandleWebhook processes one inbound POST. Everything except an unparseable
// JSON body acknowledges with 200 {ok:true}.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if err := h.verifySignature(c.Request.Header, body); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	ctx := c.Request.Context()

	// Form-encoded bodies are slash-command invocations.
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		h.handleSlashCommand(c, body)
		return
	}

	eventsAPIEvent, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse event"})
		return
	}

	switch eventsAPIEvent.Type {
	case slackevents.URLVerification:
		var r slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &r); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse challenge"})
			return
		}
		c.String(http.StatusOK, r.Challenge)
		return

	case slackevents.CallbackEvent:
		var envelope eventEnvelope
		// Authorizations are advisory; a decode failure only disables the
		// plain-message mention check.
		_ = json.Unmarshal(body, &envelope)
		botUserID := ""
		if len(envelope.Authorizations) > 0 {
			botUserID = envelope.Authorizations[0].UserID
		}
		h.handleCallbackEvent(ctx, eventsAPIEvent.InnerEvent, botUserID)

	default:
		log.Debug(ctx, "Ignoring unhandled webhook payload type", "type", eventsAPIEvent.Type)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleSlashCommand responds to /setup-agent with an ephemeral setup prompt
// for the invoking user. Anything else is acknowledged and dropped.
func (h *WebhookHandler) handleSlashCommand(c *gin.Context, body []byte) {
	ctx := c.Request.Context()

	values, err := url.ParseQuery(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse form data"})
		return
	}

	command := values.Get("command")
	userID := values.Get("user_id")
	channelID := values.Get("channel_id")

	if command == setupCommand && userID != "" && channelID != "" {
		blocks := ui.SetupPromptBlocks(h.baseURL, userID)
		err := h.slackGateway.PostEphemeral(ctx, channelID, userID, "Set up your agent", blocks...)
		if err != nil {
			log.Error(ctx, "Failed to send setup prompt",
				"error", err,
				"user_id", userID,
				"channel", channelID,
			)
		}
	} else {
		log.Debug(ctx, "Ignoring slash command", "command", command)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleCallbackEvent classifies one Events API callback. Direct app
// mentions, and plain messages whose text contains the bot's own mention
// token, both take the mention path; everything else is dropped.
func (h *WebhookHandler) handleCallbackEvent(ctx context.Context, innerEvent slackevents.EventsAPIInnerEvent, botUserID string) {
	switch ev := innerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return
		}
		h.dispatchMention(ctx, models.MentionEvent{
			Text:            ev.Text,
			Channel:         ev.Channel,
			Timestamp:       ev.TimeStamp,
			ThreadTimestamp: ev.ThreadTimeStamp,
			UserID:          ev.User,
		})

	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType == "bot_message" {
			return
		}
		if !utils.ContainsMention(ev.Text, botUserID) {
			return
		}
		h.dispatchMention(ctx, models.MentionEvent{
			Text:            ev.Text,
			Channel:         ev.Channel,
			Timestamp:       ev.TimeStamp,
			ThreadTimestamp: ev.ThreadTimeStamp,
			UserID:          ev.User,
		})

	default:
		log.Debug(ctx, "Ignoring unhandled event type", "type", innerEvent.Type)
	}
}

// dispatchMention gates the event through the dedup cache, then spawns the
// answer pipeline without awaiting it. The goroutine root recovers and logs,
// so nothing from the pipeline can reach the HTTP caller.
func (h *WebhookHandler) dispatchMention(ctx context.Context, event models.MentionEvent) {
	key := dedup.NewEventKey(event.Channel, event.Timestamp, event.UserID)
	if h.dedupCache.IsProcessed(key) {
		log.Info(ctx, "Skipping duplicate event delivery",
			"channel", event.Channel,
			"message_ts", event.Timestamp,
		)
		return
	}
	h.dedupCache.MarkProcessed(key)

	// Detach from the request's cancellation but keep its values (trace ID),
	// so the pipeline survives the webhook response being sent.
	taskCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error(taskCtx, "Mention processing panicked",
					"panic", fmt.Sprintf("%v", r),
					"channel", event.Channel,
					"message_ts", event.Timestamp,
				)
			}
		}()
		h.processor.Handle(taskCtx, event)
	}()
}

func (h *WebhookHandler) verifySignature(header http.Header, body []byte) error {
	if h.signingSecret == "" {
		return nil
	}

	sv, err := slack.NewSecretsVerifier(header, h.signingSecret)
	if err != nil {
		return fmt.Errorf("failed to create secrets verifier: %w", err)
	}

	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("failed to write body to verifier: %w", err)
	}

	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	return nil
}
