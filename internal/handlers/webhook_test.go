package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doppelhq/doppel/internal/config"
	"github.com/doppelhq/doppel/internal/dedup"
	"github.com/doppelhq/doppel/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu     sync.Mutex
	events []models.MentionEvent
}

func (f *fakeProcessor) Handle(_ context.Context, event models.MentionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeProcessor) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeProcessor) waitForEvents(t *testing.T, n int) []models.MentionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.events) >= n {
			events := append([]models.MentionEvent{}, f.events...)
			f.mu.Unlock()
			return events
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d processed events", n)
	return nil
}

func newTestWebhookRouter(t *testing.T) (*gin.Engine, *fakeProcessor, *fakeSlackGateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	processor := &fakeProcessor{}
	gateway := &fakeSlackGateway{}
	cfg := &config.Config{BaseURL: "http://localhost:8080"}
	handler := NewWebhookHandler(
		dedup.New(1000, 60*time.Second, clock.NewMock()),
		processor,
		gateway,
		cfg,
	)

	router := gin.New()
	router.POST("/webhooks/slack", handler.HandleWebhook)
	return router, processor, gateway
}

func postJSON(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func postForm(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/slack", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const appMentionPayload = `{
	"type": "event_callback",
	"authorizations": [{"user_id": "UBOT"}],
	"event": {
		"type": "app_mention",
		"user": "UASKER",
		"text": "<@UBOT> <@UDANA> ask what is she working on?",
		"ts": "1700000000.000100",
		"channel": "C1"
	}
}`

func TestHandleWebhook_URLVerificationEchoesChallenge(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{"type": "url_verification", "challenge": "abc123"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
	assert.Zero(t, processor.eventCount())
}

func TestHandleWebhook_MalformedJSONIsRejected(t *testing.T) {
	router, _, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{not json`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestHandleWebhook_SetupCommandSendsEphemeralPrompt(t *testing.T) {
	router, _, gateway := newTestWebhookRouter(t)

	w := postForm(router, "command=%2Fsetup-agent&user_id=U1&channel_id=C1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)
	require.Len(t, gateway.ephemerals, 1)
	assert.Equal(t, "C1", gateway.ephemerals[0].Channel)
}

func TestHandleWebhook_UnknownCommandIsAcknowledged(t *testing.T) {
	router, _, gateway := newTestWebhookRouter(t)

	w := postForm(router, "command=%2Fother&user_id=U1&channel_id=C1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gateway.ephemerals)
}

func TestHandleWebhook_AppMentionDispatchesAsync(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, appMentionPayload)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)

	events := processor.waitForEvents(t, 1)
	assert.Equal(t, "C1", events[0].Channel)
	assert.Equal(t, "1700000000.000100", events[0].Timestamp)
	assert.Equal(t, "UASKER", events[0].UserID)
}

func TestHandleWebhook_DuplicateDeliveryIsSuppressed(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w1 := postJSON(router, appMentionPayload)
	assert.Equal(t, http.StatusOK, w1.Code)
	processor.waitForEvents(t, 1)

	w2 := postJSON(router, appMentionPayload)
	assert.Equal(t, http.StatusOK, w2.Code, "duplicates still acknowledge ok")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, processor.eventCount(), "second delivery must not reach the pipeline")
}

func TestHandleWebhook_BotOriginMentionIsIgnored(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{
		"type": "event_callback",
		"event": {
			"type": "app_mention",
			"bot_id": "B1",
			"text": "<@UBOT> <@UDANA> ask something",
			"ts": "1700000000.000300",
			"channel": "C1"
		}
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, processor.eventCount())
}

func TestHandleWebhook_PlainMessageWithBotMentionIsTreatedAsMention(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{
		"type": "event_callback",
		"authorizations": [{"user_id": "UBOT"}],
		"event": {
			"type": "message",
			"user": "UASKER",
			"text": "<@UBOT> <@UDANA> ask about the launch",
			"ts": "1700000000.000400",
			"channel": "C1"
		}
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	events := processor.waitForEvents(t, 1)
	assert.Equal(t, "1700000000.000400", events[0].Timestamp)
}

func TestHandleWebhook_PlainMessageWithoutBotMentionIsIgnored(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{
		"type": "event_callback",
		"authorizations": [{"user_id": "UBOT"}],
		"event": {
			"type": "message",
			"user": "UASKER",
			"text": "just chatting about <@USOMEONE>",
			"ts": "1700000000.000500",
			"channel": "C1"
		}
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, processor.eventCount())
}

func TestHandleWebhook_UnknownEventTypeIsAcknowledged(t *testing.T) {
	router, processor, _ := newTestWebhookRouter(t)

	w := postJSON(router, `{
		"type": "event_callback",
		"event": {
			"type": "reaction_added",
			"user": "U1",
			"item": {"channel": "C1", "ts": "1700000000.000600"}
		}
	}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, processor.eventCount())
}
