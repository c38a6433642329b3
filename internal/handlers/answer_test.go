package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/doppelhq/doppel/internal/models"
	"github.com/doppelhq/doppel/internal/utils"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlaceholderTS = "1700000001.000200"

type postedMessage struct {
	Channel  string
	ThreadTS string
	Text     string
}

type messageUpdate struct {
	Channel   string
	Timestamp string
	Text      string
	Blocks    []slack.Block
}

type fakeSlackGateway struct {
	mu         sync.Mutex
	posts      []postedMessage
	updates    []messageUpdate
	ephemerals []postedMessage

	postErr        error
	updateErrs     []error // consumed per call; nil beyond the end
	updateCalls    int
	displayName    string
	displayNameErr error
}

func (f *fakeSlackGateway) PostMessage(_ context.Context, channel, threadTS, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", f.postErr
	}
	f.posts = append(f.posts, postedMessage{Channel: channel, ThreadTS: threadTS, Text: text})
	return testPlaceholderTS, nil
}

func (f *fakeSlackGateway) UpdateMessage(_ context.Context, channel, timestamp, text string, blocks ...slack.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	var err error
	if len(f.updateErrs) > 0 {
		err = f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
	}
	if err != nil {
		return err
	}
	f.updates = append(f.updates, messageUpdate{Channel: channel, Timestamp: timestamp, Text: text, Blocks: blocks})
	return nil
}

func (f *fakeSlackGateway) PostEphemeral(_ context.Context, channel, userID, text string, _ ...slack.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemerals = append(f.ephemerals, postedMessage{Channel: channel, ThreadTS: userID, Text: text})
	return nil
}

func (f *fakeSlackGateway) GetUserDisplayName(_ context.Context, _ string) (string, error) {
	if f.displayNameErr != nil {
		return "", f.displayNameErr
	}
	return f.displayName, nil
}

type fakeModel struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  int

	lastSystemPrompt string
	lastUserPrompt   string
}

func (f *fakeModel) GenerateAnswer(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastSystemPrompt = systemPrompt
	f.lastUserPrompt = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeAgentStore struct {
	agents map[string]*models.AgentData
	err    error
}

func (f *fakeAgentStore) GetAgentData(_ context.Context, userID string) (*models.AgentData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agents[userID], nil
}

func testAgent() *models.AgentData {
	return &models.AgentData{
		DisplayName: "Dana",
		Sources: models.AgentSources{
			Calendar:  []string{"Standup at 10"},
			Messaging: []string{"Discussed launch in #general"},
		},
	}
}

func testMention(text string) models.MentionEvent {
	return models.MentionEvent{
		Text:      text,
		Channel:   "C1",
		Timestamp: "1700000000.000100",
		UserID:    "UASKER",
	}
}

func TestAnswerHandler_UnresolvedMentionPostsHelp(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{}
	handler := NewAnswerHandler(gateway, model, &fakeAgentStore{})

	handler.Handle(context.Background(), testMention("<@UBOT> hello"))

	require.Len(t, gateway.posts, 1)
	assert.Equal(t, helpText, gateway.posts[0].Text)
	assert.Empty(t, gateway.updates)
	assert.Zero(t, model.calls, "no model call for an unresolved mention")
}

func TestAnswerHandler_EmptyQuestionPostsHelp(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{}
	handler := NewAnswerHandler(gateway, model, &fakeAgentStore{})

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA>"))

	require.Len(t, gateway.posts, 1)
	assert.Equal(t, helpText, gateway.posts[0].Text)
	assert.Zero(t, model.calls)
}

func TestAnswerHandler_UnknownTargetPostsOnboardingNudge(t *testing.T) {
	gateway := &fakeSlackGateway{displayName: "Dana"}
	model := &fakeModel{}
	handler := NewAnswerHandler(gateway, model, &fakeAgentStore{})

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> what is she doing?"))

	require.Len(t, gateway.posts, 1, "exactly one message for an unknown target")
	assert.Contains(t, gateway.posts[0].Text, "Dana hasn't set up their agent yet")
	assert.Zero(t, model.calls, "no model call for an unknown target")
	assert.Empty(t, gateway.updates)
}

func TestAnswerHandler_UnknownTargetNameLookupFallsBackToMention(t *testing.T) {
	gateway := &fakeSlackGateway{displayNameErr: errors.New("user_not_found")}
	handler := NewAnswerHandler(gateway, &fakeModel{}, &fakeAgentStore{})

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> what is she doing?"))

	require.Len(t, gateway.posts, 1)
	assert.Contains(t, gateway.posts[0].Text, "<@UDANA>")
}

func TestAnswerHandler_SuccessfulAnswer(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{answer: "Dana is preparing the launch."}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask what is she working on?"))

	require.Len(t, gateway.posts, 1, "exactly one placeholder post")
	assert.Equal(t, thinkingText, gateway.posts[0].Text)
	assert.Equal(t, "1700000000.000100", gateway.posts[0].ThreadTS)

	require.Len(t, gateway.updates, 1, "exactly one terminal update")
	update := gateway.updates[0]
	assert.Equal(t, testPlaceholderTS, update.Timestamp)
	assert.Contains(t, update.Text, "Dana is preparing the launch.")
	assert.Contains(t, update.Text, "Sources: Calendar, Slack")
	assert.NotEmpty(t, update.Blocks)

	assert.Equal(t, 1, model.calls)
	assert.Contains(t, model.lastSystemPrompt, "Dana")
	assert.Contains(t, model.lastUserPrompt, "what is she working on?")
	assert.Contains(t, model.lastUserPrompt, "Standup at 10")
}

func TestAnswerHandler_SourcesFooterExcludesEmptySources(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{answer: "busy"}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	require.Len(t, gateway.updates, 1)
	assert.Contains(t, gateway.updates[0].Text, "Sources: Calendar, Slack")
	assert.NotContains(t, gateway.updates[0].Text, "Linear")
}

func TestAnswerHandler_LongAnswerTruncatedWithMarker(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{answer: strings.Repeat("word ", 2000)}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask everything"))

	require.Len(t, gateway.updates, 1)
	answerPart := strings.Split(gateway.updates[0].Text, "\n\nSources:")[0]
	assert.True(t, strings.HasSuffix(answerPart, utils.TruncationMarker))
	assert.LessOrEqual(t, len([]rune(answerPart)), utils.SafeBlockTextLength)
}

func TestAnswerHandler_CodeFencesNeutralized(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{answer: "try this:\n```go\nfmt.Println(1)\n```"}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask how"))

	require.Len(t, gateway.updates, 1)
	assert.NotContains(t, gateway.updates[0].Text, "```")
}

func TestAnswerHandler_ModelFailureUpdatesPlaceholderWithError(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{err: errors.New("rate limited")}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	require.Len(t, gateway.posts, 1)
	require.Len(t, gateway.updates, 1)
	assert.Equal(t, errorText, gateway.updates[0].Text)
}

func TestAnswerHandler_RichUpdateFailureFallsBackToPlainText(t *testing.T) {
	gateway := &fakeSlackGateway{updateErrs: []error{errors.New("invalid_blocks")}}
	model := &fakeModel{answer: "all good"}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	require.Len(t, gateway.updates, 1, "the plain-text fallback must land")
	assert.Empty(t, gateway.updates[0].Blocks, "fallback update carries no blocks")
	assert.Contains(t, gateway.updates[0].Text, "all good")
}

func TestAnswerHandler_ErrorUpdateFailureIsSwallowed(t *testing.T) {
	gateway := &fakeSlackGateway{updateErrs: []error{errors.New("down"), errors.New("down")}}
	model := &fakeModel{err: errors.New("model down")}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	// Must not panic; the placeholder stays visible as a degraded state.
	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	assert.Len(t, gateway.posts, 1)
	assert.Empty(t, gateway.updates)
}

func TestAnswerHandler_FailedFallbackIsNotRetried(t *testing.T) {
	gateway := &fakeSlackGateway{updateErrs: []error{errors.New("down"), errors.New("down")}}
	model := &fakeModel{answer: "all good"}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	assert.Equal(t, 2, gateway.updateCalls, "rich attempt plus plain fallback, nothing after")
	assert.Empty(t, gateway.updates)
}

func TestAnswerHandler_AgentLookupErrorReportsToThread(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{}
	handler := NewAnswerHandler(gateway, model, &fakeAgentStore{err: errors.New("store down")})

	handler.Handle(context.Background(), testMention("<@UBOT> <@UDANA> ask anything"))

	require.Len(t, gateway.posts, 1)
	assert.Equal(t, errorText, gateway.posts[0].Text)
	assert.Zero(t, model.calls)
}

func TestAnswerHandler_ThreadedMentionRepliesInThread(t *testing.T) {
	gateway := &fakeSlackGateway{}
	model := &fakeModel{answer: "ok"}
	agents := &fakeAgentStore{agents: map[string]*models.AgentData{"UDANA": testAgent()}}
	handler := NewAnswerHandler(gateway, model, agents)

	event := testMention("<@UBOT> <@UDANA> ask anything")
	event.ThreadTimestamp = "1699999999.000001"
	handler.Handle(context.Background(), event)

	require.Len(t, gateway.posts, 1)
	assert.Equal(t, "1699999999.000001", gateway.posts[0].ThreadTS)
}
