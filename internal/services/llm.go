package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doppelhq/doppel/internal/log"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ErrEmptyModelResponse indicates the model returned no text content.
var ErrEmptyModelResponse = errors.New("model returned no text content")

// LLMService calls the language model: given a system prompt and a context
// string, it returns generated text within the configured token and
// temperature budget.
type LLMService struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewLLMService creates an LLMService for the given model and sampling budget.
func NewLLMService(apiKey, model string, maxTokens int, temperature float64) *LLMService {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &LLMService{
		client:      &client,
		model:       model,
		maxTokens:   int64(maxTokens),
		temperature: temperature,
	}
}

// GenerateAnswer runs one model call and concatenates the text blocks of the
// response. There is no wall-clock timeout here; the output-token budget and
// the transport's own timeout bound the call.
func (s *LLMService) GenerateAnswer(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	startTime := time.Now()

	response, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(s.model),
		MaxTokens:   s.maxTokens,
		Temperature: anthropic.Float(s.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", ErrEmptyModelResponse
	}

	log.Debug(ctx, "Model call completed",
		"model", s.model,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"duration_seconds", time.Since(startTime).Seconds(),
	)

	return text.String(), nil
}
