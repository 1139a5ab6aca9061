// Package llm wraps the general-purpose language model used for intent
// fallback, chat replies and edit-prompt rewriting.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrEmptyCompletion is returned when the model produced no choices.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrNoAPIKey is returned by NewOpenAI without credentials.
	ErrNoAPIKey = errors.New("openai api key is empty")
)

// Message is one prior chat message passed as context.
type Message struct {
	Role    string
	Content string
}

// Completion is a single request to the model.
type Completion struct {
	System  string
	History []Message
	User    string
	// JSON asks the model for a JSON object response.
	JSON        bool
	Temperature float32
	MaxTokens   int
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, req Completion) (string, error)
}

// OpenAIConfig configures the OpenAI-backed completer.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI implements Completer with the Chat Completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Completer = (*OpenAI)(nil)

// NewClient builds a go-openai client from key and optional base URL.
func NewClient(apiKey, baseURL string) (*openai.Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// NewOpenAI creates a completer.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) (*OpenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := NewClient(cfg.APIKey, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{client: client, model: model, timeout: cfg.Timeout, logger: logger}, nil
}

// Complete sends a chat completion request and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, req Completion) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	chatReq := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	o.logger.Debug("chat completion finished",
		"model", o.model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Choices[0].Message.Content, nil
}
