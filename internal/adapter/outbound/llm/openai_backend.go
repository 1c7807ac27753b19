package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ChatCompletionsClient captures the subset of the OpenAI SDK used by the
// backend, so tests can substitute a mock instead of making HTTP calls.
type ChatCompletionsClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIBackend calls an OpenAI-compatible chat-completion endpoint.
type OpenAIBackend struct {
	client      ChatCompletionsClient
	model       string
	temperature float64
	maxTokens   int64
}

// OpenAIOptions configures OpenAIBackend.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string // optional, for OpenAI-compatible endpoints
	Model       string
	Temperature float64 // default 0.3
	MaxTokens   int64   // default 4096
}

// NewOpenAIBackend builds a backend from connection options, constructing
// the underlying SDK client.
func NewOpenAIBackend(opts OpenAIOptions) (*OpenAIBackend, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("llm: openai model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	return newOpenAIBackend(client.Chat.Completions, opts), nil
}

func newOpenAIBackend(client ChatCompletionsClient, opts OpenAIOptions) *OpenAIBackend {
	temp := opts.Temperature
	if temp == 0 {
		temp = 0.3
	}
	maxTok := opts.MaxTokens
	if maxTok == 0 {
		maxTok = 4096
	}
	return &OpenAIBackend{client: client, model: opts.Model, temperature: temp, maxTokens: maxTok}
}

// Complete implements Adapter.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.New(ctx, openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(b.temperature),
		MaxTokens:   openai.Int(b.maxTokens),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: openai response had no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
