package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// backend, so tests can substitute a mock instead of making HTTP calls.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicBackend calls the Anthropic Messages API.
type AnthropicBackend struct {
	client      MessagesClient
	model       string
	maxTokens   int64
	temperature float64
}

// AnthropicOptions configures AnthropicBackend.
type AnthropicOptions struct {
	APIKey      string
	Model       string
	Temperature float64 // default 0.3
	MaxTokens   int64   // default 4096
}

// NewAnthropicBackend builds a backend from connection options, constructing
// the underlying SDK client.
func NewAnthropicBackend(opts AnthropicOptions) (*AnthropicBackend, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("llm: anthropic api key is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("llm: anthropic model is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(opts.APIKey))
	return newAnthropicBackend(client.Messages, opts), nil
}

func newAnthropicBackend(client MessagesClient, opts AnthropicOptions) *AnthropicBackend {
	temp := opts.Temperature
	if temp == 0 {
		temp = 0.3
	}
	maxTok := opts.MaxTokens
	if maxTok == 0 {
		maxTok = 4096
	}
	return &AnthropicBackend{client: client, model: opts.Model, maxTokens: maxTok, temperature: temp}
}

// Complete implements Adapter.
func (b *AnthropicBackend) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := b.client.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("llm: anthropic response had no text content")
	}
	return sb.String(), nil
}
