// Package openai implements LLMProvider using OpenAI's chat completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/jortega/docagent/pkg/provider"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

// Config contains OpenAI provider configuration.
type Config struct {
	Model   string
	APIKey  string // If empty, uses OPENAI_API_KEY env var
	BaseURL string // Optional: custom API endpoint
}

// Provider implements the LLMProvider interface for OpenAI.
type Provider struct {
	config Config
	client *openai.Client
}

// New creates a new OpenAI language model provider.
func New(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Provider{
		config: cfg,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "openai"
}

// Generate produces a completion for the given prompt.
func (p *Provider) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// Close releases resources.
func (p *Provider) Close() error {
	// HTTP client doesn't need explicit cleanup
	return nil
}

// Ensure Provider implements LLMProvider interface
var _ provider.LLMProvider = (*Provider)(nil)
