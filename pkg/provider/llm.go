package provider

import "context"

// GenerateOptions controls a single generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float32
}

// LLMProvider generates text from a prompt.
type LLMProvider interface {
	// Name returns the provider name (e.g., "ollama", "openai").
	Name() string

	// Generate produces a completion for the given prompt.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// Close releases any resources.
	Close() error
}
