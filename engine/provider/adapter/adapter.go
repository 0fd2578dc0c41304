// Package adapter wraps third-party LLM SDKs behind one client contract so
// the router can treat every configured provider uniformly.
package adapter

import (
	"context"
	"fmt"
)

// Config carries the connection settings the adapter layer needs.
type Config struct {
	Name      string
	Kind      string
	Model     string
	APIKey    string
	APIURL    string
	BatchSize int
}

// GenerateRequest is a provider-independent completion request.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// GenerateResponse carries the completion text and reported token usage.
// Token counts are zero when the provider does not report usage.
type GenerateResponse struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// Client is the uniform contract for one provider backend.
type Client interface {
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	// Embed produces one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Close releases client resources.
	Close() error
}

// Factory builds a Client for a provider configuration.
type Factory func(cfg *Config) (Client, error)

// New is the default factory covering all supported provider kinds.
func New(cfg *Config) (Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("adapter: config is required")
	}
	switch cfg.Kind {
	case "openai", "anthropic", "ollama":
		return newLangChainClient(cfg)
	case "mock":
		return NewMockClient(cfg.Name), nil
	default:
		return nil, fmt.Errorf("adapter: provider kind %q is not supported", cfg.Kind)
	}
}
