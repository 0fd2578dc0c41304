package adapter

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// langChainClient adapts langchaingo models to the Client interface.
type langChainClient struct {
	name     string
	model    llms.Model
	embedder embeddings.Embedder
}

func newLangChainClient(cfg *Config) (*langChainClient, error) {
	client := &langChainClient{name: cfg.Name}
	switch cfg.Kind {
	case "openai":
		opts := []openai.Option{
			openai.WithModel(cfg.Model),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.APIURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.APIURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: initialize openai client: %w", cfg.Name, err)
		}
		client.model = llm
		embedder, err := newEmbedder(cfg, llm)
		if err != nil {
			return nil, err
		}
		client.embedder = embedder
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		if cfg.APIURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.APIURL))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: initialize anthropic client: %w", cfg.Name, err)
		}
		client.model = llm
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.APIURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.APIURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("adapter %q: initialize ollama client: %w", cfg.Name, err)
		}
		client.model = llm
		embedder, err := newEmbedder(cfg, llm)
		if err != nil {
			return nil, err
		}
		client.embedder = embedder
	default:
		return nil, fmt.Errorf("adapter %q: kind %q has no langchain backend", cfg.Name, cfg.Kind)
	}
	return client, nil
}

func newEmbedder(cfg *Config, client embeddings.EmbedderClient) (embeddings.Embedder, error) {
	opts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if cfg.BatchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	embedder, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("adapter %q: construct embedder: %w", cfg.Name, err)
	}
	return embedder, nil
}

func (c *langChainClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
	options := make([]llms.CallOption, 0, 3)
	if req.Temperature > 0 {
		options = append(options, llms.WithTemperature(req.Temperature))
	}
	if req.MaxTokens > 0 {
		options = append(options, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSONMode {
		options = append(options, llms.WithJSONMode())
	}
	response, err := c.model.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, err
	}
	if response == nil || len(response.Choices) == 0 {
		return nil, fmt.Errorf("empty response from model")
	}
	choice := response.Choices[0]
	out := &GenerateResponse{Content: choice.Content}
	out.TokensIn, out.TokensOut = usageFromGenerationInfo(choice.GenerationInfo)
	return out, nil
}

// usageFromGenerationInfo extracts token usage from the loosely typed
// generation info map; key names differ per backend.
func usageFromGenerationInfo(info map[string]any) (int, int) {
	in := intFromAny(info["PromptTokens"])
	if in == 0 {
		in = intFromAny(info["InputTokens"])
	}
	out := intFromAny(info["CompletionTokens"])
	if out == 0 {
		out = intFromAny(info["OutputTokens"])
	}
	return in, out
}

func intFromAny(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (c *langChainClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.embedder == nil {
		return nil, fmt.Errorf("provider %q does not support embeddings", c.name)
	}
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("received %d embeddings for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

func (c *langChainClient) Close() error {
	return nil
}
