package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig represents the configuration for an embedding client.
type EmbedderConfig struct {
	Provider  string
	Model     string
	BaseURL   string // Ollama server URL or OpenAI-compatible endpoint
	APIKey    string
	BatchSize int
}

// NewEmbedder builds a langchaingo embedder for the configured provider.
func NewEmbedder(config EmbedderConfig) (embeddings.Embedder, error) {
	if config.Provider == "" {
		config.Provider = ProviderOllama
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}

	var client embeddings.EmbedderClient
	switch config.Provider {
	case ProviderOllama:
		if config.Model == "" {
			config.Model = "nomic-embed-text:latest"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
		}
		client = emb
	case ProviderOpenAI:
		if config.APIKey == "" {
			return nil, fmt.Errorf("openai embedder requires an API key")
		}
		if config.Model == "" {
			config.Model = "text-embedding-3-small"
		}
		opts := []openai.Option{
			openai.WithToken(config.APIKey),
			openai.WithEmbeddingModel(config.Model),
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		emb, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embedder: %w", err)
		}
		client = emb
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", config.Provider)
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}
