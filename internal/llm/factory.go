package llm

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EmbeddingConfig selects and configures an embedding provider.
type EmbeddingConfig struct {
	Provider string        `yaml:"provider"` // ollama, openai or none
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NewEmbeddingGenerator creates the configured EmbeddingGenerator.
// Returns (nil, nil) when embeddings are disabled.
func NewEmbeddingGenerator(cfg EmbeddingConfig, logger *zap.Logger) (EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "ollama":
		breaker := DefaultCircuitBreakerConfig("ollama-embed")
		breaker.Logger = logger
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
			Breaker: breaker,
		}), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		breaker := DefaultCircuitBreakerConfig("openai-embed")
		breaker.Logger = logger
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Breaker: breaker,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}
