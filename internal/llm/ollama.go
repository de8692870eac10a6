package llm

import (
	"context"
	"time"
)

// OllamaConfig configures the local Ollama embedder.
type OllamaConfig struct {
	BaseURL string        // default http://localhost:11434
	Model   string        // default nomic-embed-text
	Timeout time.Duration // default 10s
	Breaker CircuitBreakerConfig
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse carries one vector per input; a single string is sent, so
// only the first is read.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls POST /api/embed on an Ollama server.
type OllamaEmbedder struct {
	model    string
	endpoint *embedEndpoint
}

func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OllamaEmbedder{
		model:    cfg.Model,
		endpoint: newEmbedEndpoint("ollama", cfg.BaseURL, "/api/embed", cfg.Timeout, cfg.Breaker),
	}
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var reply embedResponse
	return o.endpoint.vector(ctx, embedRequest{Model: o.model, Input: text}, &reply, func() []float32 {
		if len(reply.Embeddings) == 0 {
			return nil
		}
		return reply.Embeddings[0]
	})
}

// HealthCheck probes /api/version. It does not go through the breaker, so it
// reports the server's state even while embeddings are being refused.
func (o *OllamaEmbedder) HealthCheck(ctx context.Context) error {
	return o.endpoint.get(ctx, "/api/version")
}

func (o *OllamaEmbedder) Breaker() *CircuitBreaker { return o.endpoint.breaker }

func (o *OllamaEmbedder) GetModel() string { return o.model }

var _ EmbeddingGenerator = (*OllamaEmbedder)(nil)
