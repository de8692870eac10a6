package llm

import (
	"context"
	"time"
)

// OpenAIConfig configures the OpenAI embedder. Any server exposing the
// /v1/embeddings shape can be used through BaseURL.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default text-embedding-3-small
	BaseURL string        // default https://api.openai.com
	Timeout time.Duration // default 30s
	Breaker CircuitBreakerConfig
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// OpenAIEmbedder calls POST /v1/embeddings with bearer authentication.
type OpenAIEmbedder struct {
	model    string
	endpoint *embedEndpoint
}

func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	ep := newEmbedEndpoint("openai", cfg.BaseURL, "/v1/embeddings", cfg.Timeout, cfg.Breaker)
	ep.header.Set("Authorization", "Bearer "+cfg.APIKey)
	return &OpenAIEmbedder{model: cfg.Model, endpoint: ep}
}

func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var reply openAIEmbeddingResponse
	return o.endpoint.vector(ctx, openAIEmbeddingRequest{Model: o.model, Input: text}, &reply, func() []float32 {
		if len(reply.Data) == 0 {
			return nil
		}
		vec := make([]float32, len(reply.Data[0].Embedding))
		for i, v := range reply.Data[0].Embedding {
			vec[i] = float32(v)
		}
		return vec
	})
}

func (o *OpenAIEmbedder) Breaker() *CircuitBreaker { return o.endpoint.breaker }

func (o *OpenAIEmbedder) GetModel() string { return o.model }

var _ EmbeddingGenerator = (*OpenAIEmbedder)(nil)
