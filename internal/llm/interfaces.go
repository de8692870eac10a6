// Package llm provides embedding clients used for semantic retrieval.
//
// Every client wraps its HTTP calls in a CircuitBreaker so a failing model
// server does not stall request handling.
package llm

import "context"

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
