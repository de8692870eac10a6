package server

import (
	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// PlanResponse is the response for POST /v1/plans.
type PlanResponse struct {
	PlanID  string                      `json:"plan_id"`
	Results map[string]types.StepResult `json:"results"`
	Summary types.ExecutionSummary      `json:"summary"`
}

// ResolveResponse is the response for POST /v1/resolve.
type ResolveResponse struct {
	*engine.Resolution
	Prompt string `json:"prompt,omitempty"`
}

// PendingListResponse is the response for GET /v1/pending.
type PendingListResponse struct {
	Pending map[string][]types.PendingEntity `json:"pending"`
	// Prompts holds the next clarification question per conversation.
	Prompts map[string]string `json:"prompts"`
}

// SupplyInfoRequest is the body of POST /v1/pending/{id}/info.
type SupplyInfoRequest struct {
	Fields map[string]string `json:"fields"`
}

// CompleteResponse is the response for POST /v1/pending/{id}/complete.
type CompleteResponse struct {
	Entity    *types.Entity `json:"entity"`
	Completed bool          `json:"completed"`
}

// SearchRequest is the body of POST /v1/search. Text is embedded unless a
// vector is given.
type SearchRequest struct {
	Text string `json:"text,omitempty"`
	engine.Query
}

// SearchResponse is the response for POST /v1/search.
type SearchResponse struct {
	Hits    []engine.Hit `json:"hits"`
	Summary string       `json:"summary"`
}

// HealthResponse is the response for GET /v1/health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Pool      orchestrator.PoolStats `json:"pool"`
	WSClients int                    `json:"ws_clients"`
	Embedding *EmbeddingHealth       `json:"embedding,omitempty"`
}

// EmbeddingHealth reports the embedding provider's circuit breaker. Status is
// "degraded" while the breaker is open; resolution keeps working, semantic
// search does not.
type EmbeddingHealth struct {
	Model   string                    `json:"model"`
	Breaker string                    `json:"breaker"`
	Metrics llm.CircuitBreakerMetrics `json:"metrics"`
}
