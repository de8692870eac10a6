package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

func (h *handlers) executePlan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Orchestrator == nil {
		h.respondError(w, http.StatusServiceUnavailable, "plan execution is not configured", nil)
		return
	}
	var plan types.ActionPlan
	if !h.decode(w, r, &plan) {
		return
	}
	if plan.ID == "" {
		plan.ID = storage.NewID()
	}

	results, err := h.deps.Orchestrator.Execute(r.Context(), &plan)
	if err != nil {
		h.respondErr(w, "plan execution failed", err)
		return
	}
	h.respondJSON(w, http.StatusOK, PlanResponse{
		PlanID:  plan.ID,
		Results: results,
		Summary: orchestrator.Summarize(results),
	})
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	var m types.Mention
	if !h.decode(w, r, &m) {
		return
	}
	res, err := h.deps.Resolver.Resolve(r.Context(), m)
	if err != nil {
		h.respondErr(w, "resolution failed", err)
		return
	}
	h.respondJSON(w, http.StatusOK, ResolveResponse{Resolution: res, Prompt: engine.ResolutionPrompt(res)})
}

func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.deps.Resolver.Tracker().ListOpen(r.Context(), r.URL.Query().Get("conversation"))
	if err != nil {
		h.respondErr(w, "failed to list pending entities", err)
		return
	}
	prompts := make(map[string]string, len(grouped))
	for conv, list := range grouped {
		prompts[conv] = engine.ClarificationPrompt(list)
	}
	h.respondJSON(w, http.StatusOK, PendingListResponse{Pending: grouped, Prompts: prompts})
}

func (h *handlers) getPending(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Resolver.Tracker().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondErr(w, "failed to get pending entity", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *handlers) supplyInfo(w http.ResponseWriter, r *http.Request) {
	var req SupplyInfoRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.deps.Resolver.Tracker().SupplyInfo(r.Context(), r.PathValue("id"), req.Fields)
	if errors.Is(err, engine.ErrPendingClosed) && p != nil {
		h.respondJSON(w, http.StatusConflict, p)
		return
	}
	if err != nil {
		h.respondErr(w, "failed to update pending entity", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

func (h *handlers) completePending(w http.ResponseWriter, r *http.Request) {
	entity, won, err := h.deps.Resolver.Complete(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondErr(w, "failed to complete pending entity", err)
		return
	}
	h.respondJSON(w, http.StatusOK, CompleteResponse{Entity: entity, Completed: won})
}

func (h *handlers) abandonPending(w http.ResponseWriter, r *http.Request) {
	changed, err := h.deps.Resolver.Tracker().Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondErr(w, "failed to abandon pending entity", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"abandoned": changed})
}

func (h *handlers) closeConversation(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Resolver.Tracker().CloseConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.respondErr(w, "failed to close conversation", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"abandoned": n})
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	if h.deps.Retriever == nil {
		h.respondError(w, http.StatusNotImplemented, "retrieval is not configured", nil)
		return
	}
	var req SearchRequest
	if !h.decode(w, r, &req) {
		return
	}

	var hits []engine.Hit
	var err error
	if len(req.Vector) > 0 {
		hits, err = h.deps.Retriever.Search(r.Context(), req.Query)
	} else {
		hits, err = h.deps.Retriever.SearchText(r.Context(), req.Text, req.Query)
	}
	if err != nil {
		h.respondErr(w, "search failed", err)
		return
	}
	if hits == nil {
		hits = []engine.Hit{}
	}
	h.respondJSON(w, http.StatusOK, SearchResponse{Hits: hits, Summary: engine.Summarize(hits)})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if h.deps.Pool != nil {
		resp.Pool = h.deps.Pool.Stats()
	}
	if h.deps.Hub != nil {
		resp.WSClients = h.deps.Hub.ClientCount()
	}
	if b, ok := h.deps.Embedder.(interface{ Breaker() *llm.CircuitBreaker }); ok {
		cb := b.Breaker()
		resp.Embedding = &EmbeddingHealth{
			Model:   h.deps.Embedder.GetModel(),
			Breaker: cb.State(),
			Metrics: cb.Metrics(),
		}
		if resp.Embedding.Breaker == "open" {
			resp.Status = "degraded"
		}
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v and answers 400 on failure.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidInput), errors.Is(err, types.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrConflict), errors.Is(err, engine.ErrPendingClosed):
		return http.StatusConflict
	case errors.Is(err, engine.ErrMissingFields):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrNoEmbedder):
		return http.StatusNotImplemented
	case errors.Is(err, orchestrator.ErrPoolStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handlers) respondErr(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	h.respondError(w, status, message, err)
}

// respondJSON writes a JSON response with the given status code.
func (h *handlers) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent; only log.
		h.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// respondError writes an error response with the given status code.
func (h *handlers) respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]any{"error": fmt.Sprint(err)}
	}
	h.respondJSON(w, statusCode, errResp)
}
