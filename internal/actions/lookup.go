package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/engine"
	"github.com/ImCalebP/ai-employee/internal/orchestrator"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/internal/transport"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// ResolveContact executes resolve_contact steps.
//
// Params: name, context (optional).
type ResolveContact struct {
	Resolver orchestrator.MentionResolver
	Notifier transport.Notifier

	// Mentions adds interaction history to the payload when set.
	Mentions storage.MentionLog
	Logger   *zap.Logger
}

// Execute resolves the name and returns the contact's fields. An unresolved
// name fails the step with the resolution's class and asks the conversation.
func (r *ResolveContact) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	name := stringParam(req.Params, "name")
	if name == "" {
		return nil, needsInfo("contact name is required")
	}

	res, err := r.Resolver.Resolve(ctx, types.Mention{
		Text:           name,
		Context:        stringParam(req.Params, "context"),
		Class:          types.ClassContact,
		ConversationID: req.ConversationID,
		Confidence:     0.5,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidInput) {
			return nil, needsInfo("%v", err)
		}
		return nil, fmt.Errorf("failed to resolve contact: %w", err)
	}

	if res.Outcome != engine.OutcomeResolved {
		prompt := engine.ResolutionPrompt(res)
		if r.Notifier != nil && prompt != "" {
			_ = r.Notifier.Notify(ctx, transport.Notification{
				Kind:           transport.KindClarification,
				ConversationID: req.ConversationID,
				PlanID:         req.PlanID,
				StepID:         req.StepID,
				Text:           prompt,
				CreatedAt:      time.Now(),
			})
		}
		return nil, types.NewStepError(res.ErrorClass(), "contact %q: %s", name, res.Outcome)
	}

	e := res.Entity
	out := map[string]any{
		"contact_id": e.ID,
		"name":       e.DisplayName(),
		"email":      e.PrimaryKey,
		"first_name": e.FirstName,
		"last_name":  e.LastName,
		"company":    e.Group,
		"role":       e.Field("role"),
		"score":      res.Score,
	}
	r.addActivity(ctx, e.ID, out)
	return out, nil
}

// addActivity sets mention_count and last_mentioned_at. The history is a
// hint for the caller; a failed lookup leaves it out.
func (r *ResolveContact) addActivity(ctx context.Context, entityID string, out map[string]any) {
	if r.Mentions == nil {
		return
	}
	stats, err := r.Mentions.MentionStats(ctx, entityID)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("failed to load mention stats", zap.String("entity_id", entityID), zap.Error(err))
		}
		return
	}
	out["mention_count"] = stats.Count
	if !stats.LastMentionedAt.IsZero() {
		out["last_mentioned_at"] = stats.LastMentionedAt.UTC().Format(time.RFC3339)
	}
}

// ContextEnrichment executes context_enrichment steps: it searches documents,
// tasks and messages related to the query.
//
// Params: query, types (optional list), limit (optional).
type ContextEnrichment struct {
	Retriever Searcher
}

// Execute runs the search and returns the hits and a text summary.
func (c *ContextEnrichment) Execute(ctx context.Context, req orchestrator.Request) (map[string]any, error) {
	query := stringParam(req.Params, "query")
	if query == "" {
		return nil, needsInfo("search query is required")
	}

	q := engine.Query{Limit: intParam(req.Params, "limit")}
	for _, name := range listParam(req.Params, "types") {
		class, ok := types.ParseEntityClass(name)
		if !ok {
			return nil, needsInfo("unknown entity type %q", name)
		}
		q.Types = append(q.Types, class)
	}

	hits, err := c.Retriever.SearchText(ctx, query, q)
	if err != nil {
		return nil, fmt.Errorf("context search failed: %w", err)
	}

	items := make([]any, len(hits))
	for i, h := range hits {
		items[i] = map[string]any{
			"class":      string(h.Class),
			"entity_id":  h.EntityID,
			"name":       h.Name,
			"snippet":    h.Snippet,
			"similarity": h.Similarity,
		}
	}
	return map[string]any{
		"query":   query,
		"count":   len(hits),
		"hits":    items,
		"summary": engine.Summarize(hits),
	}, nil
}
