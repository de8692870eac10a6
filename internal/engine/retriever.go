package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ImCalebP/ai-employee/internal/llm"
	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// snippetLength caps the text carried by a hit.
const snippetLength = 200

// Query describes a cross-class semantic search. Threshold is the strict
// minimum similarity; nil means the configured default, while an explicit
// zero keeps every positive match. Limit truncates the merged list and zero
// means PerTypeLimit.
type Query struct {
	Vector       []float32           `json:"vector,omitempty"`
	PerTypeLimit int                 `json:"per_type_limit,omitempty"`
	Threshold    *float64            `json:"threshold,omitempty"`
	Types        []types.EntityClass `json:"types,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
}

// Hit is one merged search result.
type Hit struct {
	Class      types.EntityClass `json:"class"`
	EntityID   string            `json:"entity_id"`
	Name       string            `json:"name"`
	Snippet    string            `json:"snippet"`
	Similarity float64           `json:"similarity"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Retriever runs one nearest-neighbour query per entity class and merges the
// per-class results, so a small class is never crowded out by a larger one.
type Retriever struct {
	searcher storage.VectorSearcher
	embedder llm.EmbeddingGenerator
	cfg      Config
	logger   *zap.Logger
}

// NewRetriever creates a retriever. embedder may be nil; SearchText then
// returns ErrNoEmbedder.
func NewRetriever(searcher storage.VectorSearcher, embedder llm.EmbeddingGenerator, cfg Config, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{searcher: searcher, embedder: embedder, cfg: cfg, logger: logger}
}

// Search runs q against every requested class concurrently.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Hit, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is required", storage.ErrInvalidInput)
	}
	q = r.withDefaults(q)
	threshold := *q.Threshold

	perClass := make([][]Hit, len(q.Types))
	g, gctx := errgroup.WithContext(ctx)
	for i, class := range q.Types {
		g.Go(func() error {
			found, err := r.searcher.NearestNeighbors(gctx, class, q.Vector, q.PerTypeLimit, threshold)
			if err != nil {
				return fmt.Errorf("failed to search %s: %w", class, err)
			}
			hits := make([]Hit, 0, len(found))
			for _, vh := range found {
				if vh.Similarity <= threshold {
					continue
				}
				hits = append(hits, toHit(vh))
				if len(hits) == q.PerTypeLimit {
					break
				}
			}
			perClass[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([]Hit, 0, len(q.Types)*q.PerTypeLimit)
	for _, hits := range perClass {
		merged = append(merged, hits...)
	}
	sortHits(merged)
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}

	r.logger.Debug("retrieval complete", zap.Int("classes", len(q.Types)), zap.Int("hits", len(merged)))
	return merged, nil
}

// SearchText embeds text and searches with it.
func (r *Retriever) SearchText(ctx context.Context, text string, q Query) ([]Hit, error) {
	if r.embedder == nil {
		return nil, ErrNoEmbedder
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: query text is required", storage.ErrInvalidInput)
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	q.Vector = vec
	return r.Search(ctx, q)
}

func (r *Retriever) withDefaults(q Query) Query {
	if q.PerTypeLimit <= 0 {
		q.PerTypeLimit = r.cfg.PerTypeLimit
	}
	if q.Threshold == nil {
		threshold := r.cfg.SimilarityThreshold
		q.Threshold = &threshold
	}
	if len(q.Types) == 0 {
		q.Types = r.cfg.SearchTypes
	}
	q.Types = dedupeClasses(q.Types)
	if q.Limit <= 0 {
		q.Limit = q.PerTypeLimit
	}
	return q
}

func dedupeClasses(classes []types.EntityClass) []types.EntityClass {
	seen := make(map[types.EntityClass]bool, len(classes))
	out := make([]types.EntityClass, 0, len(classes))
	for _, c := range classes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func toHit(vh storage.VectorHit) Hit {
	text := vh.Entity.Text
	if text == "" {
		text = vh.Entity.Name
	}
	if cut, ok := truncateRunes(text, snippetLength); ok {
		text = cut + "..."
	}
	return Hit{
		Class:      vh.Entity.Class,
		EntityID:   vh.Entity.ID,
		Name:       vh.Entity.DisplayName(),
		Snippet:    text,
		Similarity: vh.Similarity,
		CreatedAt:  vh.Entity.CreatedAt,
	}
}

// sortHits orders by similarity descending, then newer first, then id.
func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.EntityID < b.EntityID
	})
}

// Summarize renders hits as a short plain-text context block grouped by class.
func Summarize(hits []Hit) string {
	if len(hits) == 0 {
		return "No related context found."
	}

	groups := make(map[types.EntityClass][]Hit)
	var order []types.EntityClass
	for _, h := range hits {
		if _, ok := groups[h.Class]; !ok {
			order = append(order, h.Class)
		}
		groups[h.Class] = append(groups[h.Class], h)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d related items:\n", len(hits))
	for _, class := range order {
		fmt.Fprintf(&b, "%s (%d):\n", class, len(groups[class]))
		for _, h := range groups[class] {
			fmt.Fprintf(&b, "- %s (%.0f%%)", h.Name, h.Similarity*100)
			if h.Snippet != "" && h.Snippet != h.Name {
				fmt.Fprintf(&b, ": %s", h.Snippet)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
