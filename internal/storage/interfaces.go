// Package storage provides composable storage interfaces for entities,
// pending entities and the mention log.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The sqlite and postgres
// packages implement all of them; the redis package implements PendingStore.
package storage

import (
	"context"
	"time"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// EntityStore provides CRUD operations for canonical entities.
type EntityStore interface {
	// Insert stores a new entity. ID, CreatedAt and UpdatedAt are filled in when empty.
	// Returns ErrConflict if another entity of the same class has the same PrimaryKey.
	Insert(ctx context.Context, entity *types.Entity) error

	// Update replaces the mutable fields of an existing entity. The ID never changes.
	// Returns ErrNotFound if the entity doesn't exist.
	Update(ctx context.Context, entity *types.Entity) error

	// Get retrieves an entity by ID.
	// Returns ErrNotFound if the entity doesn't exist.
	Get(ctx context.Context, id string) (*types.Entity, error)

	// GetByPrimaryKey retrieves an entity by its natural key within a class.
	// Returns ErrNotFound if no entity matches.
	GetByPrimaryKey(ctx context.Context, class types.EntityClass, key string) (*types.Entity, error)

	// ListByClass returns the entities of one class ordered by name.
	// This is the candidate pool for fuzzy matching.
	ListByClass(ctx context.Context, class types.EntityClass, opts ListOptions) ([]types.Entity, error)
}

// VectorSearcher provides nearest-neighbour search over entity embeddings.
type VectorSearcher interface {
	// NearestNeighbors returns up to limit entities of the class whose cosine
	// similarity to vec is strictly greater than threshold, most similar first.
	NearestNeighbors(ctx context.Context, class types.EntityClass, vec []float32, limit int, threshold float64) ([]VectorHit, error)
}

// PendingStore persists pending entities. Implementations must make every
// mutation of one record atomic.
type PendingStore interface {
	// CreatePending inserts a new open pending entity.
	// Returns ErrConflict if an open record already exists for the same
	// (conversation, class, normalized name).
	CreatePending(ctx context.Context, p *types.PendingEntity) error

	// GetPending retrieves a pending entity by ID.
	// Returns ErrNotFound if it doesn't exist.
	GetPending(ctx context.Context, id string) (*types.PendingEntity, error)

	// FindOpenPending returns the open record for (conversation, class, name)
	// matched case-insensitively. Returns ErrNotFound if none is open.
	FindOpenPending(ctx context.Context, conversationID string, class types.EntityClass, name string) (*types.PendingEntity, error)

	// MutatePending loads the record, applies fn and writes the result back in a
	// single atomic unit. If fn returns an error nothing is written.
	MutatePending(ctx context.Context, id string, fn func(p *types.PendingEntity) error) (*types.PendingEntity, error)

	// CompletePending transitions an open record to complete, linking entityID and
	// stamping completedAt. It reports false without error when the record was
	// already terminal; exactly one concurrent caller observes true.
	CompletePending(ctx context.Context, id, entityID string, completedAt time.Time) (bool, error)

	// AbandonPending transitions every open record matching the filter to
	// abandoned and returns the number of records changed.
	AbandonPending(ctx context.Context, filter PendingFilter, at time.Time) (int, error)

	// ListOpenPending returns open records matching the filter, oldest mention first.
	ListOpenPending(ctx context.Context, filter PendingFilter) ([]types.PendingEntity, error)
}

// MentionLog is the append-only record of entity mentions.
type MentionLog interface {
	// AppendMention adds a record. ID and CreatedAt are filled in when empty.
	AppendMention(ctx context.Context, rec *types.MentionRecord) error

	// ListMentions returns the records for an entity, newest first.
	ListMentions(ctx context.Context, entityID string, limit int) ([]types.MentionRecord, error)

	// MentionStats derives the mention count and last mention time for an entity.
	MentionStats(ctx context.Context, entityID string) (MentionStats, error)
}

// Store composes every storage capability behind one handle.
type Store interface {
	EntityStore
	VectorSearcher
	PendingStore
	MentionLog

	// Close releases the underlying resources.
	Close() error
}
