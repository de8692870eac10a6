package storage

import (
	"errors"
	"time"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates that a natural key or open-record uniqueness
	// constraint was violated.
	ErrConflict = errors.New("conflict")
)

// VectorHit is one nearest-neighbour result.
type VectorHit struct {
	Entity     types.Entity
	Similarity float64
}

// ListOptions provides pagination for list operations.
type ListOptions struct {
	// Limit is the number of items to return (default: 50, max: 500).
	Limit int

	// Offset is the number of items to skip.
	Offset int
}

// MaxListLimit is the largest page a List call returns.
const MaxListLimit = 500

// Normalize applies defaults and bounds to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// PendingFilter selects pending entities for listing or bulk abandonment.
type PendingFilter struct {
	// ConversationID restricts to one conversation. Empty means all.
	ConversationID string

	// Class restricts to one entity class. Empty means all.
	Class types.EntityClass

	// IdleBefore restricts to records whose UpdatedAt is strictly before this
	// time. Zero value means no bound.
	IdleBefore time.Time
}

// MentionStats summarizes the mention log for one entity.
type MentionStats struct {
	Count           int
	LastMentionedAt time.Time
}
