// Package engine resolves conversational mentions to canonical entities and
// retrieves related context across entity classes.
//
// The Matcher scores candidates, the PendingTracker remembers mentions that
// could not be resolved yet, the Resolver combines both, and the Retriever
// runs semantic search across document, task and message entities.
package engine

import (
	"fmt"
	"time"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Config holds configuration for entity resolution and retrieval.
type Config struct {
	// AcceptThreshold is the minimum matcher score for a candidate to be
	// accepted as resolved (default: 75).
	AcceptThreshold int

	// AmbiguityMargin is the score gap below the top candidate within which a
	// second acceptable candidate makes the result ambiguous (default: 10).
	AmbiguityMargin int

	// MaxSuggestions caps the suggestions returned with NeedsInfo (default: 3).
	MaxSuggestions int

	// CandidatePoolSize caps the entities loaded per class for matching (default: 500).
	CandidatePoolSize int

	// TrackedClasses are the classes that create pending entities when a
	// mention cannot be resolved (default: contact).
	TrackedClasses []types.EntityClass

	// RequiredFields lists, per class, the fields needed before a pending
	// entity can become canonical (default: contact -> email).
	RequiredFields map[types.EntityClass][]string

	// PendingIdleTimeout is the inactivity window after which open pending
	// entities are abandoned (default: 24h). Zero disables the janitor.
	PendingIdleTimeout time.Duration

	// JanitorInterval is how often idle pending entities are swept (default: 10m).
	JanitorInterval time.Duration

	// PerTypeLimit is the retriever's per-class result cap (default: 3).
	PerTypeLimit int

	// SimilarityThreshold is the retriever's minimum cosine similarity (default: 0.7).
	SimilarityThreshold float64

	// SearchTypes are the classes searched when a query names none
	// (default: document, task, message).
	SearchTypes []types.EntityClass
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AcceptThreshold:     75,
		AmbiguityMargin:     10,
		MaxSuggestions:      3,
		CandidatePoolSize:   500,
		TrackedClasses:      []types.EntityClass{types.ClassContact},
		RequiredFields:      map[types.EntityClass][]string{types.ClassContact: {"email"}},
		PendingIdleTimeout:  24 * time.Hour,
		JanitorInterval:     10 * time.Minute,
		PerTypeLimit:        3,
		SimilarityThreshold: 0.7,
		SearchTypes:         []types.EntityClass{types.ClassDocument, types.ClassTask, types.ClassMessage},
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.AcceptThreshold < 1 || c.AcceptThreshold > 100 {
		return fmt.Errorf("AcceptThreshold must be in [1, 100], got %d", c.AcceptThreshold)
	}
	if c.AmbiguityMargin < 0 {
		return fmt.Errorf("AmbiguityMargin must be >= 0, got %d", c.AmbiguityMargin)
	}
	if c.CandidatePoolSize < 1 {
		return fmt.Errorf("CandidatePoolSize must be >= 1, got %d", c.CandidatePoolSize)
	}
	if c.PerTypeLimit < 1 {
		return fmt.Errorf("PerTypeLimit must be >= 1, got %d", c.PerTypeLimit)
	}
	if c.SimilarityThreshold < -1 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SimilarityThreshold must be in [-1, 1], got %v", c.SimilarityThreshold)
	}
	if c.PendingIdleTimeout < 0 || c.JanitorInterval < 0 {
		return fmt.Errorf("pending timeouts must be >= 0")
	}
	for _, class := range append(append([]types.EntityClass{}, c.TrackedClasses...), c.SearchTypes...) {
		if !types.IsValidEntityClass(class) {
			return fmt.Errorf("unknown entity class %q", class)
		}
	}
	return nil
}

// IsTracked reports whether unresolved mentions of class create pending entities.
func (c *Config) IsTracked(class types.EntityClass) bool {
	for _, tracked := range c.TrackedClasses {
		if tracked == class {
			return true
		}
	}
	return false
}
