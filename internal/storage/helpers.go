package storage

import (
	"crypto/rand"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new random identifier for entities, pending entities and plans.
func NewID() string {
	return uuid.New().String()
}

// NewMentionID returns a time-sortable identifier for mention records.
func NewMentionID(at time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), ulidEntropy).String()
}

// NormalizeName folds a mention or entity name for case-insensitive keys:
// lower case, surrounding whitespace trimmed, inner whitespace collapsed.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// NormalizeKey folds a natural key (email) for uniqueness checks.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// PrepareEntity validates an entity before insert and fills in defaults.
func PrepareEntity(e *types.Entity, now time.Time) error {
	if e == nil {
		return ErrInvalidInput
	}
	if !types.IsValidEntityClass(e.Class) {
		return fmt.Errorf("%w: unknown entity class %q", ErrInvalidInput, e.Class)
	}
	if strings.TrimSpace(e.DisplayName()) == "" {
		return fmt.Errorf("%w: entity name is required", ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Name == "" {
		e.Name = e.DisplayName()
	}
	e.PrimaryKey = NormalizeKey(e.PrimaryKey)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	return nil
}

// PreparePending validates a new pending entity and fills in defaults.
func PreparePending(p *types.PendingEntity, now time.Time) error {
	if p == nil {
		return ErrInvalidInput
	}
	if !types.IsValidEntityClass(p.Class) {
		return fmt.Errorf("%w: unknown entity class %q", ErrInvalidInput, p.Class)
	}
	if NormalizeName(p.Name) == "" {
		return fmt.Errorf("%w: pending entity name is required", ErrInvalidInput)
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Status == "" {
		p.Status = types.PendingOpen
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: new pending entity cannot be %s", ErrInvalidInput, p.Status)
	}
	if p.KnownInfo == nil {
		p.KnownInfo = map[string]string{}
	}
	if p.MissingFields == nil {
		p.MissingFields = []string{}
	}
	if p.MentionedAt.IsZero() {
		p.MentionedAt = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	p.CompletedAt = nil
	return nil
}

// CheckPendingInvariants verifies a mutated pending entity before it is written back.
func CheckPendingInvariants(before, after *types.PendingEntity) error {
	if after.ID != before.ID || after.Class != before.Class || after.ConversationID != before.ConversationID {
		return fmt.Errorf("%w: pending entity identity cannot change", ErrInvalidInput)
	}
	if NormalizeName(after.Name) != NormalizeName(before.Name) {
		return fmt.Errorf("%w: pending entity name cannot change", ErrInvalidInput)
	}
	if after.Status != before.Status && !types.CanTransition(before.Status, after.Status) {
		return fmt.Errorf("%w: invalid pending transition %s -> %s", ErrInvalidInput, before.Status, after.Status)
	}
	if before.Status.IsTerminal() && !pendingEqual(before, after) {
		return fmt.Errorf("%w: pending entity %s is %s", ErrInvalidInput, before.ID, before.Status)
	}
	if (after.Status == types.PendingComplete) != (after.CompletedAt != nil) {
		return fmt.Errorf("%w: completed_at must be set iff status is complete", ErrInvalidInput)
	}
	return nil
}

func pendingEqual(a, b *types.PendingEntity) bool {
	return a.Status == b.Status && a.EntityID == b.EntityID && a.UpdatedAt.Equal(b.UpdatedAt)
}

// CosineSimilarity computes cosine similarity between two equal-length vectors.
// Returns 0 if either vector has zero magnitude or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
