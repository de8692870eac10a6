package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// trackAttempts bounds the create/re-read loop when concurrent mentions of the
// same name race each other.
const trackAttempts = 4

// PendingTracker owns the lifecycle of pending entities:
//
//	pending -> gathering -> complete
//	       \            \-> abandoned
//	        \-> complete | abandoned
//
// Terminal statuses never change again. All writes go through the store's
// atomic primitives, so concurrent callers never observe a half-applied update.
type PendingTracker struct {
	store    storage.PendingStore
	required map[types.EntityClass][]string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPendingTracker creates a tracker backed by store.
func NewPendingTracker(store storage.PendingStore, cfg Config, logger *zap.Logger) *PendingTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingTracker{
		store:    store,
		required: cfg.RequiredFields,
		logger:   logger,
		now:      time.Now,
	}
}

// RequiredFields returns the fields needed to complete a pending entity of class.
func (t *PendingTracker) RequiredFields(class types.EntityClass) []string {
	return t.required[class]
}

// TrackMention records an unresolved mention. Re-mentioning a name that
// already has an open record in the same conversation updates that record
// instead of creating a duplicate.
func (t *PendingTracker) TrackMention(ctx context.Context, m types.Mention) (*types.PendingEntity, error) {
	name := strings.Join(strings.Fields(m.Text), " ")
	if name == "" {
		return nil, fmt.Errorf("%w: mention text is required", storage.ErrInvalidInput)
	}
	if m.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation ID is required", storage.ErrInvalidInput)
	}
	class := m.Class
	if class == "" {
		class = types.ClassContact
	}

	for attempt := 0; attempt < trackAttempts; attempt++ {
		existing, err := t.store.FindOpenPending(ctx, m.ConversationID, class, name)
		switch {
		case err == nil:
			updated, err := t.bump(ctx, existing.ID, m)
			if errors.Is(err, ErrPendingClosed) {
				continue
			}
			return updated, err

		case !errors.Is(err, storage.ErrNotFound):
			return nil, fmt.Errorf("failed to look up pending entity: %w", err)
		}

		now := t.now()
		known := cleanFields(m.KnownInfo)
		p := &types.PendingEntity{
			Class:          class,
			Name:           name,
			ConversationID: m.ConversationID,
			Context:        m.Context,
			KnownInfo:      known,
			MissingFields:  types.MissingOf(t.required[class], known),
			Confidence:     m.Confidence,
			Status:         types.PendingOpen,
			MentionedAt:    now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		err = t.store.CreatePending(ctx, p)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create pending entity: %w", err)
		}

		t.logger.Info("tracking pending entity",
			zap.String("pending_id", p.ID),
			zap.String("class", string(class)),
			zap.String("name", name),
			zap.String("conversation_id", m.ConversationID),
			zap.Strings("missing", p.MissingFields))
		return p, nil
	}

	return nil, fmt.Errorf("failed to track mention %q: too much contention", name)
}

// bump refreshes an open record on re-mention.
func (t *PendingTracker) bump(ctx context.Context, id string, m types.Mention) (*types.PendingEntity, error) {
	p, err := t.store.MutatePending(ctx, id, func(p *types.PendingEntity) error {
		if !p.IsOpen() {
			return ErrPendingClosed
		}
		now := t.now()
		p.MentionedAt = now
		p.UpdatedAt = now
		if m.Context != "" {
			p.Context = m.Context
		}
		if m.Confidence > p.Confidence {
			p.Confidence = m.Confidence
		}
		t.merge(p, m.KnownInfo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.logger.Debug("pending entity re-mentioned", zap.String("pending_id", id))
	return p, nil
}

// SupplyInfo merges fields into an open pending entity and recomputes what is
// still missing. A terminal record is returned unchanged with ErrPendingClosed.
func (t *PendingTracker) SupplyInfo(ctx context.Context, id string, fields map[string]string) (*types.PendingEntity, error) {
	p, err := t.store.MutatePending(ctx, id, func(p *types.PendingEntity) error {
		if !p.IsOpen() {
			return ErrPendingClosed
		}
		p.UpdatedAt = t.now()
		t.merge(p, fields)
		return nil
	})
	if errors.Is(err, ErrPendingClosed) {
		current, getErr := t.store.GetPending(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, ErrPendingClosed
	}
	if err != nil {
		return nil, err
	}

	t.logger.Info("pending entity updated",
		zap.String("pending_id", id),
		zap.String("status", string(p.Status)),
		zap.Strings("missing", p.MissingFields))
	return p, nil
}

// merge applies non-empty fields, recomputes missing fields and moves the
// status to gathering once any information is known.
func (t *PendingTracker) merge(p *types.PendingEntity, fields map[string]string) {
	if p.KnownInfo == nil {
		p.KnownInfo = map[string]string{}
	}
	for k, v := range cleanFields(fields) {
		p.KnownInfo[k] = v
	}
	p.MissingFields = types.MissingOf(t.required[p.Class], p.KnownInfo)
	if len(p.KnownInfo) > 0 {
		p.Status = types.PendingGathering
	}
}

// Resolve links the pending entity to a canonical entity and marks it complete.
// Exactly one of any number of concurrent callers gets true.
func (t *PendingTracker) Resolve(ctx context.Context, id, entityID string) (bool, error) {
	ok, err := t.store.CompletePending(ctx, id, entityID, t.now())
	if err != nil {
		return false, err
	}
	if ok {
		t.logger.Info("pending entity resolved", zap.String("pending_id", id), zap.String("entity_id", entityID))
	}
	return ok, nil
}

// Abandon gives up on one pending entity. It reports false when the record
// was already terminal.
func (t *PendingTracker) Abandon(ctx context.Context, id string) (bool, error) {
	_, err := t.store.MutatePending(ctx, id, func(p *types.PendingEntity) error {
		if !p.IsOpen() {
			return ErrPendingClosed
		}
		p.Status = types.PendingAbandoned
		p.UpdatedAt = t.now()
		return nil
	})
	if errors.Is(err, ErrPendingClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CloseConversation abandons every open pending entity of a conversation.
func (t *PendingTracker) CloseConversation(ctx context.Context, conversationID string) (int, error) {
	if conversationID == "" {
		return 0, fmt.Errorf("%w: conversation ID is required", storage.ErrInvalidInput)
	}
	n, err := t.store.AbandonPending(ctx, storage.PendingFilter{ConversationID: conversationID}, t.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("abandoned pending entities for closed conversation",
			zap.String("conversation_id", conversationID), zap.Int("count", n))
	}
	return n, nil
}

// AbandonIdle abandons open pending entities not updated within idle.
func (t *PendingTracker) AbandonIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	now := t.now()
	return t.store.AbandonPending(ctx, storage.PendingFilter{IdleBefore: now.Add(-idle)}, now)
}

// Get returns one pending entity.
func (t *PendingTracker) Get(ctx context.Context, id string) (*types.PendingEntity, error) {
	return t.store.GetPending(ctx, id)
}

// ListOpen returns open pending entities grouped by conversation. An empty
// conversationID lists every conversation.
func (t *PendingTracker) ListOpen(ctx context.Context, conversationID string) (map[string][]types.PendingEntity, error) {
	open, err := t.store.ListOpenPending(ctx, storage.PendingFilter{ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]types.PendingEntity)
	for _, p := range open {
		grouped[p.ConversationID] = append(grouped[p.ConversationID], p)
	}
	return grouped, nil
}

func cleanFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
