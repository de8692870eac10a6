package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ImCalebP/ai-employee/pkg/types"
)

// composite routes pending-entity operations to a dedicated PendingStore and
// everything else to the base Store.
type composite struct {
	EntityStore
	VectorSearcher
	MentionLog

	pending PendingStore
	closers []func() error
}

// WithPendingStore returns a Store that keeps pending entities in pending and
// delegates the rest to base. Closing it closes both.
func WithPendingStore(base Store, pending PendingStore, closePending func() error) Store {
	c := &composite{
		EntityStore:    base,
		VectorSearcher: base,
		MentionLog:     base,
		pending:        pending,
		closers:        []func() error{base.Close},
	}
	if closePending != nil {
		c.closers = append(c.closers, closePending)
	}
	return c
}

func (c *composite) CreatePending(ctx context.Context, p *types.PendingEntity) error {
	return c.pending.CreatePending(ctx, p)
}

func (c *composite) GetPending(ctx context.Context, id string) (*types.PendingEntity, error) {
	return c.pending.GetPending(ctx, id)
}

func (c *composite) FindOpenPending(ctx context.Context, conversationID string, class types.EntityClass, name string) (*types.PendingEntity, error) {
	return c.pending.FindOpenPending(ctx, conversationID, class, name)
}

func (c *composite) MutatePending(ctx context.Context, id string, fn func(p *types.PendingEntity) error) (*types.PendingEntity, error) {
	return c.pending.MutatePending(ctx, id, fn)
}

func (c *composite) CompletePending(ctx context.Context, id, entityID string, completedAt time.Time) (bool, error) {
	return c.pending.CompletePending(ctx, id, entityID, completedAt)
}

func (c *composite) AbandonPending(ctx context.Context, filter PendingFilter, at time.Time) (int, error) {
	return c.pending.AbandonPending(ctx, filter, at)
}

func (c *composite) ListOpenPending(ctx context.Context, filter PendingFilter) ([]types.PendingEntity, error) {
	return c.pending.ListOpenPending(ctx, filter)
}

func (c *composite) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
