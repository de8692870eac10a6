package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// newTestStore connects to AIE_TEST_REDIS_ADDR with a per-test key prefix.
func newTestStore(t *testing.T) *PendingStore {
	t.Helper()

	addr := os.Getenv("AIE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AIE_TEST_REDIS_ADDR not set; skipping Redis integration tests")
	}

	store, err := NewPendingStore(context.Background(), Config{
		Address: addr,
		Prefix:  "aie-test:" + storage.NewID(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisPendingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := &types.PendingEntity{Class: types.ClassContact, Name: "Marc", ConversationID: "c1", MissingFields: []string{"email"}}
	require.NoError(t, store.CreatePending(ctx, p))

	dup := &types.PendingEntity{Class: types.ClassContact, Name: " marc ", ConversationID: "c1"}
	assert.ErrorIs(t, store.CreatePending(ctx, dup), storage.ErrConflict)

	found, err := store.FindOpenPending(ctx, "c1", types.ClassContact, "MARC")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	updated, err := store.MutatePending(ctx, p.ID, func(p *types.PendingEntity) error {
		p.KnownInfo["company"] = "Acme"
		p.Status = types.PendingGathering
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, types.PendingGathering, updated.Status)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := store.CompletePending(ctx, p.ID, "e1", time.Now()); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	_, err = store.FindOpenPending(ctx, "c1", types.ClassContact, "Marc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := store.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PendingComplete, got.Status)
	assert.Equal(t, "Acme", got.KnownInfo["company"])
	require.NotNil(t, got.CompletedAt)
}

func TestRedisAbandonPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePending(ctx, &types.PendingEntity{Class: types.ClassContact, Name: "A", ConversationID: "c1"}))
	require.NoError(t, store.CreatePending(ctx, &types.PendingEntity{Class: types.ClassContact, Name: "B", ConversationID: "c2"}))

	n, err := store.AbandonPending(ctx, storage.PendingFilter{ConversationID: "c1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := store.ListOpenPending(ctx, storage.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "B", open[0].Name)
}
