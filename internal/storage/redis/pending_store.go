// Package redis implements storage.PendingStore on Redis so several
// processes can share open pending entities.
//
// Each record is a JSON string under <prefix>:pending:<id>. The open index
// <prefix>:open:<conversation>:<class>:<name> holds the id of the single open
// record for that mention, and <prefix>:open-ids is the set of open ids.
// Creation is a Lua script; mutations use WATCH/MULTI optimistic transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// Config describes the Redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// PendingStore implements storage.PendingStore using Redis.
type PendingStore struct {
	client  *redis.Client
	prefix  string
	retries int
	now     func() time.Time
}

var _ storage.PendingStore = (*PendingStore)(nil)

// createScript inserts the record and claims the open index atomically.
// KEYS: record, open index, open-ids set. ARGV: record JSON, id.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

// NewPendingStore connects to Redis and verifies the connection.
func NewPendingStore(ctx context.Context, cfg Config) (*PendingStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "aie"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}
	return &PendingStore{client: client, prefix: prefix, retries: 16, now: time.Now}, nil
}

// Close closes the Redis connection.
func (s *PendingStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *PendingStore) recordKey(id string) string {
	return s.prefix + ":pending:" + id
}

func (s *PendingStore) openKey(conversationID string, class types.EntityClass, name string) string {
	return fmt.Sprintf("%s:open:%s:%s:%s", s.prefix, conversationID, class, storage.NormalizeName(name))
}

func (s *PendingStore) openSetKey() string {
	return s.prefix + ":open-ids"
}

// CreatePending inserts a new open pending entity.
func (s *PendingStore) CreatePending(ctx context.Context, p *types.PendingEntity) error {
	if err := storage.PreparePending(p, s.now()); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal pending entity: %w", err)
	}

	keys := []string{s.recordKey(p.ID), s.openKey(p.ConversationID, p.Class, p.Name), s.openSetKey()}
	created, err := createScript.Run(ctx, s.client, keys, string(data), p.ID).Int()
	if err != nil {
		return fmt.Errorf("redis: failed to create pending entity: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: open pending %s %q already exists in conversation %s",
			storage.ErrConflict, p.Class, p.Name, p.ConversationID)
	}
	return nil
}

// GetPending retrieves a pending entity by ID.
func (s *PendingStore) GetPending(ctx context.Context, id string) (*types.PendingEntity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: pending ID is required", storage.ErrInvalidInput)
	}
	return s.load(ctx, s.client, id)
}

// FindOpenPending returns the open record for (conversation, class, name).
func (s *PendingStore) FindOpenPending(ctx context.Context, conversationID string, class types.EntityClass, name string) (*types.PendingEntity, error) {
	id, err := s.client.Get(ctx, s.openKey(conversationID, class, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to read open index: %w", err)
	}
	p, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

// MutatePending applies fn under WATCH and retries when another writer
// changed the record first.
func (s *PendingStore) MutatePending(ctx context.Context, id string, fn func(p *types.PendingEntity) error) (*types.PendingEntity, error) {
	var result *types.PendingEntity
	err := s.watch(ctx, id, func(tx *redis.Tx) error {
		before, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		after := before.Clone()
		if err := fn(after); err != nil {
			return err
		}
		if err := storage.CheckPendingInvariants(before, after); err != nil {
			return err
		}
		if err := s.write(ctx, tx, after); err != nil {
			return err
		}
		result = after
		return nil
	})
	return result, err
}

// CompletePending transitions an open record to complete. Under concurrent
// callers the losers' transactions fail, retry, and then observe the terminal
// status.
func (s *PendingStore) CompletePending(ctx context.Context, id, entityID string, completedAt time.Time) (bool, error) {
	if id == "" || entityID == "" {
		return false, fmt.Errorf("%w: pending ID and entity ID are required", storage.ErrInvalidInput)
	}

	won := false
	err := s.watch(ctx, id, func(tx *redis.Tx) error {
		won = false
		p, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return nil
		}
		at := completedAt.UTC()
		p.Status = types.PendingComplete
		p.EntityID = entityID
		p.CompletedAt = &at
		p.UpdatedAt = at
		p.MissingFields = []string{}
		if err := s.write(ctx, tx, p); err != nil {
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return won, nil
}

// AbandonPending abandons every open record matching the filter.
func (s *PendingStore) AbandonPending(ctx context.Context, filter storage.PendingFilter, at time.Time) (int, error) {
	open, err := s.ListOpenPending(ctx, filter)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range open {
		changed := false
		err := s.watch(ctx, candidate.ID, func(tx *redis.Tx) error {
			changed = false
			p, err := s.load(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if !p.IsOpen() || !matches(p, filter) {
				return nil
			}
			p.Status = types.PendingAbandoned
			p.UpdatedAt = at.UTC()
			if err := s.write(ctx, tx, p); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

// ListOpenPending returns open records matching the filter, oldest mention first.
func (s *PendingStore) ListOpenPending(ctx context.Context, filter storage.PendingFilter) ([]types.PendingEntity, error) {
	ids, err := s.client.SMembers(ctx, s.openSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list open ids: %w", err)
	}

	result := []types.PendingEntity{}
	for _, id := range ids {
		p, err := s.load(ctx, s.client, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if p.IsOpen() && matches(p, filter) {
			result = append(result, *p)
		}
	}
	sortPending(result)
	return result, nil
}

func (s *PendingStore) watch(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	key := s.recordKey(id)
	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: too much contention on pending entity %s", id)
}

// write queues the record update, plus open-index cleanup when the record
// became terminal, in a MULTI block on the watched connection.
func (s *PendingStore) write(ctx context.Context, tx *redis.Tx, p *types.PendingEntity) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis: failed to marshal pending entity: %w", err)
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(p.ID), data, 0)
		if !p.IsOpen() {
			pipe.Del(ctx, s.openKey(p.ConversationID, p.Class, p.Name))
			pipe.SRem(ctx, s.openSetKey(), p.ID)
		}
		return nil
	})
	return err
}

func (s *PendingStore) load(ctx context.Context, c redis.Cmdable, id string) (*types.PendingEntity, error) {
	data, err := c.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: failed to load pending entity: %w", err)
	}
	var p types.PendingEntity
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("redis: failed to decode pending entity: %w", err)
	}
	if p.KnownInfo == nil {
		p.KnownInfo = map[string]string{}
	}
	if p.MissingFields == nil {
		p.MissingFields = []string{}
	}
	return &p, nil
}

func matches(p *types.PendingEntity, filter storage.PendingFilter) bool {
	if filter.ConversationID != "" && p.ConversationID != filter.ConversationID {
		return false
	}
	if filter.Class != "" && p.Class != filter.Class {
		return false
	}
	if !filter.IdleBefore.IsZero() && !p.UpdatedAt.Before(filter.IdleBefore) {
		return false
	}
	return true
}

func sortPending(list []types.PendingEntity) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].MentionedAt.Equal(list[j].MentionedAt) {
			return list[i].MentionedAt.Before(list[j].MentionedAt)
		}
		return list[i].ID < list[j].ID
	})
}
