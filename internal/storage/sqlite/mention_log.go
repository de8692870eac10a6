package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

// AppendMention adds a record to the mention log.
func (s *Store) AppendMention(ctx context.Context, rec *types.MentionRecord) error {
	if rec == nil || rec.EntityID == "" {
		return fmt.Errorf("%w: mention entity ID is required", storage.ErrInvalidInput)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if rec.ID == "" {
		rec.ID = storage.NewMentionID(rec.CreatedAt)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mention_records (id, entity_id, conversation_id, message_id, snippet, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EntityID, rec.ConversationID, rec.MessageID, rec.Snippet, toNanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append mention: %w", err)
	}
	return nil
}

// ListMentions returns the records for an entity, newest first.
func (s *Store) ListMentions(ctx context.Context, entityID string, limit int) ([]types.MentionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, conversation_id, message_id, snippet, created_at
		FROM mention_records
		WHERE entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list mentions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.MentionRecord{}
	for rows.Next() {
		var rec types.MentionRecord
		var createdAt int64
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.ConversationID, &rec.MessageID, &rec.Snippet, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan mention: %w", err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mentions: %w", err)
	}
	return records, nil
}

// MentionStats derives the mention count and last mention time for an entity.
func (s *Store) MentionStats(ctx context.Context, entityID string) (storage.MentionStats, error) {
	var (
		count int
		last  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM mention_records WHERE entity_id = ?`, entityID).Scan(&count, &last)
	if err != nil {
		return storage.MentionStats{}, fmt.Errorf("failed to compute mention stats: %w", err)
	}

	stats := storage.MentionStats{Count: count}
	if last.Valid {
		stats.LastMentionedAt = fromNanos(last.Int64)
	}
	return stats, nil
}
