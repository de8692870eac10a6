package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

const pendingSelectColumns = `id, class, name, conversation_id, context, known_info, missing_fields,
	confidence, status, entity_id, mentioned_at, created_at, updated_at, completed_at`

// CreatePending inserts a new open pending entity.
func (s *Store) CreatePending(ctx context.Context, p *types.PendingEntity) error {
	if err := storage.PreparePending(p, s.now()); err != nil {
		return err
	}
	known, missing, err := marshalPending(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_entities (id, class, name, name_key, conversation_id, context,
			known_info, missing_fields, confidence, status, entity_id,
			mentioned_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, string(p.Class), p.Name, storage.NormalizeName(p.Name), p.ConversationID, p.Context,
		known, missing, p.Confidence, string(p.Status), p.EntityID,
		p.MentionedAt.UTC(), p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open pending %s %q already exists in conversation %s",
				storage.ErrConflict, p.Class, p.Name, p.ConversationID)
		}
		return fmt.Errorf("postgres: failed to insert pending entity: %w", err)
	}
	return nil
}

// GetPending retrieves a pending entity by ID.
func (s *Store) GetPending(ctx context.Context, id string) (*types.PendingEntity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: pending ID is required", storage.ErrInvalidInput)
	}
	return scanPending(s.db.QueryRowContext(ctx,
		`SELECT `+pendingSelectColumns+` FROM pending_entities WHERE id = $1`, id))
}

// FindOpenPending returns the open record for (conversation, class, name).
func (s *Store) FindOpenPending(ctx context.Context, conversationID string, class types.EntityClass, name string) (*types.PendingEntity, error) {
	return scanPending(s.db.QueryRowContext(ctx, `
		SELECT `+pendingSelectColumns+`
		FROM pending_entities
		WHERE conversation_id = $1 AND class = $2 AND name_key = $3
		  AND status IN ('pending', 'gathering')`,
		conversationID, string(class), storage.NormalizeName(name)))
}

// MutatePending locks the row with SELECT ... FOR UPDATE, applies fn and writes
// the result back in the same transaction.
func (s *Store) MutatePending(ctx context.Context, id string, fn func(p *types.PendingEntity) error) (*types.PendingEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanPending(tx.QueryRowContext(ctx,
		`SELECT `+pendingSelectColumns+` FROM pending_entities WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	after := before.Clone()
	if err := fn(after); err != nil {
		return nil, err
	}
	if err := storage.CheckPendingInvariants(before, after); err != nil {
		return nil, err
	}

	known, missing, err := marshalPending(after)
	if err != nil {
		return nil, err
	}

	var completedAt sql.NullTime
	if after.CompletedAt != nil {
		completedAt = sql.NullTime{Time: after.CompletedAt.UTC(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_entities SET
			name = $2, name_key = $3, context = $4, known_info = $5, missing_fields = $6,
			confidence = $7, status = $8, entity_id = $9, mentioned_at = $10, updated_at = $11,
			completed_at = $12
		WHERE id = $1`,
		id, after.Name, storage.NormalizeName(after.Name), after.Context, known, missing,
		after.Confidence, string(after.Status), after.EntityID, after.MentionedAt.UTC(),
		after.UpdatedAt.UTC(), completedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: another open pending record has name %q", storage.ErrConflict, after.Name)
		}
		return nil, fmt.Errorf("postgres: failed to update pending entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: failed to commit pending update: %w", err)
	}
	return after, nil
}

// CompletePending transitions an open record to complete with a conditional update.
func (s *Store) CompletePending(ctx context.Context, id, entityID string, completedAt time.Time) (bool, error) {
	if id == "" || entityID == "" {
		return false, fmt.Errorf("%w: pending ID and entity ID are required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_entities
		SET status = 'complete', entity_id = $2, completed_at = $3, updated_at = $3, missing_fields = '[]'
		WHERE id = $1 AND status IN ('pending', 'gathering')`,
		id, entityID, completedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("postgres: failed to complete pending entity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetPending(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// AbandonPending abandons every open record matching the filter.
func (s *Store) AbandonPending(ctx context.Context, filter storage.PendingFilter, at time.Time) (int, error) {
	where, args := pendingWhere(filter, 2)
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_entities SET status = 'abandoned', updated_at = $1 WHERE `+where,
		append([]any{at.UTC()}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to abandon pending entities: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// ListOpenPending returns open records matching the filter, oldest mention first.
func (s *Store) ListOpenPending(ctx context.Context, filter storage.PendingFilter) ([]types.PendingEntity, error) {
	where, args := pendingWhere(filter, 1)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingSelectColumns+` FROM pending_entities WHERE `+where+` ORDER BY mentioned_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list pending entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []types.PendingEntity{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func pendingWhere(filter storage.PendingFilter, firstArg int) (string, []any) {
	clauses := []string{"status IN ('pending', 'gathering')"}
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", firstArg+len(args)-1)
	}
	if filter.ConversationID != "" {
		clauses = append(clauses, "conversation_id = "+next(filter.ConversationID))
	}
	if filter.Class != "" {
		clauses = append(clauses, "class = "+next(string(filter.Class)))
	}
	if !filter.IdleBefore.IsZero() {
		clauses = append(clauses, "updated_at < "+next(filter.IdleBefore.UTC()))
	}
	return strings.Join(clauses, " AND "), args
}

func marshalPending(p *types.PendingEntity) (string, string, error) {
	known := p.KnownInfo
	if known == nil {
		known = map[string]string{}
	}
	knownJSON, err := json.Marshal(known)
	if err != nil {
		return "", "", fmt.Errorf("postgres: failed to marshal known info: %w", err)
	}
	missingJSON, err := json.Marshal(nonNil(p.MissingFields))
	if err != nil {
		return "", "", fmt.Errorf("postgres: failed to marshal missing fields: %w", err)
	}
	return string(knownJSON), string(missingJSON), nil
}

func scanPending(row rowScanner) (*types.PendingEntity, error) {
	var (
		p              types.PendingEntity
		class, status  string
		known, missing []byte
		completedAt    sql.NullTime
	)

	err := row.Scan(&p.ID, &class, &p.Name, &p.ConversationID, &p.Context, &known, &missing,
		&p.Confidence, &status, &p.EntityID, &p.MentionedAt, &p.CreatedAt, &p.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan pending entity: %w", err)
	}

	p.Class = types.EntityClass(class)
	p.Status = types.PendingStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if err := json.Unmarshal(known, &p.KnownInfo); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal known info: %w", err)
	}
	if err := json.Unmarshal(missing, &p.MissingFields); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal missing fields: %w", err)
	}
	return &p, nil
}

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
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.EntityID, rec.ConversationID, rec.MessageID, rec.Snippet, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: failed to append mention: %w", err)
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
		WHERE entity_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list mentions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.MentionRecord{}
	for rows.Next() {
		var rec types.MentionRecord
		if err := rows.Scan(&rec.ID, &rec.EntityID, &rec.ConversationID, &rec.MessageID, &rec.Snippet, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan mention: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MentionStats derives the mention count and last mention time for an entity.
func (s *Store) MentionStats(ctx context.Context, entityID string) (storage.MentionStats, error) {
	var (
		count int
		last  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM mention_records WHERE entity_id = $1`, entityID).Scan(&count, &last)
	if err != nil {
		return storage.MentionStats{}, fmt.Errorf("postgres: failed to compute mention stats: %w", err)
	}
	stats := storage.MentionStats{Count: count}
	if last.Valid {
		stats.LastMentionedAt = last.Time
	}
	return stats, nil
}
