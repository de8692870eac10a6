package sqlite

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

const pendingColumns = `id, class, name, conversation_id, context, known_info, missing_fields,
	confidence, status, entity_id, mentioned_at, created_at, updated_at, completed_at`

const openStatuses = `('pending', 'gathering')`

// CreatePending inserts a new open pending entity.
func (s *Store) CreatePending(ctx context.Context, p *types.PendingEntity) error {
	if err := storage.PreparePending(p, s.now()); err != nil {
		return err
	}

	known, missing, err := marshalPendingMaps(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_entities (id, class, name, name_key, conversation_id, context,
			known_info, missing_fields, confidence, status, entity_id,
			mentioned_at, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		p.ID, string(p.Class), p.Name, storage.NormalizeName(p.Name), p.ConversationID, p.Context,
		known, missing, p.Confidence, string(p.Status), p.EntityID,
		toNanos(p.MentionedAt), toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: open pending %s %q already exists in conversation %s",
				storage.ErrConflict, p.Class, p.Name, p.ConversationID)
		}
		return fmt.Errorf("failed to insert pending entity: %w", err)
	}
	return nil
}

// GetPending retrieves a pending entity by ID.
func (s *Store) GetPending(ctx context.Context, id string) (*types.PendingEntity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: pending ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_entities WHERE id = ?`, id)
	return scanPending(row)
}

// FindOpenPending returns the open record for (conversation, class, name).
func (s *Store) FindOpenPending(ctx context.Context, conversationID string, class types.EntityClass, name string) (*types.PendingEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pendingColumns+`
		FROM pending_entities
		WHERE conversation_id = ? AND class = ? AND name_key = ? AND status IN `+openStatuses,
		conversationID, string(class), storage.NormalizeName(name))
	return scanPending(row)
}

// MutatePending applies fn to the record inside a transaction. The store uses
// a single connection, so fn must not call back into the store.
func (s *Store) MutatePending(ctx context.Context, id string, fn func(p *types.PendingEntity) error) (*types.PendingEntity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanPending(tx.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_entities WHERE id = ?`, id))
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

	known, missing, err := marshalPendingMaps(after)
	if err != nil {
		return nil, err
	}

	var completedAt sql.NullInt64
	if after.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toNanos(*after.CompletedAt), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_entities SET
			name = ?, name_key = ?, context = ?, known_info = ?, missing_fields = ?,
			confidence = ?, status = ?, entity_id = ?, mentioned_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		after.Name, storage.NormalizeName(after.Name), after.Context, known, missing,
		after.Confidence, string(after.Status), after.EntityID, toNanos(after.MentionedAt),
		toNanos(after.UpdatedAt), completedAt, id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: another open pending record has name %q", storage.ErrConflict, after.Name)
		}
		return nil, fmt.Errorf("failed to update pending entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pending update: %w", err)
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
		SET status = 'complete', entity_id = ?, completed_at = ?, updated_at = ?, missing_fields = '[]'
		WHERE id = ? AND status IN `+openStatuses,
		entityID, toNanos(completedAt), toNanos(completedAt), id)
	if err != nil {
		return false, fmt.Errorf("failed to complete pending entity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
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
	where, args := pendingWhere(filter)
	result, err := s.db.ExecContext(ctx,
		`UPDATE pending_entities SET status = 'abandoned', updated_at = ? WHERE `+where,
		append([]any{toNanos(at)}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to abandon pending entities: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

// ListOpenPending returns open records matching the filter, oldest mention first.
func (s *Store) ListOpenPending(ctx context.Context, filter storage.PendingFilter) ([]types.PendingEntity, error) {
	where, args := pendingWhere(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_entities WHERE `+where+` ORDER BY mentioned_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entities: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending entities: %w", err)
	}
	return result, nil
}

func pendingWhere(filter storage.PendingFilter) (string, []any) {
	clauses := []string{"status IN " + openStatuses}
	var args []any
	if filter.ConversationID != "" {
		clauses = append(clauses, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.Class != "" {
		clauses = append(clauses, "class = ?")
		args = append(args, string(filter.Class))
	}
	if !filter.IdleBefore.IsZero() {
		clauses = append(clauses, "updated_at < ?")
		args = append(args, toNanos(filter.IdleBefore))
	}
	return strings.Join(clauses, " AND "), args
}

func marshalPendingMaps(p *types.PendingEntity) (string, string, error) {
	known := p.KnownInfo
	if known == nil {
		known = map[string]string{}
	}
	knownJSON, err := json.Marshal(known)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal known info: %w", err)
	}
	missingJSON, err := json.Marshal(nonNilStrings(p.MissingFields))
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal missing fields: %w", err)
	}
	return string(knownJSON), string(missingJSON), nil
}

func scanPending(row rowScanner) (*types.PendingEntity, error) {
	var (
		p                                 types.PendingEntity
		class, status, known, missing     string
		mentionedAt, createdAt, updatedAt int64
		completedAt                       sql.NullInt64
	)

	err := row.Scan(&p.ID, &class, &p.Name, &p.ConversationID, &p.Context, &known, &missing,
		&p.Confidence, &status, &p.EntityID, &mentionedAt, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan pending entity: %w", err)
	}

	p.Class = types.EntityClass(class)
	p.Status = types.PendingStatus(status)
	p.MentionedAt = fromNanos(mentionedAt)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		p.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(known), &p.KnownInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal known info: %w", err)
	}
	if err := json.Unmarshal([]byte(missing), &p.MissingFields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal missing fields: %w", err)
	}
	return &p, nil
}
