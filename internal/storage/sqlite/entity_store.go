package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

const entityColumns = `id, class, name, primary_key, first_name, last_name, grp,
	aliases, tags, body, fields, embedding, created_at, updated_at`

// Insert stores a new entity.
func (s *Store) Insert(ctx context.Context, e *types.Entity) error {
	if err := storage.PrepareEntity(e, s.now()); err != nil {
		return err
	}

	args, err := entityArgs(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s with primary key %q already exists", storage.ErrConflict, e.Class, e.PrimaryKey)
		}
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of an existing entity.
func (s *Store) Update(ctx context.Context, e *types.Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	e.PrimaryKey = storage.NormalizeKey(e.PrimaryKey)
	e.UpdatedAt = s.now()

	args, err := entityArgs(e)
	if err != nil {
		return err
	}

	// args[0] is id and args[12] is created_at; neither is updated.
	result, err := s.db.ExecContext(ctx, `
		UPDATE entities SET
			class = ?, name = ?, primary_key = ?, first_name = ?, last_name = ?, grp = ?,
			aliases = ?, tags = ?, body = ?, fields = ?, embedding = ?, updated_at = ?
		WHERE id = ?`,
		args[1], args[2], args[3], args[4], args[5], args[6],
		args[7], args[8], args[9], args[10], args[11], args[13], e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s with primary key %q already exists", storage.ErrConflict, e.Class, e.PrimaryKey)
		}
		return fmt.Errorf("failed to update entity: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves an entity by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	return scanEntity(row)
}

// GetByPrimaryKey retrieves an entity by its natural key within a class.
func (s *Store) GetByPrimaryKey(ctx context.Context, class types.EntityClass, key string) (*types.Entity, error) {
	key = storage.NormalizeKey(key)
	if key == "" {
		return nil, fmt.Errorf("%w: primary key is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE class = ? AND primary_key = ?`, string(class), key)
	return scanEntity(row)
}

// ListByClass returns the entities of one class ordered by name.
func (s *Store) ListByClass(ctx context.Context, class types.EntityClass, opts storage.ListOptions) ([]types.Entity, error) {
	opts.Normalize()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE class = ?
		ORDER BY name COLLATE NOCASE, id
		LIMIT ? OFFSET ?`, string(class), opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entities := []types.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// NearestNeighbors ranks the embedded entities of a class by cosine similarity.
// Embeddings are loaded into Go memory; candidates are capped at
// vectorSearchMaxCandidates, most recently updated first.
func (s *Store) NearestNeighbors(ctx context.Context, class types.EntityClass, vec []float32, limit int, threshold float64) ([]storage.VectorHit, error) {
	if len(vec) == 0 || limit <= 0 {
		return []storage.VectorHit{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE class = ? AND embedding IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT ?`, string(class), vectorSearchMaxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := []storage.VectorHit{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		sim := storage.CosineSimilarity(vec, e.Embedding)
		if sim > threshold {
			hits = append(hits, storage.VectorHit{Entity: *e, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

const vectorSearchMaxCandidates = 10000

type rowScanner interface {
	Scan(dest ...any) error
}

func entityArgs(e *types.Entity) ([]any, error) {
	aliases, err := json.Marshal(nonNilStrings(e.Aliases))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal aliases: %w", err)
	}
	tags, err := json.Marshal(nonNilStrings(e.Tags))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields: %w", err)
	}

	var primaryKey sql.NullString
	if e.PrimaryKey != "" {
		primaryKey = sql.NullString{String: e.PrimaryKey, Valid: true}
	}

	var embedding []byte
	if len(e.Embedding) > 0 {
		embedding = serializeEmbedding(e.Embedding)
	}

	return []any{
		e.ID, string(e.Class), e.Name, primaryKey, e.FirstName, e.LastName, e.Group,
		string(aliases), string(tags), e.Text, string(fieldsJSON), embedding,
		toNanos(e.CreatedAt), toNanos(e.UpdatedAt),
	}, nil
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e                     types.Entity
		class                 string
		primaryKey            sql.NullString
		aliases, tags, fields string
		embedding             []byte
		createdAt, updatedAt  int64
	)

	err := row.Scan(&e.ID, &class, &e.Name, &primaryKey, &e.FirstName, &e.LastName, &e.Group,
		&aliases, &tags, &e.Text, &fields, &embedding, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}

	e.Class = types.EntityClass(class)
	e.PrimaryKey = primaryKey.String
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)

	if err := json.Unmarshal([]byte(aliases), &e.Aliases); err != nil {
		return nil, fmt.Errorf("failed to unmarshal aliases: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	if len(embedding) > 0 {
		vec, err := deserializeEmbedding(embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
		}
		e.Embedding = vec
	}
	return &e, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// serializeEmbedding converts a float32 slice to little-endian bytes.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding converts little-endian bytes back to a float32 slice.
func deserializeEmbedding(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("buffer size %d is not a multiple of 4", len(buf))
	}
	embedding := make([]float32, len(buf)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return embedding, nil
}
