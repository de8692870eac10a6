// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema contains the SQL statements to create the database schema for PostgreSQL.
// Embeddings are always kept in a REAL[] column; the pgvector column is added
// by MigrationPgvector when the extension is available.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
    id TEXT PRIMARY KEY,
    class TEXT NOT NULL,
    name TEXT NOT NULL,
    primary_key TEXT,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    grp TEXT NOT NULL DEFAULT '',
    aliases JSONB NOT NULL DEFAULT '[]',
    tags JSONB NOT NULL DEFAULT '[]',
    body TEXT NOT NULL DEFAULT '',
    fields JSONB NOT NULL DEFAULT '{}',
    embedding REAL[],
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_primary_key
    ON entities(class, primary_key) WHERE primary_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_entities_class_name ON entities(class, name);

CREATE TABLE IF NOT EXISTS pending_entities (
    id TEXT PRIMARY KEY,
    class TEXT NOT NULL,
    name TEXT NOT NULL,
    name_key TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    context TEXT NOT NULL DEFAULT '',
    known_info JSONB NOT NULL DEFAULT '{}',
    missing_fields JSONB NOT NULL DEFAULT '[]',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    mentioned_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    CONSTRAINT pending_completed_at_iff_complete
        CHECK ((status = 'complete') = (completed_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_open
    ON pending_entities(conversation_id, class, name_key)
    WHERE status IN ('pending', 'gathering');
CREATE INDEX IF NOT EXISTS idx_pending_status_updated ON pending_entities(status, updated_at);

CREATE TABLE IF NOT EXISTS mention_records (
    id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mentions_entity ON mention_records(entity_id, created_at DESC);
`

// MigrationPgvector adds the pgvector column to entities. The column has no
// fixed dimension so the embedding model can change; queries scan it with the
// cosine distance operator. Safe to run multiple times.
const MigrationPgvector = `
ALTER TABLE entities ADD COLUMN IF NOT EXISTS embedding_vec vector;
`
