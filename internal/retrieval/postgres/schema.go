// Package postgres is the pgvector-backed semantic index of character chunks.
//
// Chunks live in one table with an HNSW cosine index on the embedding column
// and a GIN index on the arc tags. The pgvector extension must be available in
// the target database; [Migrate] installs it with CREATE EXTENSION IF NOT
// EXISTS.
//
// Usage:
//
//	idx, err := postgres.NewIndex(ctx, dsn, 1536)
//	if err != nil { … }
//	defer idx.Close()
//
//	hits, err := idx.Search(ctx, vec, 5, retrieval.Filter{EntityID: "luffy"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlChunks returns the DDL with the embedding dimension substituted. The
// dimension is baked into the column type when the table is first created.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS character_chunks (
    id          TEXT         PRIMARY KEY,
    entity_id   TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    arcs        TEXT[]       NOT NULL DEFAULT '{}',
    indexed_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_character_chunks_entity_id
    ON character_chunks (entity_id);

CREATE INDEX IF NOT EXISTS idx_character_chunks_arcs
    ON character_chunks USING GIN (arcs);

CREATE INDEX IF NOT EXISTS idx_character_chunks_embedding
    ON character_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the extension, table and indexes if they are missing. It is
// idempotent and safe to run on every start.
//
// embeddingDimensions must match the embedding model the index is built
// with (1536 for text-embedding-3-small, 768 for nomic-embed-text). Changing
// it after the first migration needs a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: invalid embedding dimension %d", embeddingDimensions)
	}
	if _, err := pool.Exec(ctx, ddlChunks(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
