package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/spoilerguess/internal/retrieval"
)

var _ retrieval.Index = (*Index)(nil)

// Index is a [retrieval.Index] over the character_chunks table. It is safe
// for concurrent use.
type Index struct {
	pool *pgxpool.Pool
}

// NewIndex connects to dsn, registers the pgvector types on every
// connection, pings the server and runs [Migrate].
func NewIndex(ctx context.Context, dsn string, embeddingDimensions int) (*Index, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres index: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres index: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres index: %w", err)
	}
	return &Index{pool: pool}, nil
}

// IndexChunk upserts c. The chunk pipeline is external; this is the write
// seam it and the tests use.
func (x *Index) IndexChunk(ctx context.Context, c retrieval.Chunk) error {
	const q = `
		INSERT INTO character_chunks (id, entity_id, content, embedding, arcs)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    entity_id  = EXCLUDED.entity_id,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    arcs       = EXCLUDED.arcs,
		    indexed_at = now()`

	arcs := c.Arcs
	if arcs == nil {
		arcs = []string{}
	}
	if _, err := x.pool.Exec(ctx, q, c.ID, c.EntityID, c.Content, pgvector.NewVector(c.Embedding), arcs); err != nil {
		return fmt.Errorf("postgres index: index chunk %s: %w", c.ID, err)
	}
	return nil
}

// DeleteEntity removes every chunk of entityID.
func (x *Index) DeleteEntity(ctx context.Context, entityID string) error {
	if _, err := x.pool.Exec(ctx, `DELETE FROM character_chunks WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("postgres index: delete entity %s: %w", entityID, err)
	}
	return nil
}

// Search implements [retrieval.Index] using the cosine distance operator.
func (x *Index) Search(ctx context.Context, embedding []float32, k int, f retrieval.Filter) ([]retrieval.Hit, error) {
	q, args := searchQuery(embedding, k, f)
	rows, err := x.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres index: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.Hit, error) {
		var h retrieval.Hit
		err := row.Scan(&h.Text, &h.EntityID, &h.Arcs, &h.Distance)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres index: scan rows: %w", err)
	}
	if hits == nil {
		hits = []retrieval.Hit{}
	}
	return hits, nil
}

// searchQuery builds the nearest-neighbour query for Search. The ORDER BY
// must be the bare distance expression so the planner can use the HNSW
// index.
func searchQuery(embedding []float32, k int, f retrieval.Filter) (string, []any) {
	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.EntityID != "" {
		conditions = append(conditions, "entity_id = "+next(f.EntityID))
	}
	if f.ExcludeEntityID != "" {
		conditions = append(conditions, "entity_id <> "+next(f.ExcludeEntityID))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	q := fmt.Sprintf(`
		SELECT content, entity_id, arcs, embedding <=> $1 AS distance
		FROM   character_chunks
		%s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, where, next(k))
	return q, args
}

// Ping checks connectivity. It backs the readiness probe.
func (x *Index) Ping(ctx context.Context) error {
	return x.pool.Ping(ctx)
}

// Close releases the connection pool.
func (x *Index) Close() {
	x.pool.Close()
}
