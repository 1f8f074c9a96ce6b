package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/index"
	"github.com/rag-eval/backend/pkg/logger"
)

const DefaultTable = "rag_vector_index"

// Client keeps passages in a PostgreSQL table with a pgvector column and
// ranks by cosine distance.
type Client struct {
	db        *sql.DB
	table     string
	vectorDim int
}

var _ index.Index = (*Client)(nil)

func NewClient(dsn string, vectorDim int) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	logger.Info("pgvector client initialized", zap.Int("dims", vectorDim))
	return NewWithDB(db, vectorDim), nil
}

func NewWithDB(db *sql.DB, vectorDim int) *Client {
	return &Client{db: db, table: pq.QuoteIdentifier(DefaultTable), vectorDim: vectorDim}
}

func (c *Client) Mode() string {
	return index.DriverPgvector
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS ` + c.table + ` (
		chunk_id BIGINT PRIMARY KEY,
		document_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		embedding VECTOR(` + strconv.Itoa(c.vectorDim) + `) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create index table: %w", err)
	}
	return nil
}

func (c *Client) Upsert(ctx context.Context, entries []index.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+c.table+` (chunk_id, document_id, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4::vector, NOW())
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.DocumentID, e.Content, index.VectorLiteral(e.Embedding)); err != nil {
			return 0, fmt.Errorf("failed to upsert chunk %d: %w", e.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upsert: %w", err)
	}

	logger.Info("Chunks upserted into pgvector", zap.Int("count", len(entries)))
	return len(entries), nil
}

func (c *Client) Search(ctx context.Context, query []float64, k int) ([]index.Hit, error) {
	hits := []index.Hit{}
	if k <= 0 {
		return hits, nil
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT chunk_id, content, 1 - (embedding <=> $1::vector) AS score
		FROM `+c.table+`
		ORDER BY embedding <=> $1::vector, chunk_id
		LIMIT $2`,
		index.VectorLiteral(query), k,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h index.Hit
		var score sql.NullFloat64
		if err := rows.Scan(&h.ChunkID, &h.Content, &score); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		// A zero query vector makes the cosine distance NaN or NULL.
		if score.Valid && score.Float64 == score.Float64 {
			h.Score = score.Float64
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (c *Client) Delete(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM `+c.table+` WHERE chunk_id = ANY($1)`, pq.Array(chunkIDs)); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}
