// Package index defines the external vector index that ingest pushes
// passages into and retrieval draws its base candidate pool from.
package index

import (
	"context"
	"strings"
)

const (
	DriverMemory   = "memory"
	DriverMilvus   = "milvus"
	DriverPgvector = "pgvector"
)

type Entry struct {
	ChunkID    int64
	DocumentID int64
	Content    string
	Embedding  []float64
}

// Hit is one search result. Score is cosine similarity.
type Hit struct {
	ChunkID int64
	Content string
	Score   float64
}

type Index interface {
	// Upsert inserts or replaces entries by chunk id and returns how many were written.
	Upsert(ctx context.Context, entries []Entry) (int, error)
	// Search returns at most k hits in descending score order.
	Search(ctx context.Context, query []float64, k int) ([]Hit, error)
	Delete(ctx context.Context, chunkIDs []int64) error
	Mode() string
	Close() error
}

// VectorLiteral formats v the way pgvector parses it.
func VectorLiteral(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(formatFloat(x))
	}
	b.WriteByte(']')
	return b.String()
}
