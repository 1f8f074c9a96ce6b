package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/index"
	"github.com/rag-eval/backend/pkg/logger"
)

const (
	fieldChunkID    = "chunk_id"
	fieldDocumentID = "document_id"
	fieldContent    = "content"
	fieldEmbedding  = "embedding"

	nlist  = 128
	nprobe = 16
)

// Client stores passages in a Milvus collection. Vectors are unit length, so
// inner product equals cosine similarity.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

var _ index.Index = (*Client)(nil)

func NewClient(ctx context.Context, endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return NewWithClient(c, collectionName, vectorDim), nil
}

// NewWithClient wraps an existing Milvus connection.
func NewWithClient(c client.Client, collectionName string, vectorDim int) *Client {
	return &Client{client: c, collectionName: collectionName, vectorDim: vectorDim}
}

func (m *Client) Mode() string {
	return index.DriverMilvus
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "RAG passage embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldChunkID,
				DataType:   entity.FieldTypeInt64,
				PrimaryKey: true,
				AutoID:     false,
			},
			{
				Name:     fieldDocumentID,
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     fieldContent,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "8192",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, nlist)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Upsert(ctx context.Context, entries []index.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	chunkIDs := make([]int64, len(entries))
	documentIDs := make([]int64, len(entries))
	contents := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))

	for i, e := range entries {
		if len(e.Embedding) != m.vectorDim {
			return 0, fmt.Errorf("chunk %d has %d dimensions, collection expects %d", e.ChunkID, len(e.Embedding), m.vectorDim)
		}
		chunkIDs[i] = e.ChunkID
		documentIDs[i] = e.DocumentID
		contents[i] = e.Content
		embeddings[i] = index.Float32s(e.Embedding)
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnInt64(fieldChunkID, chunkIDs),
		entity.NewColumnInt64(fieldDocumentID, documentIDs),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, embeddings),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert chunks: %w", err)
	}

	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return 0, fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks upserted into milvus", zap.Int("count", len(entries)))
	return len(entries), nil
}

func (m *Client) Search(ctx context.Context, query []float64, k int) ([]index.Hit, error) {
	if k <= 0 {
		return []index.Hit{}, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(nprobe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{fieldContent},
		[]entity.Vector{entity.FloatVector(index.Float32s(query))},
		fieldEmbedding,
		entity.IP,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]index.Hit, 0, k)
	for _, sr := range searchResult {
		contentCol := sr.Fields.GetColumn(fieldContent)
		for i := 0; i < sr.ResultCount; i++ {
			id, err := sr.IDs.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read chunk id: %w", err)
			}
			chunkID, ok := id.(int64)
			if !ok {
				return nil, fmt.Errorf("unexpected chunk id type %T", id)
			}

			hit := index.Hit{ChunkID: chunkID, Score: float64(sr.Scores[i])}
			if contentCol != nil {
				if v, err := contentCol.Get(i); err == nil {
					hit.Content, _ = v.(string)
				}
			}
			hits = append(hits, hit)
		}
	}

	logger.Debug("Vector search completed", zap.Int("k", k), zap.Int("results", len(hits)))
	return hits, nil
}

func (m *Client) Delete(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := m.client.DeleteByPks(ctx, m.collectionName, "", entity.NewColumnInt64(fieldChunkID, chunkIDs)); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}
