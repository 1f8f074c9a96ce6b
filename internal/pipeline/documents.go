package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

type DocumentView struct {
	Document *models.Document `json:"document"`
	Chunks   []models.Chunk   `json:"chunks"`
}

type RebuildResult struct {
	Chunks  int    `json:"chunks"`
	Indexed int    `json:"indexed"`
	Mode    string `json:"mode"`
}

func (o *Orchestrator) ListDocuments(ctx context.Context, limit int) ([]models.Document, error) {
	return o.store.ListDocuments(ctx, limit)
}

func (o *Orchestrator) GetDocument(ctx context.Context, id int64) (*DocumentView, error) {
	doc, err := o.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	chunks, err := o.store.ListChunks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return &DocumentView{Document: doc, Chunks: chunks}, nil
}

// DeleteDocument removes the document with its chunks and their retrieval
// rows, then drops the chunks from the index. An index failure is logged
// and leaves stale entries that retrieval skips.
func (o *Orchestrator) DeleteDocument(ctx context.Context, id int64) error {
	chunks, err := o.store.ListChunks(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	if err := o.store.DeleteDocument(ctx, id); err != nil {
		return err
	}

	ids := make([]int64, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}
	if len(ids) > 0 {
		if _, err := o.collab.Unindex(ctx, scoring.UnindexRequest{ChunkIDs: ids}); err != nil {
			logger.Warn("Document deleted but index cleanup failed",
				zap.Int64("document_id", id),
				zap.Int("chunks", len(ids)),
				zap.Error(err),
			)
		}
	}

	logger.Info("Document deleted", zap.Int64("document_id", id), zap.Int("chunks", len(ids)))
	return nil
}

// RebuildIndex pushes every stored chunk to the index again. It closes the
// window left by an ingest whose index push failed.
func (o *Orchestrator) RebuildIndex(ctx context.Context) (*RebuildResult, error) {
	chunks, err := o.store.ListAllChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	indexed, err := o.pushChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	mode := ""
	if health, err := o.collab.Health(ctx); err == nil {
		mode = health.IndexMode
	}

	logger.Info("Index rebuilt", zap.Int("chunks", len(chunks)), zap.Int("indexed", indexed))
	return &RebuildResult{Chunks: len(chunks), Indexed: indexed, Mode: mode}, nil
}
