package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/rag/chunking"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

type IngestInput struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	Body   string `json:"body"`
}

// IngestResult reports a committed document. IndexError is set when the
// passages were persisted but the index push failed; the document is then
// stored but not yet searchable.
type IngestResult struct {
	Document   *models.Document `json:"document"`
	Chunks     []models.Chunk   `json:"chunks"`
	Indexed    int              `json:"indexed"`
	IndexError string           `json:"index_error,omitempty"`
}

// Ingest chunks the body, then embeds and persists every passage in one
// transaction, then pushes the passages to the index. HTML bodies are reduced
// to their visible text first.
func (o *Orchestrator) Ingest(ctx context.Context, in IngestInput) (res *IngestResult, err error) {
	ctx, span := o.startSpan(ctx, "pipeline.Ingest", attribute.String("source", in.Source))
	defer func() {
		metrics.IngestTotal.WithLabelValues(metrics.Status(err)).Inc()
		endSpan(span, err)
	}()

	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, &ValidationError{Field: "body", Message: "document body is required"}
	}

	title := strings.TrimSpace(in.Title)
	if chunking.LooksLikeHTML(body) {
		if title == "" {
			title = chunking.ExtractTitle(body)
		}
		body = chunking.CleanHTML(body)
		if body == "" {
			return nil, &ValidationError{Field: "body", Message: "document has no visible text"}
		}
	}
	if title == "" {
		title = "Untitled document"
	}

	chunked, err := o.collab.Chunk(ctx, scoring.ChunkRequest{
		Document:  body,
		ChunkSize: o.cfg.ChunkSize,
		Overlap:   o.cfg.ChunkOverlap,
	})
	if err != nil {
		return nil, err
	}

	return o.persist(ctx, &models.Document{Title: title, Source: in.Source, Body: body}, chunked.Chunks)
}

// IngestPassages stores pre-split passages verbatim, one chunk each.
func (o *Orchestrator) IngestPassages(ctx context.Context, title, source string, passages []string) (res *IngestResult, err error) {
	ctx, span := o.startSpan(ctx, "pipeline.IngestPassages", attribute.Int("passages", len(passages)))
	defer func() {
		metrics.IngestTotal.WithLabelValues(metrics.Status(err)).Inc()
		endSpan(span, err)
	}()

	kept := make([]string, 0, len(passages))
	for _, p := range passages {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, &ValidationError{Field: "body", Message: "document body is required"}
	}
	if strings.TrimSpace(title) == "" {
		title = "Untitled document"
	}

	doc := &models.Document{Title: strings.TrimSpace(title), Source: source, Body: strings.Join(kept, "\n\n")}
	return o.persist(ctx, doc, kept)
}

func (o *Orchestrator) persist(ctx context.Context, doc *models.Document, passages []string) (*IngestResult, error) {
	if len(passages) == 0 {
		return nil, &ValidationError{Field: "body", Message: "document produced no passages"}
	}

	var chunks []models.Chunk
	err := o.store.InTx(ctx, func(q storage.Queries) error {
		if err := q.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}

		chunks = make([]models.Chunk, 0, len(passages))
		for i, passage := range passages {
			emb, err := o.collab.Embed(ctx, scoring.EmbedRequest{Text: passage})
			if err != nil {
				return err
			}
			ch := models.Chunk{DocumentID: doc.ID, ChunkIndex: i, Content: passage, Embedding: emb.Embedding}
			if err := q.CreateChunk(ctx, &ch); err != nil {
				return fmt.Errorf("failed to create chunk %d: %w", i, err)
			}
			chunks = append(chunks, ch)
		}
		return nil
	})
	if err != nil {
		logger.Error("Document ingest rolled back", zap.String("title", doc.Title), zap.Error(err))
		return nil, err
	}
	metrics.ChunksIngested.Add(float64(len(chunks)))

	res := &IngestResult{Document: doc, Chunks: chunks}

	indexed, err := o.pushChunks(ctx, chunks)
	res.Indexed = indexed
	if err != nil {
		metrics.IndexPushFailures.Inc()
		res.IndexError = err.Error()
		logger.Warn("Document stored but index push failed",
			zap.Int64("document_id", doc.ID),
			zap.Int("chunks", len(chunks)),
			zap.Error(err),
		)
	}

	logger.Info("Document ingested",
		zap.Int64("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("indexed", indexed),
	)
	return res, nil
}

func (o *Orchestrator) pushChunks(ctx context.Context, chunks []models.Chunk) (int, error) {
	indexed := 0
	for start := 0; start < len(chunks); start += indexBatchSize {
		end := start + indexBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := make([]scoring.IndexChunk, 0, end-start)
		for _, ch := range chunks[start:end] {
			batch = append(batch, scoring.IndexChunk{
				ChunkID:    ch.ID,
				DocumentID: ch.DocumentID,
				Content:    ch.Content,
				Embedding:  ch.Embedding,
			})
		}

		resp, err := o.collab.Index(ctx, scoring.IndexRequest{Chunks: batch})
		if err != nil {
			return indexed, err
		}
		indexed += resp.Indexed
	}
	return indexed, nil
}
