// Package pipeline runs the ingest, answer, and evaluation workflows over a
// Store and a scoring Collaborator.
package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rag-eval/backend/internal/rag/ranking"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage"
)

const (
	DefaultPromptName     = "rag_default"
	DefaultPromptVersion  = "v1"
	DefaultPromptTemplate = "Answer only from retrieved context and cite chunk ids used."

	indexBatchSize = 100
)

type Config struct {
	TopK              int
	Rerank            bool
	RerankMethod      string
	ModelName         string
	DefaultPromptName string
	ChunkSize         int
	ChunkOverlap      int
}

func DefaultConfig() Config {
	return Config{
		TopK:              5,
		Rerank:            true,
		RerankMethod:      ranking.MethodHybrid,
		ModelName:         "stub-rag-1",
		DefaultPromptName: DefaultPromptName,
		ChunkSize:         500,
		ChunkOverlap:      60,
	}
}

type Orchestrator struct {
	store  storage.Store
	collab scoring.Collaborator
	cfg    Config
	tracer trace.Tracer
}

func New(store storage.Store, collab scoring.Collaborator, cfg Config) *Orchestrator {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.DefaultPromptName == "" {
		cfg.DefaultPromptName = DefaultPromptName
	}
	return &Orchestrator{
		store:  store,
		collab: collab,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/rag-eval/backend/internal/pipeline"),
	}
}

func (o *Orchestrator) Store() storage.Store {
	return o.store
}

func (o *Orchestrator) Collaborator() scoring.Collaborator {
	return o.collab
}

func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
