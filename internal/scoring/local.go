package scoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/index"
	"github.com/rag-eval/backend/internal/rag/chunking"
	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/rag/generation"
	"github.com/rag-eval/backend/internal/rag/ranking"
	"github.com/rag-eval/backend/pkg/logger"
)

// LocalConfig holds the defaults Local applies when a request leaves a
// field at its zero value, and the retrieval settings of offline runs.
type LocalConfig struct {
	ChunkSize     int
	ChunkOverlap  int
	TopK          int
	Rerank        bool
	RerankMethod  string
	ModelName     string
	PromptVersion string
}

func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		ChunkSize:     chunking.DefaultSize,
		ChunkOverlap:  chunking.DefaultOverlap,
		TopK:          5,
		Rerank:        true,
		RerankMethod:  ranking.MethodHybrid,
		ModelName:     "stub-rag-1",
		PromptVersion: "v1",
	}
}

// Local runs every scoring operation in-process against an index.
type Local struct {
	idx       index.Index
	embedder  *embedding.Embedder
	generator generation.Generator
	evaluator *evaluation.Evaluator
	cfg       LocalConfig
}

var _ Collaborator = (*Local)(nil)

func NewLocal(idx index.Index, embedder *embedding.Embedder, generator generation.Generator, evaluator *evaluation.Evaluator, cfg LocalConfig) *Local {
	if generator == nil {
		generator = generation.NewStub()
	}
	if evaluator == nil {
		evaluator = evaluation.NewEvaluator(0)
	}
	return &Local{idx: idx, embedder: embedder, generator: generator, evaluator: evaluator, cfg: cfg}
}

func (l *Local) Chunk(_ context.Context, req ChunkRequest) (*ChunkResponse, error) {
	size, overlap := req.ChunkSize, req.Overlap
	if size <= 0 {
		size = l.cfg.ChunkSize
	}
	if overlap <= 0 {
		overlap = l.cfg.ChunkOverlap
	}
	return &ChunkResponse{Chunks: chunking.Chunk(req.Document, size, overlap)}, nil
}

func (l *Local) Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error) {
	return &EmbedResponse{Embedding: l.embedder.Embed(ctx, req.Text)}, nil
}

func (l *Local) Index(ctx context.Context, req IndexRequest) (*IndexResponse, error) {
	entries := make([]index.Entry, len(req.Chunks))
	for i, c := range req.Chunks {
		vec := c.Embedding
		if len(vec) == 0 {
			vec = l.embedder.Embed(ctx, c.Content)
		}
		entries[i] = index.Entry{ChunkID: c.ChunkID, DocumentID: c.DocumentID, Content: c.Content, Embedding: vec}
	}

	n, err := l.idx.Upsert(ctx, entries)
	if err != nil {
		return nil, wrap(OpIndex, err)
	}
	return &IndexResponse{Indexed: n, Mode: l.idx.Mode()}, nil
}

func (l *Local) Unindex(ctx context.Context, req UnindexRequest) (*UnindexResponse, error) {
	if err := l.idx.Delete(ctx, req.ChunkIDs); err != nil {
		return nil, wrap(OpUnindex, err)
	}
	return &UnindexResponse{Removed: len(req.ChunkIDs)}, nil
}

// Retrieve takes the base pool from the index by cosine similarity and
// reranks it in-process.
func (l *Local) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = l.cfg.TopK
	}
	topK = ranking.ClampTopK(topK)

	vec := l.embedder.Embed(ctx, req.Query)
	hits, err := l.idx.Search(ctx, vec, ranking.CandidateK(topK))
	if err != nil {
		return nil, wrap(OpRetrieve, err)
	}

	pool := make([]ranking.Result, len(hits))
	for i, h := range hits {
		pool[i] = ranking.Result{ID: h.ChunkID, Content: h.Content, BaseScore: h.Score}
	}
	out := ranking.RerankPool(req.Query, pool, ranking.Options{TopK: topK, Rerank: req.Rerank, Method: req.RerankMethod})

	results := make([]RetrievedChunk, len(out.Results))
	for i, r := range out.Results {
		results[i] = RetrievedChunk{
			ChunkID:      r.ID,
			Content:      r.Content,
			Rank:         r.Rank,
			Score:        r.Score,
			BaseScore:    r.BaseScore,
			BaseRank:     r.BaseRank,
			LexicalScore: r.Lexical,
		}
	}
	return &RetrieveResponse{Results: results, BaseChunkIDs: out.BaseIDs, BaseTopScore: out.BaseTopScore}, nil
}

func (l *Local) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if req.ModelName == "" {
		req.ModelName = l.cfg.ModelName
	}
	if req.PromptVersion == "" {
		req.PromptVersion = l.cfg.PromptVersion
	}
	resp, err := l.generator.Generate(ctx, req)
	if err != nil {
		return nil, wrap(OpGenerate, err)
	}
	return resp, nil
}

func (l *Local) EvalOnline(_ context.Context, req OnlineEvalRequest) (*OnlineEvalResponse, error) {
	return &OnlineEvalResponse{Metrics: l.evaluator.Evaluate(req.Input()).Map()}, nil
}

// EvalOffline answers every dataset question with the configured retrieval
// settings and scores it. Latency covers retrieve plus generate per item.
func (l *Local) EvalOffline(ctx context.Context, req OfflineEvalRequest) (*OfflineEvalResponse, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = l.cfg.TopK
	}

	perItem := make([]OfflineItemResult, 0, len(req.Dataset))
	all := make([]map[string]float64, 0, len(req.Dataset))

	for _, item := range req.Dataset {
		if err := ctx.Err(); err != nil {
			return nil, wrap(OpEvalOffline, err)
		}

		start := time.Now()
		retrieved, err := l.Retrieve(ctx, RetrieveRequest{
			Query:        item.Question,
			TopK:         topK,
			Rerank:       l.cfg.Rerank,
			RerankMethod: l.cfg.RerankMethod,
		})
		if err != nil {
			return nil, wrap(OpEvalOffline, fmt.Errorf("question %q: %w", item.Question, err))
		}

		contexts := make([]generation.Context, len(retrieved.Results))
		chunks := make([]evaluation.Retrieved, len(retrieved.Results))
		for i, r := range retrieved.Results {
			contexts[i] = generation.Context{ChunkID: r.ChunkID, Content: r.Content}
			chunks[i] = evaluation.Retrieved{ChunkID: r.ChunkID, Content: r.Content, Score: r.Score, BaseScore: r.BaseScore}
		}

		generated, err := l.Generate(ctx, GenerateRequest{Query: item.Question, Contexts: contexts})
		if err != nil {
			return nil, wrap(OpEvalOffline, fmt.Errorf("question %q: %w", item.Question, err))
		}
		latency := float64(time.Since(start).Microseconds()) / 1000.0

		m := l.evaluator.Evaluate(evaluation.Input{
			Query:          item.Question,
			Answer:         generated.Answer,
			Retrieved:      chunks,
			BaseChunkIDs:   retrieved.BaseChunkIDs,
			BaseTopScore:   &retrieved.BaseTopScore,
			CitedChunkIDs:  generated.CitedChunkIDs,
			ExpectedAnswer: strings.TrimSpace(item.ExpectedAnswer),
			GoldChunkIDs:   item.GoldChunkIDs,
			LatencyMS:      latency,
		}).Map()

		all = append(all, m)
		perItem = append(perItem, OfflineItemResult{Question: item.Question, Answer: generated.Answer, Metrics: m})
	}

	aggregate := evaluation.Aggregate(all)
	logger.Debug("Offline evaluation scored",
		zap.Int("items", len(perItem)),
		zap.Int("metrics", len(aggregate)),
	)
	return &OfflineEvalResponse{Aggregate: aggregate, PerItem: perItem}, nil
}

func (l *Local) Health(_ context.Context) (*HealthResponse, error) {
	return &HealthResponse{Status: "ok", IndexMode: l.idx.Mode()}, nil
}

// Close releases the underlying index.
func (l *Local) Close() error {
	return l.idx.Close()
}
