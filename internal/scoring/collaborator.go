// Package scoring is the chunk/embed/index/retrieve/generate/evaluate stage of
// the pipeline. It runs in-process (Local) or behind HTTP (Remote + Server)
// with the same JSON contract.
package scoring

import (
	"context"
	"fmt"

	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/rag/generation"
)

const (
	OpChunk       = "chunk"
	OpEmbed       = "embed"
	OpIndex       = "index"
	OpUnindex     = "unindex"
	OpRetrieve    = "retrieve"
	OpGenerate    = "generate"
	OpEvalOnline  = "eval_online"
	OpEvalOffline = "eval_offline"
	OpHealth      = "health"
)

// CollaboratorError wraps any failed collaborator call, including retry
// exhaustion and timeouts, with the operation name.
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("scoring %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Op: op, Err: err}
}

type Collaborator interface {
	Chunk(ctx context.Context, req ChunkRequest) (*ChunkResponse, error)
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)
	Index(ctx context.Context, req IndexRequest) (*IndexResponse, error)
	Unindex(ctx context.Context, req UnindexRequest) (*UnindexResponse, error)
	Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResponse, error)
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	EvalOnline(ctx context.Context, req OnlineEvalRequest) (*OnlineEvalResponse, error)
	EvalOffline(ctx context.Context, req OfflineEvalRequest) (*OfflineEvalResponse, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

type ChunkRequest struct {
	Document  string `json:"document"`
	ChunkSize int    `json:"chunk_size"`
	Overlap   int    `json:"overlap"`
}

type ChunkResponse struct {
	Chunks []string `json:"chunks"`
}

type EmbedRequest struct {
	Text string `json:"text"`
}

type EmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// IndexChunk is one passage pushed to the index. A missing embedding is
// computed from Content.
type IndexChunk struct {
	ChunkID    int64     `json:"chunk_id"`
	DocumentID int64     `json:"document_id"`
	Content    string    `json:"content"`
	Embedding  []float64 `json:"embedding,omitempty"`
}

type IndexRequest struct {
	Chunks []IndexChunk `json:"chunks"`
}

type IndexResponse struct {
	Indexed int    `json:"indexed"`
	Mode    string `json:"mode"`
}

type UnindexRequest struct {
	ChunkIDs []int64 `json:"chunk_ids"`
}

type UnindexResponse struct {
	Removed int `json:"removed"`
}

type RetrieveRequest struct {
	Query        string `json:"query"`
	TopK         int    `json:"top_k"`
	Rerank       bool   `json:"rerank"`
	RerankMethod string `json:"rerank_method"`
}

type RetrievedChunk struct {
	ChunkID      int64   `json:"chunk_id"`
	Content      string  `json:"content"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	BaseScore    float64 `json:"base_score"`
	BaseRank     int     `json:"base_rank"`
	LexicalScore float64 `json:"lexical_score"`
}

type RetrieveResponse struct {
	Results      []RetrievedChunk `json:"results"`
	BaseChunkIDs []int64          `json:"base_chunk_ids"`
	BaseTopScore float64          `json:"base_top_score"`
}

type (
	GenerateRequest  = generation.Request
	GenerateResponse = generation.Response
)

// OnlineEvalRequest scores one answered query. RetrievedChunks are in final
// rank order. BaseChunkIDs may be omitted when no base ordering is known.
type OnlineEvalRequest struct {
	Query           string                 `json:"query"`
	ResponseText    string                 `json:"response_text"`
	ExpectedAnswer  string                 `json:"expected_answer,omitempty"`
	GoldChunkIDs    []int64                `json:"gold_chunk_ids"`
	RetrievedChunks []evaluation.Retrieved `json:"retrieved_chunks"`
	BaseChunkIDs    []int64                `json:"base_retrieved_chunk_ids"`
	BaseTopScore    *float64               `json:"base_top_score,omitempty"`
	CitedChunkIDs   []int64                `json:"cited_chunk_ids"`
	LatencyMS       float64                `json:"latency_ms"`
}

type OnlineEvalResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

type OfflineItem struct {
	Question       string  `json:"question"`
	ExpectedAnswer string  `json:"expected_answer"`
	GoldChunkIDs   []int64 `json:"gold_chunk_ids"`
}

type OfflineEvalRequest struct {
	Dataset []OfflineItem `json:"dataset"`
	TopK    int           `json:"top_k"`
}

type OfflineItemResult struct {
	Question string             `json:"question"`
	Answer   string             `json:"answer"`
	Metrics  map[string]float64 `json:"metrics"`
}

type OfflineEvalResponse struct {
	Aggregate map[string]float64  `json:"aggregate"`
	PerItem   []OfflineItemResult `json:"per_item"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	IndexMode string `json:"index_mode"`
}

// Input converts the wire request into evaluator input.
func (r OnlineEvalRequest) Input() evaluation.Input {
	return evaluation.Input{
		Query:          r.Query,
		Answer:         r.ResponseText,
		Retrieved:      r.RetrievedChunks,
		BaseChunkIDs:   r.BaseChunkIDs,
		BaseTopScore:   r.BaseTopScore,
		CitedChunkIDs:  r.CitedChunkIDs,
		ExpectedAnswer: r.ExpectedAnswer,
		GoldChunkIDs:   r.GoldChunkIDs,
		LatencyMS:      r.LatencyMS,
	}
}
