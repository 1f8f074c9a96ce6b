package models

import "time"

const (
	EvalKindOnline  = "online"
	EvalKindOffline = "offline"
)

type Document struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Source    string    `json:"source"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Chunk struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Embedding  []float64 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type QueryTrace struct {
	ID               int64     `json:"id"`
	QueryText        string    `json:"query_text"`
	PromptTemplateID *int64    `json:"prompt_template_id,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type RetrievalResult struct {
	ID           int64   `json:"id"`
	QueryTraceID int64   `json:"query_trace_id"`
	ChunkID      int64   `json:"chunk_id"`
	Rank         int     `json:"rank"`
	Score        float64 `json:"score"`
	BaseScore    float64 `json:"base_score"`
	BaseRank     int     `json:"base_rank"`
}

type ModelResponse struct {
	ID            int64     `json:"id"`
	QueryTraceID  int64     `json:"query_trace_id"`
	ModelName     string    `json:"model_name"`
	PromptVersion string    `json:"prompt_version"`
	ResponseText  string    `json:"response_text"`
	CitedChunkIDs []int64   `json:"cited_chunk_ids"`
	LatencyMS     float64   `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

type EvalRun struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Notes      string     `json:"notes"`
}

// EvalMetric with a nil QueryTraceID is a run-level aggregate.
type EvalMetric struct {
	ID           int64     `json:"id"`
	EvalRunID    int64     `json:"eval_run_id"`
	QueryTraceID *int64    `json:"query_trace_id,omitempty"`
	Name         string    `json:"name"`
	Value        float64   `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
}

type EvalQuestion struct {
	ID             int64     `json:"id"`
	Question       string    `json:"question"`
	ExpectedAnswer string    `json:"expected_answer"`
	GoldChunkIDs   []int64   `json:"gold_chunk_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

type PromptTemplate struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Template  string    `json:"template"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
