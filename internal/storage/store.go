// Package storage defines the persistence boundary used by the pipeline.
// Implementations live in the sqlite and memory subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/rag-eval/backend/internal/storage/models"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Queries is the set of reads and writes available both directly on a Store
// and inside a transaction.
type Queries interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id int64) (*models.Document, error)
	ListDocuments(ctx context.Context, limit int) ([]models.Document, error)
	DeleteDocument(ctx context.Context, id int64) error

	CreateChunk(ctx context.Context, chunk *models.Chunk) error
	ListChunks(ctx context.Context, documentID int64) ([]models.Chunk, error)
	ListAllChunks(ctx context.Context) ([]models.Chunk, error)
	// GetChunks returns the chunks that exist among ids, keyed by id.
	GetChunks(ctx context.Context, ids []int64) (map[int64]models.Chunk, error)

	CreateQueryTrace(ctx context.Context, trace *models.QueryTrace) error
	SetQueryTraceError(ctx context.Context, id int64, message string) error
	GetQueryTrace(ctx context.Context, id int64) (*models.QueryTrace, error)
	ListQueryTraces(ctx context.Context, limit int) ([]models.QueryTrace, error)
	CreateRetrievalResults(ctx context.Context, results []models.RetrievalResult) error
	ListRetrievalResults(ctx context.Context, traceID int64) ([]models.RetrievalResult, error)
	CreateModelResponse(ctx context.Context, resp *models.ModelResponse) error
	GetModelResponse(ctx context.Context, traceID int64) (*models.ModelResponse, error)

	CreateEvalRun(ctx context.Context, run *models.EvalRun) error
	FinishEvalRun(ctx context.Context, id int64, notes string) (*models.EvalRun, error)
	GetEvalRun(ctx context.Context, id int64) (*models.EvalRun, error)
	ListEvalRuns(ctx context.Context, kind string, limit int) ([]models.EvalRun, error)
	CreateEvalMetrics(ctx context.Context, metrics []models.EvalMetric) error
	ListRunMetrics(ctx context.Context, runID int64) ([]models.EvalMetric, error)
	ListTraceMetrics(ctx context.Context, traceID int64) ([]models.EvalMetric, error)

	// UpsertEvalQuestion inserts q or updates the row whose normalized
	// question text matches.
	UpsertEvalQuestion(ctx context.Context, q *models.EvalQuestion) error
	FindEvalQuestion(ctx context.Context, question string) (*models.EvalQuestion, error)
	ListEvalQuestions(ctx context.Context) ([]models.EvalQuestion, error)

	CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) error
	GetPromptTemplate(ctx context.Context, id int64) (*models.PromptTemplate, error)
	// ActivatePromptTemplate makes id the only active template for its name.
	ActivatePromptTemplate(ctx context.Context, id int64) (*models.PromptTemplate, error)
	ActivePromptTemplate(ctx context.Context, name string) (*models.PromptTemplate, error)
	LatestPromptTemplate(ctx context.Context) (*models.PromptTemplate, error)
	ListPromptTemplates(ctx context.Context, name string) ([]models.PromptTemplate, error)
}

type Store interface {
	Queries
	// InTx runs fn atomically. Any error returned by fn discards its writes.
	InTx(ctx context.Context, fn func(q Queries) error) error
	Mode() string
	Ping(ctx context.Context) error
	Close() error
}
