package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/utils"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against either the pool or an open transaction.
type queries struct {
	db dbtx
}

type Client struct {
	*queries
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{queries: &queries{db: db}, db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Mode() string {
	return storage.DriverSQLite
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE,
		UNIQUE (document_id, chunk_index)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

	CREATE TABLE IF NOT EXISTS prompt_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		template TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE (name, version)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_templates_one_active
		ON prompt_templates(name) WHERE active = 1;

	CREATE TABLE IF NOT EXISTS query_traces (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_text TEXT NOT NULL,
		prompt_template_id INTEGER,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (prompt_template_id) REFERENCES prompt_templates(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_traces_created ON query_traces(created_at);

	CREATE TABLE IF NOT EXISTS retrieval_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_trace_id INTEGER NOT NULL,
		chunk_id INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		score REAL NOT NULL,
		base_score REAL NOT NULL,
		base_rank INTEGER NOT NULL,
		FOREIGN KEY (query_trace_id) REFERENCES query_traces(id) ON DELETE CASCADE,
		FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE,
		UNIQUE (query_trace_id, rank)
	);
	CREATE INDEX IF NOT EXISTS idx_retrieval_results_chunk ON retrieval_results(chunk_id);

	CREATE TABLE IF NOT EXISTS model_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_trace_id INTEGER NOT NULL UNIQUE,
		model_name TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		response_text TEXT NOT NULL,
		cited_chunk_ids TEXT NOT NULL,
		latency_ms REAL NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_trace_id) REFERENCES query_traces(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS eval_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		notes TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_eval_runs_kind ON eval_runs(kind);

	CREATE TABLE IF NOT EXISTS eval_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		eval_run_id INTEGER NOT NULL,
		query_trace_id INTEGER,
		name TEXT NOT NULL,
		value REAL NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (eval_run_id) REFERENCES eval_runs(id) ON DELETE CASCADE,
		FOREIGN KEY (query_trace_id) REFERENCES query_traces(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_metrics_run ON eval_metrics(eval_run_id);
	CREATE INDEX IF NOT EXISTS idx_eval_metrics_trace ON eval_metrics(query_trace_id);

	CREATE TABLE IF NOT EXISTS eval_questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question TEXT NOT NULL,
		question_key TEXT NOT NULL UNIQUE,
		expected_answer TEXT NOT NULL DEFAULT '',
		gold_chunk_ids TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InTx(ctx context.Context, fn func(q storage.Queries) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreatePromptTemplate and ActivatePromptTemplate always run in a transaction
// when called on the Client so the one-active-per-name index is never tripped
// halfway through.
func (c *Client) CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) error {
	return c.InTx(ctx, func(q storage.Queries) error {
		return q.CreatePromptTemplate(ctx, t)
	})
}

func (c *Client) ActivatePromptTemplate(ctx context.Context, id int64) (*models.PromptTemplate, error) {
	var out *models.PromptTemplate
	err := c.InTx(ctx, func(q storage.Queries) error {
		t, err := q.ActivatePromptTemplate(ctx, id)
		out = t
		return err
	})
	return out, err
}

func now() time.Time {
	return time.Now().UTC()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (q *queries) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now()
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO documents (title, source, body, created_at) VALUES (?, ?, ?, ?)`,
		doc.Title, doc.Source, doc.Body, toMillis(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	doc.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read document id: %w", err)
	}

	logger.Debug("Document inserted", zap.Int64("document_id", doc.ID))
	return nil
}

func (q *queries) GetDocument(ctx context.Context, id int64) (*models.Document, error) {
	var doc models.Document
	var createdAt int64

	err := q.db.QueryRowContext(ctx,
		`SELECT id, title, source, body, created_at FROM documents WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Title, &doc.Source, &doc.Body, &createdAt)
	if err != nil {
		return nil, notFound(err, "document")
	}

	doc.CreatedAt = fromMillis(createdAt)
	return &doc, nil
}

func (q *queries) ListDocuments(ctx context.Context, limit int) ([]models.Document, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, title, source, body, created_at FROM documents ORDER BY id DESC LIMIT ?`,
		limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		var d models.Document
		var createdAt int64
		if err := rows.Scan(&d.ID, &d.Title, &d.Source, &d.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		d.CreatedAt = fromMillis(createdAt)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (q *queries) DeleteDocument(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document: %w", storage.ErrNotFound)
	}
	return nil
}

func (q *queries) CreateChunk(ctx context.Context, chunk *models.Chunk) error {
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now()
	}

	embedding, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO chunks (document_id, chunk_index, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		chunk.DocumentID, chunk.ChunkIndex, chunk.Content, string(embedding), toMillis(chunk.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	chunk.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read chunk id: %w", err)
	}
	return nil
}

const chunkColumns = `id, document_id, chunk_index, content, embedding, created_at`

func scanChunks(rows *sql.Rows) ([]models.Chunk, error) {
	defer rows.Close()

	chunks := []models.Chunk{}
	for rows.Next() {
		var c models.Chunk
		var embedding string
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &embedding, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(embedding), &c.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for chunk %d: %w", c.ID, err)
		}
		c.CreatedAt = fromMillis(createdAt)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (q *queries) ListChunks(ctx context.Context, documentID int64) ([]models.Chunk, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return scanChunks(rows)
}

func (q *queries) ListAllChunks(ctx context.Context) ([]models.Chunk, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return scanChunks(rows)
}

func (q *queries) GetChunks(ctx context.Context, ids []int64) (map[int64]models.Chunk, error) {
	out := make(map[int64]models.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders(len(ids))+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.ID] = c
	}
	return out, nil
}

func (q *queries) CreateQueryTrace(ctx context.Context, trace *models.QueryTrace) error {
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = now()
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO query_traces (query_text, prompt_template_id, error, created_at) VALUES (?, ?, ?, ?)`,
		trace.QueryText, trace.PromptTemplateID, trace.Error, toMillis(trace.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query trace: %w", err)
	}

	trace.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read query trace id: %w", err)
	}
	return nil
}

func (q *queries) SetQueryTraceError(ctx context.Context, id int64, message string) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE query_traces SET error = ? WHERE id = ?`, message, id); err != nil {
		return fmt.Errorf("failed to record query trace error: %w", err)
	}
	return nil
}

func (q *queries) GetQueryTrace(ctx context.Context, id int64) (*models.QueryTrace, error) {
	var t models.QueryTrace
	var templateID sql.NullInt64
	var createdAt int64

	err := q.db.QueryRowContext(ctx,
		`SELECT id, query_text, prompt_template_id, error, created_at FROM query_traces WHERE id = ?`, id,
	).Scan(&t.ID, &t.QueryText, &templateID, &t.Error, &createdAt)
	if err != nil {
		return nil, notFound(err, "query trace")
	}

	if templateID.Valid {
		t.PromptTemplateID = &templateID.Int64
	}
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func (q *queries) ListQueryTraces(ctx context.Context, limit int) ([]models.QueryTrace, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, query_text, prompt_template_id, error, created_at
		FROM query_traces ORDER BY created_at DESC, id DESC LIMIT ?`,
		limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list query traces: %w", err)
	}
	defer rows.Close()

	traces := []models.QueryTrace{}
	for rows.Next() {
		var t models.QueryTrace
		var templateID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.QueryText, &templateID, &t.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan query trace: %w", err)
		}
		if templateID.Valid {
			id := templateID.Int64
			t.PromptTemplateID = &id
		}
		t.CreatedAt = fromMillis(createdAt)
		traces = append(traces, t)
	}
	return traces, rows.Err()
}

func (q *queries) CreateRetrievalResults(ctx context.Context, results []models.RetrievalResult) error {
	for i := range results {
		r := &results[i]
		res, err := q.db.ExecContext(ctx,
			`INSERT INTO retrieval_results (query_trace_id, chunk_id, rank, score, base_score, base_rank)
			VALUES (?, ?, ?, ?, ?, ?)`,
			r.QueryTraceID, r.ChunkID, r.Rank, r.Score, r.BaseScore, r.BaseRank,
		)
		if err != nil {
			return fmt.Errorf("failed to insert retrieval result: %w", err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read retrieval result id: %w", err)
		}
	}
	return nil
}

func (q *queries) ListRetrievalResults(ctx context.Context, traceID int64) ([]models.RetrievalResult, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, query_trace_id, chunk_id, rank, score, base_score, base_rank
		FROM retrieval_results WHERE query_trace_id = ? ORDER BY rank`, traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list retrieval results: %w", err)
	}
	defer rows.Close()

	results := []models.RetrievalResult{}
	for rows.Next() {
		var r models.RetrievalResult
		if err := rows.Scan(&r.ID, &r.QueryTraceID, &r.ChunkID, &r.Rank, &r.Score, &r.BaseScore, &r.BaseRank); err != nil {
			return nil, fmt.Errorf("failed to scan retrieval result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (q *queries) CreateModelResponse(ctx context.Context, resp *models.ModelResponse) error {
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now()
	}
	cited, err := json.Marshal(nonNilIDs(resp.CitedChunkIDs))
	if err != nil {
		return fmt.Errorf("failed to encode cited chunk ids: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO model_responses (query_trace_id, model_name, prompt_version, response_text, cited_chunk_ids, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.QueryTraceID, resp.ModelName, resp.PromptVersion, resp.ResponseText, string(cited), resp.LatencyMS, toMillis(resp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert model response: %w", err)
	}
	resp.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read model response id: %w", err)
	}
	return nil
}

func (q *queries) GetModelResponse(ctx context.Context, traceID int64) (*models.ModelResponse, error) {
	var r models.ModelResponse
	var cited string
	var createdAt int64

	err := q.db.QueryRowContext(ctx,
		`SELECT id, query_trace_id, model_name, prompt_version, response_text, cited_chunk_ids, latency_ms, created_at
		FROM model_responses WHERE query_trace_id = ?`, traceID,
	).Scan(&r.ID, &r.QueryTraceID, &r.ModelName, &r.PromptVersion, &r.ResponseText, &cited, &r.LatencyMS, &createdAt)
	if err != nil {
		return nil, notFound(err, "model response")
	}

	if err := json.Unmarshal([]byte(cited), &r.CitedChunkIDs); err != nil {
		return nil, fmt.Errorf("failed to decode cited chunk ids: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (q *queries) CreateEvalRun(ctx context.Context, run *models.EvalRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = now()
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO eval_runs (kind, started_at, notes) VALUES (?, ?, ?)`,
		run.Kind, toMillis(run.StartedAt), run.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert eval run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read eval run id: %w", err)
	}
	return nil
}

func (q *queries) FinishEvalRun(ctx context.Context, id int64, notes string) (*models.EvalRun, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE eval_runs SET finished_at = ?, notes = ? WHERE id = ?`, toMillis(now()), notes, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to finish eval run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("eval run: %w", storage.ErrNotFound)
	}
	return q.GetEvalRun(ctx, id)
}

func scanEvalRun(scan func(dest ...any) error) (models.EvalRun, error) {
	var r models.EvalRun
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := scan(&r.ID, &r.Kind, &startedAt, &finishedAt, &r.Notes); err != nil {
		return r, err
	}
	r.StartedAt = fromMillis(startedAt)
	if finishedAt.Valid {
		t := fromMillis(finishedAt.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

func (q *queries) GetEvalRun(ctx context.Context, id int64) (*models.EvalRun, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, kind, started_at, finished_at, notes FROM eval_runs WHERE id = ?`, id,
	)
	r, err := scanEvalRun(row.Scan)
	if err != nil {
		return nil, notFound(err, "eval run")
	}
	return &r, nil
}

func (q *queries) ListEvalRuns(ctx context.Context, kind string, limit int) ([]models.EvalRun, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, kind, started_at, finished_at, notes FROM eval_runs
		WHERE (? = '' OR kind = ?) ORDER BY started_at DESC, id DESC LIMIT ?`,
		kind, kind, limitOrAll(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval runs: %w", err)
	}
	defer rows.Close()

	runs := []models.EvalRun{}
	for rows.Next() {
		r, err := scanEvalRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan eval run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (q *queries) CreateEvalMetrics(ctx context.Context, metrics []models.EvalMetric) error {
	for i := range metrics {
		m := &metrics[i]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now()
		}
		res, err := q.db.ExecContext(ctx,
			`INSERT INTO eval_metrics (eval_run_id, query_trace_id, name, value, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.EvalRunID, m.QueryTraceID, m.Name, m.Value, toMillis(m.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert eval metric %s: %w", m.Name, err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read eval metric id: %w", err)
		}
	}
	return nil
}

func (q *queries) listMetrics(ctx context.Context, where string, arg int64) ([]models.EvalMetric, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, eval_run_id, query_trace_id, name, value, created_at FROM eval_metrics WHERE `+where+` ORDER BY id`, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval metrics: %w", err)
	}
	defer rows.Close()

	metrics := []models.EvalMetric{}
	for rows.Next() {
		var m models.EvalMetric
		var traceID sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.EvalRunID, &traceID, &m.Name, &m.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan eval metric: %w", err)
		}
		if traceID.Valid {
			id := traceID.Int64
			m.QueryTraceID = &id
		}
		m.CreatedAt = fromMillis(createdAt)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (q *queries) ListRunMetrics(ctx context.Context, runID int64) ([]models.EvalMetric, error) {
	return q.listMetrics(ctx, "eval_run_id = ?", runID)
}

func (q *queries) ListTraceMetrics(ctx context.Context, traceID int64) ([]models.EvalMetric, error) {
	return q.listMetrics(ctx, "query_trace_id = ?", traceID)
}

func (q *queries) UpsertEvalQuestion(ctx context.Context, eq *models.EvalQuestion) error {
	if eq.CreatedAt.IsZero() {
		eq.CreatedAt = now()
	}
	gold, err := json.Marshal(nonNilIDs(eq.GoldChunkIDs))
	if err != nil {
		return fmt.Errorf("failed to encode gold chunk ids: %w", err)
	}

	err = q.db.QueryRowContext(ctx,
		`INSERT INTO eval_questions (question, question_key, expected_answer, gold_chunk_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(question_key) DO UPDATE SET
			question = excluded.question,
			expected_answer = excluded.expected_answer,
			gold_chunk_ids = excluded.gold_chunk_ids
		RETURNING id`,
		eq.Question, utils.NormalizeKey(eq.Question), eq.ExpectedAnswer, string(gold), toMillis(eq.CreatedAt),
	).Scan(&eq.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert eval question: %w", err)
	}
	return nil
}

func scanQuestion(scan func(dest ...any) error) (models.EvalQuestion, error) {
	var eq models.EvalQuestion
	var gold string
	var createdAt int64
	if err := scan(&eq.ID, &eq.Question, &eq.ExpectedAnswer, &gold, &createdAt); err != nil {
		return eq, err
	}
	if err := json.Unmarshal([]byte(gold), &eq.GoldChunkIDs); err != nil {
		return eq, fmt.Errorf("failed to decode gold chunk ids: %w", err)
	}
	eq.CreatedAt = fromMillis(createdAt)
	return eq, nil
}

func (q *queries) FindEvalQuestion(ctx context.Context, question string) (*models.EvalQuestion, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, question, expected_answer, gold_chunk_ids, created_at FROM eval_questions WHERE question_key = ?`,
		utils.NormalizeKey(question),
	)
	eq, err := scanQuestion(row.Scan)
	if err != nil {
		return nil, notFound(err, "eval question")
	}
	return &eq, nil
}

func (q *queries) ListEvalQuestions(ctx context.Context) ([]models.EvalQuestion, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, question, expected_answer, gold_chunk_ids, created_at FROM eval_questions ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval questions: %w", err)
	}
	defer rows.Close()

	questions := []models.EvalQuestion{}
	for rows.Next() {
		eq, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan eval question: %w", err)
		}
		questions = append(questions, eq)
	}
	return questions, rows.Err()
}

func (q *queries) CreatePromptTemplate(ctx context.Context, t *models.PromptTemplate) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (name, version, template, active, created_at) VALUES (?, ?, ?, 0, ?)`,
		t.Name, t.Version, t.Template, toMillis(t.CreatedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("prompt template %s/%s: %w", t.Name, t.Version, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert prompt template: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read prompt template id: %w", err)
	}

	if t.Active {
		if _, err := q.ActivatePromptTemplate(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

const promptColumns = `id, name, version, template, active, created_at`

func scanPrompt(scan func(dest ...any) error) (models.PromptTemplate, error) {
	var t models.PromptTemplate
	var createdAt int64
	if err := scan(&t.ID, &t.Name, &t.Version, &t.Template, &t.Active, &createdAt); err != nil {
		return t, err
	}
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func (q *queries) getPrompt(ctx context.Context, what, where string, args ...any) (*models.PromptTemplate, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompt_templates `+where, args...)
	t, err := scanPrompt(row.Scan)
	if err != nil {
		return nil, notFound(err, what)
	}
	return &t, nil
}

func (q *queries) GetPromptTemplate(ctx context.Context, id int64) (*models.PromptTemplate, error) {
	return q.getPrompt(ctx, "prompt template", `WHERE id = ?`, id)
}

// ActivatePromptTemplate deactivates the siblings before activating id. Both
// statements must share a transaction, which Client guarantees.
func (q *queries) ActivatePromptTemplate(ctx context.Context, id int64) (*models.PromptTemplate, error) {
	t, err := q.GetPromptTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, err := q.db.ExecContext(ctx,
		`UPDATE prompt_templates SET active = 0 WHERE name = ? AND id != ? AND active = 1`, t.Name, id,
	); err != nil {
		return nil, fmt.Errorf("failed to deactivate prompt templates: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE prompt_templates SET active = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to activate prompt template: %w", err)
	}

	t.Active = true
	logger.Info("Prompt template activated", zap.Int64("prompt_template_id", id), zap.String("name", t.Name))
	return t, nil
}

func (q *queries) ActivePromptTemplate(ctx context.Context, name string) (*models.PromptTemplate, error) {
	return q.getPrompt(ctx, "active prompt template", `WHERE name = ? AND active = 1`, name)
}

func (q *queries) LatestPromptTemplate(ctx context.Context) (*models.PromptTemplate, error) {
	return q.getPrompt(ctx, "prompt template", `ORDER BY created_at DESC, id DESC LIMIT 1`)
}

func (q *queries) ListPromptTemplates(ctx context.Context, name string) ([]models.PromptTemplate, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM prompt_templates WHERE (? = '' OR name = ?) ORDER BY name, created_at, id`,
		name, name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompt templates: %w", err)
	}
	defer rows.Close()

	templates := []models.PromptTemplate{}
	for rows.Next() {
		t, err := scanPrompt(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prompt template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
