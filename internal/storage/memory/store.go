// Package memory is a process-local Store. Query traces are held in a
// bounded LRU; evicting a trace drops its retrieval results and model
// response while its metrics stay with their eval run.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/utils"
)

const DefaultTraceCapacity = 50

type traceRecord struct {
	trace    models.QueryTrace
	results  []models.RetrievalResult
	response *models.ModelResponse
}

type sequences struct {
	document, chunk, trace, result, response, run, metric, question, prompt int64
}

type state struct {
	seq       sequences
	documents map[int64]models.Document
	chunks    map[int64]models.Chunk
	runs      map[int64]models.EvalRun
	metrics   []models.EvalMetric
	questions map[string]models.EvalQuestion
	prompts   map[int64]models.PromptTemplate
}

func newState() state {
	return state{
		documents: map[int64]models.Document{},
		chunks:    map[int64]models.Chunk{},
		runs:      map[int64]models.EvalRun{},
		questions: map[string]models.EvalQuestion{},
		prompts:   map[int64]models.PromptTemplate{},
	}
}

type Store struct {
	mu     sync.RWMutex
	txMu   sync.Mutex
	data   state
	traces *lru.Cache[int64, *traceRecord]
}

var _ storage.Store = (*Store)(nil)

func NewStore(traceCapacity int) (*Store, error) {
	if traceCapacity <= 0 {
		traceCapacity = DefaultTraceCapacity
	}

	traces, err := lru.NewWithEvict[int64, *traceRecord](traceCapacity, func(id int64, _ *traceRecord) {
		logger.Debug("Query trace evicted", zap.Int64("trace_id", id))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create trace cache: %w", err)
	}

	logger.Info("Memory store initialized", zap.Int("trace_capacity", traceCapacity))
	return &Store{data: newState(), traces: traces}, nil
}

func (s *Store) Mode() string {
	return storage.DriverMemory
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

// InTx runs fn against a view of the store that logs how to revert each
// write. On error the log is replayed backwards, so writes committed by other
// callers while fn ran are kept. Transactions are serialized with each other.
// Ids handed out inside a failed transaction are not reused.
func (s *Store) InTx(_ context.Context, fn func(q storage.Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txQueries{Store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createDocumentLocked(doc)
	return nil
}

func (s *Store) createDocumentLocked(doc *models.Document) {
	s.data.seq.document++
	doc.ID = s.data.seq.document
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now()
	}
	s.data.documents[doc.ID] = *doc
}

func (s *Store) GetDocument(_ context.Context, id int64) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.data.documents[id]
	if !ok {
		return nil, notFound("document")
	}
	return &doc, nil
}

func (s *Store) ListDocuments(_ context.Context, limit int) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]models.Document, 0, len(s.data.documents))
	for _, d := range s.data.documents {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID > docs[j].ID })
	return truncate(docs, limit), nil
}

func (s *Store) DeleteDocument(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.deleteDocumentLocked(id)
	return err
}

// deletedDocument is what deleteDocumentLocked removed, keyed so it can be
// put back.
type deletedDocument struct {
	doc     models.Document
	chunks  []models.Chunk
	results map[int64][]models.RetrievalResult
}

func (s *Store) deleteDocumentLocked(id int64) (*deletedDocument, error) {
	doc, ok := s.data.documents[id]
	if !ok {
		return nil, notFound("document")
	}
	delete(s.data.documents, id)
	out := &deletedDocument{doc: doc, results: map[int64][]models.RetrievalResult{}}

	removed := map[int64]struct{}{}
	for cid, c := range s.data.chunks {
		if c.DocumentID == id {
			removed[cid] = struct{}{}
			out.chunks = append(out.chunks, c)
			delete(s.data.chunks, cid)
		}
	}

	for _, k := range s.traces.Keys() {
		rec, ok := s.traces.Peek(k)
		if !ok {
			continue
		}
		kept := make([]models.RetrievalResult, 0, len(rec.results))
		for _, r := range rec.results {
			if _, gone := removed[r.ChunkID]; gone {
				out.results[k] = append(out.results[k], r)
			} else {
				kept = append(kept, r)
			}
		}
		rec.results = kept
	}
	return out, nil
}

func (s *Store) CreateChunk(_ context.Context, chunk *models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChunkLocked(chunk)
}

func (s *Store) createChunkLocked(chunk *models.Chunk) error {
	if _, ok := s.data.documents[chunk.DocumentID]; !ok {
		return fmt.Errorf("failed to insert chunk: %w", notFound("document"))
	}
	for _, c := range s.data.chunks {
		if c.DocumentID == chunk.DocumentID && c.ChunkIndex == chunk.ChunkIndex {
			return fmt.Errorf("chunk %d of document %d: %w", chunk.ChunkIndex, chunk.DocumentID, storage.ErrConflict)
		}
	}

	s.data.seq.chunk++
	chunk.ID = s.data.seq.chunk
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = now()
	}
	chunk.Embedding = append([]float64(nil), chunk.Embedding...)
	s.data.chunks[chunk.ID] = *chunk
	return nil
}

func (s *Store) ListChunks(_ context.Context, documentID int64) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := []models.Chunk{}
	for _, c := range s.data.chunks {
		if c.DocumentID == documentID {
			chunks = append(chunks, c)
		}
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (s *Store) ListAllChunks(_ context.Context) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := make([]models.Chunk, 0, len(s.data.chunks))
	for _, c := range s.data.chunks {
		chunks = append(chunks, c)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ID < chunks[j].ID })
	return chunks, nil
}

func (s *Store) GetChunks(_ context.Context, ids []int64) (map[int64]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64]models.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := s.data.chunks[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *Store) CreateQueryTrace(_ context.Context, trace *models.QueryTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createQueryTraceLocked(trace)
	return nil
}

func (s *Store) createQueryTraceLocked(trace *models.QueryTrace) {
	s.data.seq.trace++
	trace.ID = s.data.seq.trace
	if trace.CreatedAt.IsZero() {
		trace.CreatedAt = now()
	}
	s.traces.Add(trace.ID, &traceRecord{trace: *trace})
}

func (s *Store) record(id int64) (*traceRecord, error) {
	rec, ok := s.traces.Peek(id)
	if !ok {
		return nil, notFound("query trace")
	}
	return rec, nil
}

func (s *Store) SetQueryTraceError(_ context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.setQueryTraceErrorLocked(id, message)
	return err
}

func (s *Store) setQueryTraceErrorLocked(id int64, message string) (string, error) {
	rec, err := s.record(id)
	if err != nil {
		return "", err
	}
	prev := rec.trace.Error
	rec.trace.Error = message
	return prev, nil
}

func (s *Store) GetQueryTrace(_ context.Context, id int64) (*models.QueryTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.record(id)
	if err != nil {
		return nil, err
	}
	t := rec.trace
	return &t, nil
}

func (s *Store) ListQueryTraces(_ context.Context, limit int) ([]models.QueryTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.traces.Keys()
	traces := make([]models.QueryTrace, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if rec, ok := s.traces.Peek(keys[i]); ok {
			traces = append(traces, rec.trace)
		}
	}
	sort.SliceStable(traces, func(i, j int) bool { return traces[i].ID > traces[j].ID })
	return truncate(traces, limit), nil
}

func (s *Store) CreateRetrievalResults(_ context.Context, results []models.RetrievalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createRetrievalResultsLocked(results)
}

// createRetrievalResultsLocked checks every row before inserting any.
func (s *Store) createRetrievalResultsLocked(results []models.RetrievalResult) error {
	for _, r := range results {
		if _, err := s.record(r.QueryTraceID); err != nil {
			return fmt.Errorf("failed to insert retrieval result: %w", err)
		}
		if _, ok := s.data.chunks[r.ChunkID]; !ok {
			return fmt.Errorf("failed to insert retrieval result: %w", notFound("chunk"))
		}
	}
	for i := range results {
		r := &results[i]
		rec, _ := s.record(r.QueryTraceID)
		s.data.seq.result++
		r.ID = s.data.seq.result
		rec.results = append(rec.results, *r)
	}
	return nil
}

func (s *Store) ListRetrievalResults(_ context.Context, traceID int64) ([]models.RetrievalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.traces.Peek(traceID)
	if !ok {
		return []models.RetrievalResult{}, nil
	}
	out := append([]models.RetrievalResult{}, rec.results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *Store) CreateModelResponse(_ context.Context, resp *models.ModelResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createModelResponseLocked(resp)
}

func (s *Store) createModelResponseLocked(resp *models.ModelResponse) error {
	rec, err := s.record(resp.QueryTraceID)
	if err != nil {
		return fmt.Errorf("failed to insert model response: %w", err)
	}
	if rec.response != nil {
		return fmt.Errorf("model response for trace %d: %w", resp.QueryTraceID, storage.ErrConflict)
	}

	s.data.seq.response++
	resp.ID = s.data.seq.response
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now()
	}
	stored := *resp
	stored.CitedChunkIDs = append([]int64{}, resp.CitedChunkIDs...)
	rec.response = &stored
	return nil
}

func (s *Store) GetModelResponse(_ context.Context, traceID int64) (*models.ModelResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.traces.Peek(traceID)
	if !ok || rec.response == nil {
		return nil, notFound("model response")
	}
	resp := *rec.response
	return &resp, nil
}

func (s *Store) CreateEvalRun(_ context.Context, run *models.EvalRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createEvalRunLocked(run)
	return nil
}

func (s *Store) createEvalRunLocked(run *models.EvalRun) {
	s.data.seq.run++
	run.ID = s.data.seq.run
	if run.StartedAt.IsZero() {
		run.StartedAt = now()
	}
	s.data.runs[run.ID] = *run
}

func (s *Store) FinishEvalRun(_ context.Context, id int64, notes string) (*models.EvalRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, run, err := s.finishEvalRunLocked(id, notes)
	return run, err
}

func (s *Store) finishEvalRunLocked(id int64, notes string) (models.EvalRun, *models.EvalRun, error) {
	prev, ok := s.data.runs[id]
	if !ok {
		return models.EvalRun{}, nil, notFound("eval run")
	}
	run := prev
	finished := now()
	run.FinishedAt = &finished
	run.Notes = notes
	s.data.runs[id] = run
	return prev, &run, nil
}

func (s *Store) GetEvalRun(_ context.Context, id int64) (*models.EvalRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data.runs[id]
	if !ok {
		return nil, notFound("eval run")
	}
	return &run, nil
}

func (s *Store) ListEvalRuns(_ context.Context, kind string, limit int) ([]models.EvalRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []models.EvalRun{}
	for _, r := range s.data.runs {
		if kind == "" || r.Kind == kind {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	return truncate(runs, limit), nil
}

func (s *Store) CreateEvalMetrics(_ context.Context, metrics []models.EvalMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createEvalMetricsLocked(metrics)
}

// createEvalMetricsLocked checks every row before inserting any.
func (s *Store) createEvalMetricsLocked(metrics []models.EvalMetric) error {
	for _, m := range metrics {
		if _, ok := s.data.runs[m.EvalRunID]; !ok {
			return fmt.Errorf("failed to insert eval metric %s: %w", m.Name, notFound("eval run"))
		}
	}
	for i := range metrics {
		m := &metrics[i]
		s.data.seq.metric++
		m.ID = s.data.seq.metric
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now()
		}
		s.data.metrics = append(s.data.metrics, *m)
	}
	return nil
}

func (s *Store) filterMetrics(keep func(models.EvalMetric) bool) []models.EvalMetric {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.EvalMetric{}
	for _, m := range s.data.metrics {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) ListRunMetrics(_ context.Context, runID int64) ([]models.EvalMetric, error) {
	return s.filterMetrics(func(m models.EvalMetric) bool { return m.EvalRunID == runID }), nil
}

func (s *Store) ListTraceMetrics(_ context.Context, traceID int64) ([]models.EvalMetric, error) {
	return s.filterMetrics(func(m models.EvalMetric) bool {
		return m.QueryTraceID != nil && *m.QueryTraceID == traceID
	}), nil
}

func (s *Store) UpsertEvalQuestion(_ context.Context, q *models.EvalQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertEvalQuestionLocked(q)
	return nil
}

// upsertEvalQuestionLocked returns the row it replaced, if any.
func (s *Store) upsertEvalQuestionLocked(q *models.EvalQuestion) *models.EvalQuestion {
	key := utils.NormalizeKey(q.Question)
	var prev *models.EvalQuestion
	if existing, ok := s.data.questions[key]; ok {
		prev = &existing
		q.ID = existing.ID
		q.CreatedAt = existing.CreatedAt
	} else {
		s.data.seq.question++
		q.ID = s.data.seq.question
		if q.CreatedAt.IsZero() {
			q.CreatedAt = now()
		}
	}
	stored := *q
	stored.GoldChunkIDs = append([]int64{}, q.GoldChunkIDs...)
	s.data.questions[key] = stored
	return prev
}

func (s *Store) FindEvalQuestion(_ context.Context, question string) (*models.EvalQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.data.questions[utils.NormalizeKey(question)]
	if !ok {
		return nil, notFound("eval question")
	}
	return &q, nil
}

func (s *Store) ListEvalQuestions(_ context.Context) ([]models.EvalQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.EvalQuestion, 0, len(s.data.questions))
	for _, q := range s.data.questions {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreatePromptTemplate(_ context.Context, t *models.PromptTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPromptTemplateLocked(t)
}

func (s *Store) createPromptTemplateLocked(t *models.PromptTemplate) error {
	for _, p := range s.data.prompts {
		if p.Name == t.Name && p.Version == t.Version {
			return fmt.Errorf("prompt template %s/%s: %w", t.Name, t.Version, storage.ErrConflict)
		}
	}

	s.data.seq.prompt++
	t.ID = s.data.seq.prompt
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	s.data.prompts[t.ID] = *t
	if t.Active {
		s.activateLocked(t.ID)
	}
	return nil
}

func (s *Store) GetPromptTemplate(_ context.Context, id int64) (*models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data.prompts[id]
	if !ok {
		return nil, notFound("prompt template")
	}
	return &t, nil
}

func (s *Store) ActivatePromptTemplate(_ context.Context, id int64) (*models.PromptTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.prompts[id]; !ok {
		return nil, notFound("prompt template")
	}
	t := s.activateLocked(id)
	logger.Info("Prompt template activated", zap.Int64("prompt_template_id", id), zap.String("name", t.Name))
	return &t, nil
}

func (s *Store) activateLocked(id int64) models.PromptTemplate {
	target := s.data.prompts[id]
	for pid, p := range s.data.prompts {
		if p.Name == target.Name {
			p.Active = pid == id
			s.data.prompts[pid] = p
		}
	}
	return s.data.prompts[id]
}

func (s *Store) ActivePromptTemplate(_ context.Context, name string) (*models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.data.prompts {
		if p.Name == name && p.Active {
			return &p, nil
		}
	}
	return nil, notFound("active prompt template")
}

func (s *Store) LatestPromptTemplate(_ context.Context) (*models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.PromptTemplate
	for _, p := range s.data.prompts {
		p := p
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.ID > latest.ID) {
			latest = &p
		}
	}
	if latest == nil {
		return nil, notFound("prompt template")
	}
	return latest, nil
}

func (s *Store) ListPromptTemplates(_ context.Context, name string) ([]models.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.PromptTemplate{}
	for _, p := range s.data.prompts {
		if name == "" || p.Name == name {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
