package memory

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
	"github.com/rag-eval/backend/pkg/utils"
)

// txQueries routes writes through the store and records an inverse for each.
// Reads fall through to the embedded Store.
type txQueries struct {
	*Store
	undo []func()
}

var _ storage.Queries = (*txQueries)(nil)

// push must be called with s.mu held.
func (tx *txQueries) push(fn func()) {
	tx.undo = append(tx.undo, fn)
}

func (tx *txQueries) rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	logger.Debug("Memory transaction rolled back", zap.Int("writes", len(tx.undo)))
	tx.undo = nil
}

func (tx *txQueries) CreateDocument(_ context.Context, doc *models.Document) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.createDocumentLocked(doc)
	id := doc.ID
	tx.push(func() { delete(tx.data.documents, id) })
	return nil
}

func (tx *txQueries) DeleteDocument(_ context.Context, id int64) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	removed, err := tx.deleteDocumentLocked(id)
	if err != nil {
		return err
	}
	tx.push(func() {
		tx.data.documents[removed.doc.ID] = removed.doc
		for _, c := range removed.chunks {
			tx.data.chunks[c.ID] = c
		}
		for traceID, results := range removed.results {
			rec, ok := tx.traces.Peek(traceID)
			if !ok {
				continue
			}
			rec.results = append(rec.results, results...)
			sort.SliceStable(rec.results, func(i, j int) bool { return rec.results[i].ID < rec.results[j].ID })
		}
	})
	return nil
}

func (tx *txQueries) CreateChunk(_ context.Context, chunk *models.Chunk) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.createChunkLocked(chunk); err != nil {
		return err
	}
	id := chunk.ID
	tx.push(func() { delete(tx.data.chunks, id) })
	return nil
}

func (tx *txQueries) CreateQueryTrace(_ context.Context, trace *models.QueryTrace) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.createQueryTraceLocked(trace)
	id := trace.ID
	tx.push(func() { tx.traces.Remove(id) })
	return nil
}

func (tx *txQueries) SetQueryTraceError(_ context.Context, id int64, message string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev, err := tx.setQueryTraceErrorLocked(id, message)
	if err != nil {
		return err
	}
	tx.push(func() {
		if rec, ok := tx.traces.Peek(id); ok && rec.trace.Error == message {
			rec.trace.Error = prev
		}
	})
	return nil
}

func (tx *txQueries) CreateRetrievalResults(_ context.Context, results []models.RetrievalResult) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.createRetrievalResultsLocked(results); err != nil {
		return err
	}
	added := map[int64]struct{}{}
	traceIDs := map[int64]struct{}{}
	for _, r := range results {
		added[r.ID] = struct{}{}
		traceIDs[r.QueryTraceID] = struct{}{}
	}
	tx.push(func() {
		for traceID := range traceIDs {
			rec, ok := tx.traces.Peek(traceID)
			if !ok {
				continue
			}
			kept := rec.results[:0]
			for _, r := range rec.results {
				if _, mine := added[r.ID]; !mine {
					kept = append(kept, r)
				}
			}
			rec.results = kept
		}
	})
	return nil
}

func (tx *txQueries) CreateModelResponse(_ context.Context, resp *models.ModelResponse) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.createModelResponseLocked(resp); err != nil {
		return err
	}
	traceID, id := resp.QueryTraceID, resp.ID
	tx.push(func() {
		if rec, ok := tx.traces.Peek(traceID); ok && rec.response != nil && rec.response.ID == id {
			rec.response = nil
		}
	})
	return nil
}

func (tx *txQueries) CreateEvalRun(_ context.Context, run *models.EvalRun) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.createEvalRunLocked(run)
	id := run.ID
	tx.push(func() { delete(tx.data.runs, id) })
	return nil
}

func (tx *txQueries) FinishEvalRun(_ context.Context, id int64, notes string) (*models.EvalRun, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev, run, err := tx.finishEvalRunLocked(id, notes)
	if err != nil {
		return nil, err
	}
	finishedAt := *run.FinishedAt
	tx.push(func() {
		cur, ok := tx.data.runs[id]
		if ok && cur.FinishedAt != nil && cur.FinishedAt.Equal(finishedAt) && cur.Notes == notes {
			tx.data.runs[id] = prev
		}
	})
	return run, nil
}

func (tx *txQueries) CreateEvalMetrics(_ context.Context, metrics []models.EvalMetric) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.createEvalMetricsLocked(metrics); err != nil {
		return err
	}
	added := make(map[int64]struct{}, len(metrics))
	for _, m := range metrics {
		added[m.ID] = struct{}{}
	}
	tx.push(func() {
		kept := tx.data.metrics[:0]
		for _, m := range tx.data.metrics {
			if _, mine := added[m.ID]; !mine {
				kept = append(kept, m)
			}
		}
		tx.data.metrics = kept
	})
	return nil
}

func (tx *txQueries) UpsertEvalQuestion(_ context.Context, q *models.EvalQuestion) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	prev := tx.upsertEvalQuestionLocked(q)
	key := utils.NormalizeKey(q.Question)
	tx.push(func() {
		if prev != nil {
			tx.data.questions[key] = *prev
			return
		}
		delete(tx.data.questions, key)
	})
	return nil
}

func (tx *txQueries) CreatePromptTemplate(_ context.Context, t *models.PromptTemplate) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	flags := tx.activeFlagsLocked(t.Name)
	if err := tx.createPromptTemplateLocked(t); err != nil {
		return err
	}
	id, active := t.ID, t.Active
	tx.push(func() {
		if active {
			tx.restoreActiveLocked(id, flags)
		}
		delete(tx.data.prompts, id)
	})
	return nil
}

func (tx *txQueries) ActivatePromptTemplate(_ context.Context, id int64) (*models.PromptTemplate, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	target, ok := tx.data.prompts[id]
	if !ok {
		return nil, notFound("prompt template")
	}
	flags := tx.activeFlagsLocked(target.Name)
	t := tx.activateLocked(id)
	tx.push(func() { tx.restoreActiveLocked(id, flags) })

	logger.Info("Prompt template activated", zap.Int64("prompt_template_id", id), zap.String("name", t.Name))
	return &t, nil
}

func (s *Store) activeFlagsLocked(name string) map[int64]bool {
	flags := map[int64]bool{}
	for pid, p := range s.data.prompts {
		if p.Name == name {
			flags[pid] = p.Active
		}
	}
	return flags
}

// restoreActiveLocked puts back the earlier active flags, unless another
// writer has since activated a different template of the same name.
func (s *Store) restoreActiveLocked(activated int64, flags map[int64]bool) {
	if p, ok := s.data.prompts[activated]; !ok || !p.Active {
		return
	}
	for pid, active := range flags {
		if p, ok := s.data.prompts[pid]; ok {
			p.Active = active
			s.data.prompts[pid] = p
		}
	}
	if _, existed := flags[activated]; !existed {
		p := s.data.prompts[activated]
		p.Active = false
		s.data.prompts[activated] = p
	}
}
