package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rag-eval/backend/internal/rag/diagnosis"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
)

type RetrievedView struct {
	ChunkID       int64   `json:"chunk_id"`
	DocumentID    int64   `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Content       string  `json:"content"`
	Rank          int     `json:"rank"`
	Score         float64 `json:"score"`
	BaseScore     float64 `json:"base_score"`
	BaseRank      int     `json:"base_rank"`
}

// TraceView is the read model of one query. Diagnosis is derived from the
// stored metrics each time the view is built.
type TraceView struct {
	ID               int64              `json:"id"`
	QueryText        string             `json:"query_text"`
	ResponseText     string             `json:"response_text"`
	ModelName        string             `json:"model_name"`
	PromptVersion    string             `json:"prompt_version"`
	PromptTemplateID *int64             `json:"prompt_template_id,omitempty"`
	LatencyMS        float64            `json:"latency_ms"`
	CitedChunkIDs    []int64            `json:"cited_chunk_ids"`
	Metrics          map[string]float64 `json:"metrics"`
	Diagnosis        diagnosis.Tag      `json:"diagnosis"`
	Retrieval        []RetrievedView    `json:"retrieval"`
	Error            string             `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (o *Orchestrator) TraceView(ctx context.Context, id int64) (*TraceView, error) {
	trace, err := o.store.GetQueryTrace(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.buildView(ctx, trace)
}

// ListTraces returns views of the most recent traces, newest first.
func (o *Orchestrator) ListTraces(ctx context.Context, limit int) ([]TraceView, error) {
	traces, err := o.store.ListQueryTraces(ctx, limit)
	if err != nil {
		return nil, err
	}

	views := make([]TraceView, 0, len(traces))
	for i := range traces {
		v, err := o.buildView(ctx, &traces[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

// Diagnose reclassifies a trace from its stored metrics.
func (o *Orchestrator) Diagnose(ctx context.Context, id int64) (diagnosis.Tag, map[string]float64, error) {
	if _, err := o.store.GetQueryTrace(ctx, id); err != nil {
		return "", nil, err
	}
	m, err := o.traceMetrics(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return diagnosis.ClassifyMetrics(m), m, nil
}

func (o *Orchestrator) buildView(ctx context.Context, trace *models.QueryTrace) (*TraceView, error) {
	view := &TraceView{
		ID:               trace.ID,
		QueryText:        trace.QueryText,
		PromptTemplateID: trace.PromptTemplateID,
		CitedChunkIDs:    []int64{},
		Retrieval:        []RetrievedView{},
		Error:            trace.Error,
		CreatedAt:        trace.CreatedAt,
	}

	resp, err := o.store.GetModelResponse(ctx, trace.ID)
	switch {
	case err == nil:
		view.ResponseText = resp.ResponseText
		view.ModelName = resp.ModelName
		view.PromptVersion = resp.PromptVersion
		view.LatencyMS = resp.LatencyMS
		view.CitedChunkIDs = resp.CitedChunkIDs
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load model response: %w", err)
	}

	results, err := o.store.ListRetrievalResults(ctx, trace.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load retrieval results: %w", err)
	}
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	chunks, err := o.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	titles := map[int64]string{}
	for _, r := range results {
		ch, ok := chunks[r.ChunkID]
		if !ok {
			continue
		}
		title, seen := titles[ch.DocumentID]
		if !seen {
			if doc, err := o.store.GetDocument(ctx, ch.DocumentID); err == nil {
				title = doc.Title
			}
			titles[ch.DocumentID] = title
		}
		view.Retrieval = append(view.Retrieval, RetrievedView{
			ChunkID:       r.ChunkID,
			DocumentID:    ch.DocumentID,
			DocumentTitle: title,
			Content:       ch.Content,
			Rank:          r.Rank,
			Score:         r.Score,
			BaseScore:     r.BaseScore,
			BaseRank:      r.BaseRank,
		})
	}

	view.Metrics, err = o.traceMetrics(ctx, trace.ID)
	if err != nil {
		return nil, err
	}
	view.Diagnosis = diagnosis.ClassifyMetrics(view.Metrics)
	return view, nil
}

// traceMetrics flattens stored metrics by name. Later rows win.
func (o *Orchestrator) traceMetrics(ctx context.Context, traceID int64) (map[string]float64, error) {
	rows, err := o.store.ListTraceMetrics(ctx, traceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics: %w", err)
	}
	m := make(map[string]float64, len(rows))
	for _, r := range rows {
		m[r.Name] = r.Value
	}
	return m, nil
}
