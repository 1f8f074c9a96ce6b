package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/rag/diagnosis"
	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/rag/generation"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

type QueryInput struct {
	Query            string `json:"query"`
	PromptTemplateID *int64 `json:"prompt_template_id,omitempty"`
}

// Answer retrieves, generates, persists, and scores one query. If only the
// online evaluation fails, the returned error is a *PartialFailureError and
// the trace remains readable through TraceView.
func (o *Orchestrator) Answer(ctx context.Context, in QueryInput) (view *TraceView, err error) {
	ctx, span := o.startSpan(ctx, "pipeline.Answer")
	defer func() {
		metrics.QueryTotal.WithLabelValues(metrics.Status(err)).Inc()
		endSpan(span, err)
	}()

	queryText := strings.TrimSpace(in.Query)
	if queryText == "" {
		return nil, &ValidationError{Field: "query", Message: "query text is required"}
	}

	tpl, err := o.ResolvePrompt(ctx, in.PromptTemplateID)
	if err != nil {
		return nil, err
	}

	trace := &models.QueryTrace{QueryText: queryText}
	if tpl.ID > 0 {
		trace.PromptTemplateID = &tpl.ID
	}
	if err := o.store.CreateQueryTrace(ctx, trace); err != nil {
		return nil, fmt.Errorf("failed to create query trace: %w", err)
	}
	span.SetAttributes(attribute.Int64("trace_id", trace.ID))

	start := time.Now()

	retrieved, err := o.collab.Retrieve(ctx, scoring.RetrieveRequest{
		Query:        queryText,
		TopK:         o.cfg.TopK,
		Rerank:       o.cfg.Rerank,
		RerankMethod: o.cfg.RerankMethod,
	})
	if err != nil {
		return nil, o.failTrace(ctx, trace.ID, err)
	}

	results, chunks, err := o.persistRetrieval(ctx, trace.ID, retrieved.Results)
	if err != nil {
		return nil, o.failTrace(ctx, trace.ID, err)
	}

	contexts := make([]generation.Context, len(results))
	for i, r := range results {
		contexts[i] = generation.Context{ChunkID: r.ChunkID, Content: chunks[r.ChunkID].Content}
	}

	generated, err := o.collab.Generate(ctx, scoring.GenerateRequest{
		Query:          queryText,
		Contexts:       contexts,
		ModelName:      o.cfg.ModelName,
		PromptVersion:  tpl.Version,
		PromptTemplate: tpl.Template,
	})
	if err != nil {
		return nil, o.failTrace(ctx, trace.ID, err)
	}

	elapsed := time.Since(start)
	latencyMS := float64(elapsed.Microseconds()) / 1000.0
	metrics.QueryDuration.WithLabelValues(tpl.Version).Observe(elapsed.Seconds())

	resp := &models.ModelResponse{
		QueryTraceID:  trace.ID,
		ModelName:     generated.ModelName,
		PromptVersion: generated.PromptVersion,
		ResponseText:  generated.Answer,
		CitedChunkIDs: generated.CitedChunkIDs,
		LatencyMS:     latencyMS,
	}
	if err := o.store.CreateModelResponse(ctx, resp); err != nil {
		return nil, o.failTrace(ctx, trace.ID, fmt.Errorf("failed to store model response: %w", err))
	}

	logger.Info("Query answered",
		zap.Int64("trace_id", trace.ID),
		zap.Int("results", len(results)),
		zap.Float64("latency_ms", latencyMS),
	)

	evalInput := scoring.OnlineEvalRequest{
		Query:         queryText,
		ResponseText:  generated.Answer,
		BaseChunkIDs:  retrieved.BaseChunkIDs,
		CitedChunkIDs: generated.CitedChunkIDs,
		LatencyMS:     latencyMS,
	}
	if len(retrieved.BaseChunkIDs) > 0 {
		evalInput.BaseTopScore = &retrieved.BaseTopScore
	}
	evalInput.RetrievedChunks = make([]evaluation.Retrieved, len(results))
	for i, r := range results {
		evalInput.RetrievedChunks[i] = evaluation.Retrieved{
			ChunkID:   r.ChunkID,
			Content:   chunks[r.ChunkID].Content,
			Score:     r.Score,
			BaseScore: r.BaseScore,
		}
	}

	scored, err := o.evaluateOnline(ctx, trace.ID, evalInput)
	if err != nil {
		return nil, err
	}

	tag := diagnosis.ClassifyMetrics(scored)
	metrics.DiagnosisTotal.WithLabelValues(string(tag)).Inc()

	return o.TraceView(ctx, trace.ID)
}

// persistRetrieval stores retrieval rows in rank order, skipping ids with no
// local chunk, and returns the stored rows with their chunks.
func (o *Orchestrator) persistRetrieval(ctx context.Context, traceID int64, retrieved []scoring.RetrievedChunk) ([]models.RetrievalResult, map[int64]models.Chunk, error) {
	ids := make([]int64, len(retrieved))
	for i, r := range retrieved {
		ids[i] = r.ChunkID
	}
	chunks, err := o.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load retrieved chunks: %w", err)
	}

	results := make([]models.RetrievalResult, 0, len(retrieved))
	for _, r := range retrieved {
		if _, ok := chunks[r.ChunkID]; !ok {
			logger.Debug("Skipping retrieved chunk with no local row",
				zap.Int64("trace_id", traceID),
				zap.Int64("chunk_id", r.ChunkID),
			)
			continue
		}
		results = append(results, models.RetrievalResult{
			QueryTraceID: traceID,
			ChunkID:      r.ChunkID,
			Rank:         r.Rank,
			Score:        r.Score,
			BaseScore:    r.BaseScore,
			BaseRank:     r.BaseRank,
		})
	}

	if len(results) > 0 {
		if err := o.store.CreateRetrievalResults(ctx, results); err != nil {
			return nil, nil, fmt.Errorf("failed to store retrieval results: %w", err)
		}
	}
	return results, chunks, nil
}

// evaluateOnline records an online run for one trace and returns the
// computed metrics.
func (o *Orchestrator) evaluateOnline(ctx context.Context, traceID int64, req scoring.OnlineEvalRequest) (map[string]float64, error) {
	run := &models.EvalRun{Kind: models.EvalKindOnline}
	if err := o.store.CreateEvalRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create eval run: %w", err)
	}

	q, err := o.store.FindEvalQuestion(ctx, req.Query)
	switch {
	case err == nil:
		req.ExpectedAnswer = q.ExpectedAnswer
		req.GoldChunkIDs = q.GoldChunkIDs
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, o.failRun(ctx, run, &traceID, fmt.Errorf("failed to look up eval question: %w", err))
	}

	resp, err := o.collab.EvalOnline(ctx, req)
	if err != nil {
		return nil, o.failRun(ctx, run, &traceID, err)
	}

	rows := make([]models.EvalMetric, 0, len(resp.Metrics))
	for _, name := range evaluation.Names(resp.Metrics) {
		rows = append(rows, models.EvalMetric{
			EvalRunID:    run.ID,
			QueryTraceID: &traceID,
			Name:         name,
			Value:        resp.Metrics[name],
		})
	}
	if err := o.store.CreateEvalMetrics(ctx, rows); err != nil {
		return nil, o.failRun(ctx, run, &traceID, fmt.Errorf("failed to store metrics: %w", err))
	}

	if _, err := o.store.FinishEvalRun(ctx, run.ID, fmt.Sprintf("Online evaluation for query trace %d", traceID)); err != nil {
		return nil, fmt.Errorf("failed to finish eval run: %w", err)
	}
	metrics.EvalRunsTotal.WithLabelValues(models.EvalKindOnline, "success").Inc()

	logger.Debug("Online evaluation recorded",
		zap.Int64("run_id", run.ID),
		zap.Int64("trace_id", traceID),
		zap.Int("metrics", len(rows)),
	)
	return resp.Metrics, nil
}

// failTrace records err on the trace and returns it.
func (o *Orchestrator) failTrace(ctx context.Context, traceID int64, err error) error {
	if serr := o.store.SetQueryTraceError(ctx, traceID, err.Error()); serr != nil {
		logger.Error("Failed to record trace error", zap.Int64("trace_id", traceID), zap.Error(serr))
	}
	logger.Error("Query failed", zap.Int64("trace_id", traceID), zap.Error(err))
	return err
}

// failRun finishes run with a failure note and returns a PartialFailureError.
func (o *Orchestrator) failRun(ctx context.Context, run *models.EvalRun, traceID *int64, err error) error {
	if _, ferr := o.store.FinishEvalRun(ctx, run.ID, failureNote(err)); ferr != nil {
		logger.Error("Failed to finish eval run", zap.Int64("run_id", run.ID), zap.Error(ferr))
	}
	metrics.EvalRunsTotal.WithLabelValues(run.Kind, "error").Inc()
	logger.Error("Evaluation run failed",
		zap.Int64("run_id", run.ID),
		zap.String("kind", run.Kind),
		zap.Error(err),
	)
	return &PartialFailureError{RunID: run.ID, TraceID: traceID, Kind: run.Kind, Err: err}
}
