package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rag-eval/backend/internal/metrics"
	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage/models"
	"github.com/rag-eval/backend/pkg/logger"
)

type OfflineResult struct {
	Run     *models.EvalRun             `json:"run"`
	Metrics map[string]float64          `json:"metrics"`
	PerItem []scoring.OfflineItemResult `json:"per_item"`
}

// RunView is an evaluation run with its stored metric rows.
type RunView struct {
	Run     *models.EvalRun     `json:"run"`
	Metrics []models.EvalMetric `json:"metrics"`
}

// RunOffline scores every stored eval question in one batch call and stores
// the aggregate on a new offline run. An empty question set still produces a
// finished run with no metrics.
func (o *Orchestrator) RunOffline(ctx context.Context) (res *OfflineResult, err error) {
	ctx, span := o.startSpan(ctx, "pipeline.RunOffline")
	defer func() { endSpan(span, err) }()

	run := &models.EvalRun{Kind: models.EvalKindOffline}
	if err := o.store.CreateEvalRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create eval run: %w", err)
	}
	span.SetAttributes(attribute.Int64("run_id", run.ID))

	questions, err := o.store.ListEvalQuestions(ctx)
	if err != nil {
		return nil, o.failRun(ctx, run, nil, fmt.Errorf("failed to load eval questions: %w", err))
	}

	dataset := make([]scoring.OfflineItem, len(questions))
	for i, q := range questions {
		dataset[i] = scoring.OfflineItem{Question: q.Question, ExpectedAnswer: q.ExpectedAnswer, GoldChunkIDs: q.GoldChunkIDs}
	}

	resp, err := o.collab.EvalOffline(ctx, scoring.OfflineEvalRequest{Dataset: dataset, TopK: o.cfg.TopK})
	if err != nil {
		return nil, o.failRun(ctx, run, nil, err)
	}

	aggregate := resp.Aggregate
	if aggregate == nil {
		aggregate = map[string]float64{}
	}

	rows := make([]models.EvalMetric, 0, len(aggregate))
	for _, name := range evaluation.Names(aggregate) {
		rows = append(rows, models.EvalMetric{EvalRunID: run.ID, Name: name, Value: aggregate[name]})
	}
	if len(rows) > 0 {
		if err := o.store.CreateEvalMetrics(ctx, rows); err != nil {
			return nil, o.failRun(ctx, run, nil, fmt.Errorf("failed to store metrics: %w", err))
		}
	}

	finished, err := o.store.FinishEvalRun(ctx, run.ID, fmt.Sprintf("Offline evaluation over %d questions", len(dataset)))
	if err != nil {
		return nil, fmt.Errorf("failed to finish eval run: %w", err)
	}

	for name, v := range aggregate {
		metrics.OfflineAggregate.WithLabelValues(name).Set(v)
	}
	metrics.EvalRunsTotal.WithLabelValues(models.EvalKindOffline, "success").Inc()

	logger.Info("Offline evaluation finished",
		zap.Int64("run_id", run.ID),
		zap.Int("questions", len(dataset)),
		zap.Int("metrics", len(rows)),
	)

	perItem := resp.PerItem
	if perItem == nil {
		perItem = []scoring.OfflineItemResult{}
	}
	return &OfflineResult{Run: finished, Metrics: aggregate, PerItem: perItem}, nil
}

func (o *Orchestrator) ListRuns(ctx context.Context, kind string, limit int) ([]models.EvalRun, error) {
	switch kind {
	case "", models.EvalKindOnline, models.EvalKindOffline:
	default:
		return nil, &ValidationError{Field: "kind", Message: "kind must be online or offline"}
	}
	return o.store.ListEvalRuns(ctx, kind, limit)
}

func (o *Orchestrator) GetRun(ctx context.Context, id int64) (*RunView, error) {
	run, err := o.store.GetEvalRun(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := o.store.ListRunMetrics(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load run metrics: %w", err)
	}
	return &RunView{Run: run, Metrics: rows}, nil
}
