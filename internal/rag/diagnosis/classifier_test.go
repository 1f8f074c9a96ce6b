package diagnosis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/rag/ranking"
)

func TestClassifyMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metrics map[string]float64
		want    Tag
	}{
		{"no metrics", map[string]float64{}, OK},
		{"missing faithfulness", map[string]float64{evaluation.RetrievalHitRate: 0}, OK},
		{"missing hit rate", map[string]float64{evaluation.Faithfulness: 0}, OK},
		{"low hit and faithfulness", map[string]float64{
			evaluation.RetrievalHitRate: 0.1,
			evaluation.Faithfulness:     0.2,
		}, RetrievalIssue},
		{"rerank dropped gold", map[string]float64{
			evaluation.BaseRetrievalHitRate: 1.0,
			evaluation.RetrievalHitRate:     0.0,
			evaluation.Faithfulness:         0.2,
		}, RankingIssue},
		{"low base hit falls through", map[string]float64{
			evaluation.BaseRetrievalHitRate: 0.0,
			evaluation.RetrievalHitRate:     0.0,
			evaluation.Faithfulness:         0.2,
		}, RetrievalIssue},
		{"hit but unfaithful", map[string]float64{
			evaluation.RetrievalHitRate: 1,
			evaluation.Faithfulness:     0.3,
		}, PromptingIssue},
		{"hit faithful but unattributed", map[string]float64{
			evaluation.RetrievalHitRate: 1,
			evaluation.Faithfulness:     0.9,
			evaluation.AttributionScore: 0.1,
		}, PromptingIssue},
		{"miss but faithful", map[string]float64{
			evaluation.RetrievalHitRate: 0,
			evaluation.Faithfulness:     0.9,
		}, OK},
		{"healthy", map[string]float64{
			evaluation.RetrievalHitRate:     1,
			evaluation.BaseRetrievalHitRate: 1,
			evaluation.Faithfulness:         0.5,
			evaluation.AttributionScore:     0.5,
		}, OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMetrics(tt.metrics))
		})
	}
}

func TestClassifyIsRepeatable(t *testing.T) {
	m := map[string]float64{evaluation.RetrievalHitRate: 1, evaluation.Faithfulness: 0.2}
	first := ClassifyMetrics(m)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ClassifyMetrics(m))
	}
}

func TestRerankedOutBaseTopIsRankingIssue(t *testing.T) {
	pool := []ranking.Result{{ID: 1, Content: "zebra migration notes", BaseScore: 0.5}}
	for i, score := range []float64{0.35, 0.34, 0.33, 0.32, 0.31, 0.30} {
		pool = append(pool, ranking.Result{ID: int64(i + 2), Content: "invoice refund", BaseScore: score})
	}
	out := ranking.RerankPool("invoice refund policy", pool, ranking.Options{TopK: 5, Rerank: true, Method: ranking.MethodHybrid})

	retrieved := make([]evaluation.Retrieved, len(out.Results))
	for i, r := range out.Results {
		retrieved[i] = evaluation.Retrieved{ChunkID: r.ID, Content: r.Content, Score: r.Score, BaseScore: r.BaseScore}
	}
	m := evaluation.Evaluate(evaluation.Input{
		Query:        "invoice refund policy",
		Answer:       "invoice refund",
		Retrieved:    retrieved,
		BaseChunkIDs: out.BaseIDs,
		BaseTopScore: &out.BaseTopScore,
	}).Map()

	assert.Equal(t, 0.0, m[evaluation.RetrievalHitRate])
	assert.Equal(t, 1.0, m[evaluation.BaseRetrievalHitRate])
	assert.Equal(t, RankingIssue, ClassifyMetrics(m))
}
