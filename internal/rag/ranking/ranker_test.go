package ranking

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-eval/backend/internal/rag/embedding"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 1}))
	assert.Equal(t, 0.0, Cosine(nil, nil))
}

func TestRankSortedTruncatedAndStable(t *testing.T) {
	q := []float64{1, 0}
	candidates := []Candidate{
		{ID: 1, Vector: []float64{0, 1}},
		{ID: 2, Vector: []float64{1, 1}},
		{ID: 3, Vector: []float64{1, 0}},
		{ID: 4, Vector: []float64{2, 2}},
		{ID: 5, Vector: []float64{0, 0}},
	}

	got := Rank(q, candidates, 3)
	require.Len(t, got, 3)

	assert.Equal(t, int64(3), got[0].ID)
	// 2 and 4 have identical scores and keep insertion order.
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, int64(4), got[2].ID)
	for i := range got {
		assert.Equal(t, i+1, got[i].Rank)
		if i > 0 {
			assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
		}
		assert.False(t, math.IsNaN(got[i].Score))
	}
}

func TestRankTopKLargerThanCandidates(t *testing.T) {
	got := Rank([]float64{1}, []Candidate{{ID: 9, Vector: []float64{1}}}, 10)
	assert.Len(t, got, 1)
	assert.Empty(t, Rank([]float64{1}, nil, 5))
	assert.Empty(t, Rank([]float64{1}, []Candidate{{ID: 1, Vector: []float64{1}}}, 0))
}

func TestLexicalOverlap(t *testing.T) {
	assert.Equal(t, 0.0, LexicalOverlap("the of", "anything"))
	assert.InDelta(t, 0.5, LexicalOverlap("refund requests timeout hours", "Refund requests are accepted"), 1e-12)
}

func TestCandidateK(t *testing.T) {
	assert.Equal(t, 15, CandidateK(5))
	assert.Equal(t, 50, CandidateK(20))
	assert.Equal(t, 3, CandidateK(1))
	assert.Equal(t, 1, ClampTopK(0))
	assert.Equal(t, 20, ClampTopK(99))
}

func corpus(dims int) []Candidate {
	texts := map[int64]string{
		1: "The default SSO session timeout is 8 hours.",
		2: "Refund requests are accepted within 14 days.",
		3: "Database backups run every 6 hours with point-in-time recovery enabled.",
	}
	var out []Candidate
	for _, id := range []int64{1, 2, 3} {
		out = append(out, Candidate{ID: id, Content: texts[id], Vector: embedding.Embed(texts[id], dims)})
	}
	return out
}

func TestRetrieveWithoutRerankKeepsBaseScore(t *testing.T) {
	q := "When are refund requests accepted?"
	got := Retrieve(q, embedding.Embed(q, 16), corpus(16), Options{TopK: 2})

	require.Len(t, got.Results, 2)
	for i, r := range got.Results {
		assert.Equal(t, r.BaseScore, r.Score)
		assert.Equal(t, i+1, r.Rank)
		assert.Equal(t, r.Rank, r.BaseRank)
	}
	assert.Equal(t, []int64{got.Results[0].ID, got.Results[1].ID}, got.BaseIDs)
}

func TestRetrieveLexicalRerankPromotesOverlap(t *testing.T) {
	q := "When are refund requests accepted?"
	got := Retrieve(q, embedding.Embed(q, 16), corpus(16), Options{TopK: 2, Rerank: true, Method: MethodLexical})

	require.Len(t, got.Results, 2)
	assert.Equal(t, int64(2), got.Results[0].ID)
	assert.Equal(t, got.Results[0].Lexical, got.Results[0].Score)
	assert.Len(t, got.BaseIDs, 2)
}

func TestRetrieveHybridScore(t *testing.T) {
	q := "default SSO session timeout"
	got := Retrieve(q, embedding.Embed(q, 16), corpus(16), Options{TopK: 3, Rerank: true, Method: MethodHybrid})

	for _, r := range got.Results {
		assert.InDelta(t, 0.7*r.BaseScore+0.3*r.Lexical, r.Score, 1e-6)
	}
	assert.Equal(t, int64(1), got.Results[0].ID)
}

func TestRerankPool(t *testing.T) {
	pool := []Result{
		{ID: 7, Content: "unrelated text about seats", BaseScore: 0.9},
		{ID: 8, Content: "refund requests accepted", BaseScore: 0.5},
	}
	got := RerankPool("refund requests", pool, Options{TopK: 1, Rerank: true, Method: MethodLexical})

	require.Len(t, got.Results, 1)
	assert.Equal(t, int64(8), got.Results[0].ID)
	assert.Equal(t, 2, got.Results[0].BaseRank)
	assert.Equal(t, []int64{7}, got.BaseIDs)
}

func TestRerankPoolReportsBaseTopScore(t *testing.T) {
	pool := []Result{{ID: 1, Content: "zebra migration notes", BaseScore: 0.5}}
	for i, score := range []float64{0.35, 0.34, 0.33, 0.32, 0.31, 0.30} {
		pool = append(pool, Result{ID: int64(i + 2), Content: "invoice refund", BaseScore: score})
	}
	got := RerankPool("invoice refund policy", pool, Options{TopK: 5, Rerank: true, Method: MethodHybrid})

	ids := make([]int64, len(got.Results))
	for i, r := range got.Results {
		ids[i] = r.ID
	}
	assert.Equal(t, []int64{2, 3, 4, 5, 6}, ids)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got.BaseIDs)
	assert.Equal(t, 0.5, got.BaseTopScore)
	assert.InDelta(t, 0.445, got.Results[0].Score, 1e-6)

	assert.Zero(t, RerankPool("q", nil, Options{TopK: 5}).BaseTopScore)
}
