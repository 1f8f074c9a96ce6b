package evaluation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ssoInput() Input {
	return Input{
		Query:  "What is the default SSO session timeout?",
		Answer: "The default SSO session timeout is 8 hours. [chunk 2]",
		Retrieved: []Retrieved{
			{ChunkID: 2, Content: "The default SSO session timeout is 8 hours for all workspaces.", Score: 0.81, BaseScore: 0.74},
			{ChunkID: 5, Content: "Refund requests are accepted within 14 days.", Score: 0.31, BaseScore: 0.40},
		},
		BaseChunkIDs:  []int64{2, 5},
		CitedChunkIDs: []int64{2},
		GoldChunkIDs:  []int64{2},
		LatencyMS:     12.34567,
	}
}

func TestEvaluateGoldHit(t *testing.T) {
	m := Evaluate(ssoInput())

	assert.Equal(t, 1.0, m.RetrievalHitRate)
	assert.True(t, m.HasBase)
	assert.Equal(t, 1.0, m.BaseRetrievalHitRate)
	assert.Equal(t, 1.0, m.MRR)
	assert.Equal(t, 1.0, m.NDCG)
	assert.Equal(t, 0.0, m.RankingShift)
	assert.Equal(t, 12.34567, m.LatencyMS)
	assert.Equal(t, m.CitationCoverage, m.AttributionScore)
	assert.Greater(t, m.Faithfulness, 0.5)
	assert.Equal(t, m.Faithfulness, m.AnswerAccuracy)
}

func TestHallucinationComplementsFaithfulness(t *testing.T) {
	answers := []string{
		"",
		"the of and",
		"The default SSO session timeout is 8 hours. [chunk 2]",
		"completely unrelated words here",
		"session timeout plus three other invented tokens",
	}
	for _, a := range answers {
		in := ssoInput()
		in.Answer = a
		m := Evaluate(in)
		assert.Equal(t, 1.0, m.Faithfulness+m.HallucinationRate, a)
		mm := m.Map()
		assert.Equal(t, 1.0, mm[Faithfulness]+mm[HallucinationRate], a)
	}
}

func TestCoverageEdgeCases(t *testing.T) {
	assert.Equal(t, 1.0, Coverage("the of", []string{"anything"}))
	assert.Equal(t, 0.0, Coverage("session timeout", nil))
	assert.Equal(t, 0.0, Coverage("session timeout", []string{"the a an"}))
	assert.Equal(t, 0.5, Coverage("session refund", []string{"session timeout"}))
	assert.Equal(t, 0.3333, Coverage("alpha beta gamma", []string{"alpha"}))
}

func TestHitRateWithoutGoldUsesThreshold(t *testing.T) {
	in := ssoInput()
	in.GoldChunkIDs = nil

	assert.Equal(t, 1.0, Evaluate(in).RetrievalHitRate)

	in.Retrieved[0].Score = 0.45
	assert.Equal(t, 0.0, Evaluate(in).RetrievalHitRate)

	in.Retrieved = nil
	assert.Equal(t, 0.0, Evaluate(in).RetrievalHitRate)

	assert.Equal(t, 1.0, NewEvaluator(0.2).Evaluate(Input{Retrieved: []Retrieved{{ChunkID: 1, Score: 0.3}}}).RetrievalHitRate)
}

func TestAnswerAccuracyWithExpected(t *testing.T) {
	in := ssoInput()
	in.ExpectedAnswer = "The default SSO session timeout is 8 hours."
	assert.Equal(t, 1.0, Evaluate(in).AnswerAccuracy)

	in.ExpectedAnswer = "Sessions expire after 12 hours."
	assert.Less(t, Evaluate(in).AnswerAccuracy, 1.0)

	in.ExpectedAnswer = "the of"
	assert.Equal(t, 0.0, Evaluate(in).AnswerAccuracy)
}

func TestRankingShiftAndMRR(t *testing.T) {
	in := ssoInput()
	in.Retrieved[0], in.Retrieved[1] = in.Retrieved[1], in.Retrieved[0]

	m := Evaluate(in)
	assert.Equal(t, 1.0, m.RankingShift)
	assert.Equal(t, 0.5, m.MRR)
	assert.Equal(t, 0.6309, m.NDCG)
}

func TestNoCitationsZeroAttribution(t *testing.T) {
	in := ssoInput()
	in.CitedChunkIDs = nil
	m := Evaluate(in)
	assert.Equal(t, 0.0, m.CitationCoverage)
	assert.Equal(t, 0.0, m.AttributionScore)
}

func TestMapOmitsBaseWithoutBaseIDs(t *testing.T) {
	in := ssoInput()
	in.BaseChunkIDs = nil
	mm := Evaluate(in).Map()
	_, ok := mm[BaseRetrievalHitRate]
	assert.False(t, ok)
	assert.Contains(t, mm, RetrievalHitRate)
}

func TestAggregate(t *testing.T) {
	assert.Empty(t, Aggregate(nil))
	require.NotNil(t, Aggregate(nil))

	agg := Aggregate([]map[string]float64{
		{RetrievalHitRate: 1, Faithfulness: 0.5},
		{RetrievalHitRate: 0, Faithfulness: 0.25},
		{RetrievalHitRate: 1},
	})
	assert.Equal(t, 0.6667, agg[RetrievalHitRate])
	assert.Equal(t, 0.375, agg[Faithfulness])
	assert.Equal(t, []string{Faithfulness, RetrievalHitRate}, Names(agg))
}

func TestBaseHitWithoutGoldUsesBaseTopScore(t *testing.T) {
	top := 0.5
	in := Input{
		Query:  "invoice refund policy",
		Answer: "invoice refund",
		Retrieved: []Retrieved{
			{ChunkID: 2, Content: "invoice refund", Score: 0.445, BaseScore: 0.35},
			{ChunkID: 3, Content: "invoice refund", Score: 0.438, BaseScore: 0.34},
		},
		BaseChunkIDs: []int64{1, 2},
		BaseTopScore: &top,
	}

	m := Evaluate(in)
	assert.Equal(t, 0.0, m.RetrievalHitRate)
	assert.True(t, m.HasBase)
	assert.Equal(t, 1.0, m.BaseRetrievalHitRate)

	in.BaseTopScore = nil
	assert.Equal(t, 0.0, Evaluate(in).BaseRetrievalHitRate)
}

func TestCitationMarkersAreNotAnswerText(t *testing.T) {
	in := ssoInput()
	m := Evaluate(in)
	assert.Equal(t, 1.0, m.Faithfulness)
	assert.Equal(t, 0.0, m.HallucinationRate)
	assert.Equal(t, 1.0, m.CitationCoverage)

	assert.Equal(t, 1.0, Coverage("[chunk 42] session timeout [chunk 7]", []string{"session timeout"}))
	assert.Equal(t, 1.0, Accuracy("8 hours [chunk 3]", "8 hours"))
}
