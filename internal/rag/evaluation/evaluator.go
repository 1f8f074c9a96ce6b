// Package evaluation scores one answer/retrieval pair and aggregates scores
// across a dataset.
package evaluation

import (
	"math"
	"sort"
	"strings"

	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/rag/generation"
	"github.com/rag-eval/backend/internal/rag/tokens"
)

// Metric names as persisted and exchanged on the wire.
const (
	RetrievalHitRate     = "retrieval_hit_rate"
	BaseRetrievalHitRate = "base_retrieval_hit_rate"
	Faithfulness         = "faithfulness"
	HallucinationRate    = "hallucination_rate"
	AnswerAccuracy       = "answer_accuracy"
	LatencyMS            = "latency_ms"
	CitationCoverage     = "citation_coverage"
	AttributionScore     = "attribution_score"
	RankingShift         = "ranking_shift"
	MRR                  = "mrr"
	NDCG                 = "ndcg"
)

const (
	// DefaultConfidenceThreshold decides hits from the top score when no gold
	// chunks are known.
	DefaultConfidenceThreshold = 0.45

	precision = 4
)

type Retrieved struct {
	ChunkID   int64   `json:"chunk_id"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	BaseScore float64 `json:"base_score"`
}

// Input describes one answered query. Retrieved is in final rank order.
// An empty ExpectedAnswer or GoldChunkIDs means the value is unknown.
// BaseTopScore is the base score of BaseChunkIDs[0]; when nil the best
// BaseScore among Retrieved stands in for it.
type Input struct {
	Query          string
	Answer         string
	Retrieved      []Retrieved
	BaseChunkIDs   []int64
	BaseTopScore   *float64
	CitedChunkIDs  []int64
	ExpectedAnswer string
	GoldChunkIDs   []int64
	LatencyMS      float64
}

type Metrics struct {
	RetrievalHitRate     float64
	BaseRetrievalHitRate float64
	HasBase              bool
	Faithfulness         float64
	HallucinationRate    float64
	AnswerAccuracy       float64
	LatencyMS            float64
	CitationCoverage     float64
	AttributionScore     float64
	RankingShift         float64
	MRR                  float64
	NDCG                 float64
}

// Map flattens m into named values. The base hit rate is present only when
// base ids were supplied.
func (m Metrics) Map() map[string]float64 {
	out := map[string]float64{
		RetrievalHitRate:  m.RetrievalHitRate,
		Faithfulness:      m.Faithfulness,
		HallucinationRate: m.HallucinationRate,
		AnswerAccuracy:    m.AnswerAccuracy,
		LatencyMS:         m.LatencyMS,
		CitationCoverage:  m.CitationCoverage,
		AttributionScore:  m.AttributionScore,
		RankingShift:      m.RankingShift,
		MRR:               m.MRR,
		NDCG:              m.NDCG,
	}
	if m.HasBase {
		out[BaseRetrievalHitRate] = m.BaseRetrievalHitRate
	}
	return out
}

type Evaluator struct {
	threshold float64
}

// NewEvaluator returns an evaluator using threshold for gold-less hit rates.
// A non-positive threshold selects DefaultConfidenceThreshold.
func NewEvaluator(threshold float64) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Evaluator{threshold: threshold}
}

func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

func (e *Evaluator) Evaluate(in Input) Metrics {
	finalIDs := make([]int64, len(in.Retrieved))
	contexts := make([]string, len(in.Retrieved))
	var topScore, topBase float64
	for i, r := range in.Retrieved {
		finalIDs[i] = r.ChunkID
		contexts[i] = r.Content
		if i == 0 || r.Score > topScore {
			topScore = r.Score
		}
		if i == 0 || r.BaseScore > topBase {
			topBase = r.BaseScore
		}
	}

	var m Metrics
	if len(in.GoldChunkIDs) > 0 {
		m.RetrievalHitRate = hit(finalIDs, in.GoldChunkIDs)
	} else {
		m.RetrievalHitRate = e.confident(len(in.Retrieved) > 0, topScore)
	}

	if in.BaseChunkIDs != nil {
		m.HasBase = true
		if len(in.GoldChunkIDs) > 0 {
			m.BaseRetrievalHitRate = hit(in.BaseChunkIDs, in.GoldChunkIDs)
		} else {
			if in.BaseTopScore != nil {
				topBase = *in.BaseTopScore
			}
			m.BaseRetrievalHitRate = e.confident(len(in.BaseChunkIDs) > 0, topBase)
		}
	}

	m.Faithfulness = Coverage(in.Answer, contexts)
	m.HallucinationRate = 1 - m.Faithfulness

	if len(in.CitedChunkIDs) > 0 {
		m.CitationCoverage = Coverage(in.Answer, citedContexts(in.Retrieved, in.CitedChunkIDs))
	}
	m.AttributionScore = m.CitationCoverage

	if strings.TrimSpace(in.ExpectedAnswer) != "" {
		m.AnswerAccuracy = Accuracy(in.Answer, in.ExpectedAnswer)
	} else {
		m.AnswerAccuracy = m.Faithfulness
	}

	m.LatencyMS = in.LatencyMS

	base, baseOK := bestRank(in.BaseChunkIDs, in.GoldChunkIDs)
	final, finalOK := bestRank(finalIDs, in.GoldChunkIDs)
	if baseOK && finalOK {
		m.RankingShift = float64(final - base)
	}
	if finalOK {
		m.MRR = round(1 / float64(final))
	}
	m.NDCG = ndcg(finalIDs, in.GoldChunkIDs)

	return m
}

// Evaluate scores in with the default confidence threshold.
func Evaluate(in Input) Metrics {
	return NewEvaluator(DefaultConfidenceThreshold).Evaluate(in)
}

func (e *Evaluator) confident(has bool, top float64) float64 {
	if has && top > e.threshold {
		return 1
	}
	return 0
}

// Coverage is the share of the answer's content tokens present in the union of
// the contexts' content tokens. Citation markers are not answer text. An
// answer without content tokens is fully covered; contexts without content
// tokens cover nothing.
func Coverage(answer string, contexts []string) float64 {
	answerTokens := tokens.Content(generation.StripCitations(answer))
	if len(answerTokens) == 0 {
		return 1
	}

	ctx := tokens.Set{}
	for _, c := range contexts {
		for _, tok := range tokens.Content(c) {
			ctx[tok] = struct{}{}
		}
	}
	if len(ctx) == 0 {
		return 0
	}

	covered := 0
	for _, tok := range answerTokens {
		if ctx.Has(tok) {
			covered++
		}
	}
	return round(float64(covered) / float64(len(answerTokens)))
}

// Accuracy is the share of the expected answer's distinct content tokens that
// appear in the answer.
func Accuracy(answer, expected string) float64 {
	want := tokens.ContentSet(expected)
	if len(want) == 0 {
		return 0
	}
	return round(float64(want.Overlap(tokens.ContentSet(generation.StripCitations(answer)))) / float64(len(want)))
}

func citedContexts(retrieved []Retrieved, cited []int64) []string {
	ids := make(map[int64]struct{}, len(cited))
	for _, id := range cited {
		ids[id] = struct{}{}
	}
	var out []string
	for _, r := range retrieved {
		if _, ok := ids[r.ChunkID]; ok {
			out = append(out, r.Content)
		}
	}
	return out
}

func hit(ids, gold []int64) float64 {
	if _, ok := bestRank(ids, gold); ok {
		return 1
	}
	return 0
}

func bestRank(ids, gold []int64) (int, bool) {
	if len(ids) == 0 || len(gold) == 0 {
		return 0, false
	}
	g := goldSet(gold)
	for i, id := range ids {
		if _, ok := g[id]; ok {
			return i + 1, true
		}
	}
	return 0, false
}

func ndcg(ids, gold []int64) float64 {
	if len(ids) == 0 || len(gold) == 0 {
		return 0
	}
	g := goldSet(gold)

	var dcg float64
	for i, id := range ids {
		if _, ok := g[id]; ok {
			dcg += 1 / math.Log2(float64(i+2))
		}
	}

	ideal := len(g)
	if ideal > len(ids) {
		ideal = len(ids)
	}
	var idcg float64
	for i := 0; i < ideal; i++ {
		idcg += 1 / math.Log2(float64(i+2))
	}
	return round(dcg / idcg)
}

func goldSet(gold []int64) map[int64]struct{} {
	g := make(map[int64]struct{}, len(gold))
	for _, id := range gold {
		g[id] = struct{}{}
	}
	return g
}

// Aggregate averages each metric name over items. Names missing from an item
// are averaged over the items that carry them. No items yields an empty map.
func Aggregate(items []map[string]float64) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, item := range items {
		for name, v := range item {
			sums[name] += v
			counts[name]++
		}
	}

	out := make(map[string]float64, len(sums))
	for name, sum := range sums {
		out[name] = round(sum / float64(counts[name]))
	}
	return out
}

// Names returns the metric names of m in sorted order.
func Names(m map[string]float64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func round(v float64) float64 {
	return embedding.Round(v, precision)
}
