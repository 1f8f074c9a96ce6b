// Package diagnosis labels a stored metric set with its most likely failure mode.
package diagnosis

import "github.com/rag-eval/backend/internal/rag/evaluation"

type Tag string

const (
	OK             Tag = "ok"
	RetrievalIssue Tag = "retrieval_issue"
	RankingIssue   Tag = "ranking_issue"
	PromptingIssue Tag = "prompting_issue"
)

const threshold = 0.5

// Observation holds the metrics the classifier reads. Nil means unavailable.
type Observation struct {
	RetrievalHitRate     *float64
	Faithfulness         *float64
	BaseRetrievalHitRate *float64
	AttributionScore     *float64
}

// FromMetrics builds an Observation from named metric values.
func FromMetrics(metrics map[string]float64) Observation {
	lookup := func(name string) *float64 {
		if v, ok := metrics[name]; ok {
			return &v
		}
		return nil
	}
	return Observation{
		RetrievalHitRate:     lookup(evaluation.RetrievalHitRate),
		Faithfulness:         lookup(evaluation.Faithfulness),
		BaseRetrievalHitRate: lookup(evaluation.BaseRetrievalHitRate),
		AttributionScore:     lookup(evaluation.AttributionScore),
	}
}

// Classify applies the rules in order and returns the first match.
func Classify(o Observation) Tag {
	if o.RetrievalHitRate == nil || o.Faithfulness == nil {
		return OK
	}
	hit, faith := *o.RetrievalHitRate, *o.Faithfulness

	if o.BaseRetrievalHitRate != nil && *o.BaseRetrievalHitRate >= threshold && hit < threshold {
		return RankingIssue
	}
	if hit < threshold && faith < threshold {
		return RetrievalIssue
	}

	grounded := faith
	if o.AttributionScore != nil && *o.AttributionScore < grounded {
		grounded = *o.AttributionScore
	}
	if hit >= threshold && grounded < threshold {
		return PromptingIssue
	}
	return OK
}

// ClassifyMetrics is Classify over named metric values.
func ClassifyMetrics(metrics map[string]float64) Tag {
	return Classify(FromMetrics(metrics))
}
