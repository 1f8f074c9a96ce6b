package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_eval_query_duration_seconds",
			Help:    "Retrieve plus generate duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"prompt_version"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_query_total",
			Help: "Total number of queries answered",
		},
		[]string{"status"},
	)

	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_ingest_total",
			Help: "Total number of documents ingested",
		},
		[]string{"status"},
	)

	ChunksIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_eval_chunks_ingested_total",
			Help: "Total passages persisted at ingest",
		},
	)

	IndexPushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_eval_index_push_failures_total",
			Help: "Index pushes that failed after the ingest commit",
		},
	)

	EvalRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_eval_runs_total",
			Help: "Evaluation runs by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	DiagnosisTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_diagnosis_total",
			Help: "Diagnosis tags assigned to answered queries",
		},
		[]string{"tag"},
	)

	CollaboratorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_collaborator_calls_total",
			Help: "Scoring collaborator calls by operation and outcome",
		},
		[]string{"op", "status"},
	)

	OfflineAggregate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rag_eval_offline_aggregate",
			Help: "Latest offline evaluation aggregate per metric",
		},
		[]string{"metric"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_eval_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			IngestTotal,
			ChunksIngested,
			IndexPushFailures,
			EvalRunsTotal,
			DiagnosisTotal,
			CollaboratorCalls,
			OfflineAggregate,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
