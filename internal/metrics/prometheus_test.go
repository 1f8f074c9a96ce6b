package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("boom")))
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	Init()
	Init()

	DiagnosisTotal.WithLabelValues("ranking_issue").Inc()
	OfflineAggregate.WithLabelValues("mrr").Set(0.5)

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `rag_eval_diagnosis_total{tag="ranking_issue"}`)
	assert.Contains(t, string(body), `rag_eval_offline_aggregate{metric="mrr"} 0.5`)
}
