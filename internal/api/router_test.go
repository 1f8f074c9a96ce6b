package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	indexmemory "github.com/rag-eval/backend/internal/index/memory"
	"github.com/rag-eval/backend/internal/pipeline"
	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/seed"
	"github.com/rag-eval/backend/internal/storage/memory"
)

type brokenEval struct {
	scoring.Collaborator
	retrieve bool
}

func (b *brokenEval) Retrieve(ctx context.Context, req scoring.RetrieveRequest) (*scoring.RetrieveResponse, error) {
	if b.retrieve {
		return nil, &scoring.CollaboratorError{Op: scoring.OpRetrieve, Err: errors.New("connection refused")}
	}
	return b.Collaborator.Retrieve(ctx, req)
}

func (b *brokenEval) EvalOnline(context.Context, scoring.OnlineEvalRequest) (*scoring.OnlineEvalResponse, error) {
	return nil, &scoring.CollaboratorError{Op: scoring.OpEvalOnline, Err: errors.New("timeout")}
}

func newOrchestrator(t *testing.T, wrap func(scoring.Collaborator) scoring.Collaborator) *pipeline.Orchestrator {
	t.Helper()
	store, err := memory.NewStore(50)
	require.NoError(t, err)
	var collab scoring.Collaborator = scoring.NewLocal(indexmemory.NewIndex(), embedding.NewEmbedder(24, nil), nil, nil, scoring.DefaultLocalConfig())
	if wrap != nil {
		collab = wrap(collab)
	}
	orch := pipeline.New(store, collab, pipeline.DefaultConfig())

	corpus, err := seed.Default()
	require.NoError(t, err)
	_, err = seed.NewSeeder(orch).Run(context.Background(), corpus)
	require.NoError(t, err)
	return orch
}

func newTestApp(t *testing.T, orch *pipeline.Orchestrator, ready func(context.Context) error) *fiber.App {
	t.Helper()
	app, stop := NewApp(orch, Options{Mode: "memory", Ready: ready, Development: true})
	t.Cleanup(stop)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestQueryLifecycle(t *testing.T) {
	app := newTestApp(t, newOrchestrator(t, nil), nil)

	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"What is the default SSO session timeout?"}`)
	require.Equal(t, http.StatusOK, status)
	trace := body["trace"].(map[string]any)
	assert.Contains(t, []any{"ok", "retrieval_issue", "ranking_issue", "prompting_issue"}, trace["diagnosis"])
	metrics := trace["metrics"].(map[string]any)
	assert.Equal(t, 1.0, metrics["retrieval_hit_rate"])
	id := int(trace["id"].(float64))

	status, body = do(t, app, "GET", "/api/v1/traces/"+strconv.Itoa(id), "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "What is the default SSO session timeout?", body["trace"].(map[string]any)["query_text"])

	status, body = do(t, app, "GET", "/api/v1/traces?limit=5", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["traces"], 1)
}

func TestQueryValidation(t *testing.T) {
	app := newTestApp(t, newOrchestrator(t, nil), nil)

	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"   "}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "query", body["field"])

	status, _ = do(t, app, "POST", "/api/v1/query", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, "GET", "/api/v1/traces/abc", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, "GET", "/api/v1/traces/9999", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCollaboratorFailures(t *testing.T) {
	broken := &brokenEval{}
	orch := newOrchestrator(t, func(c scoring.Collaborator) scoring.Collaborator {
		broken.Collaborator = c
		return broken
	})
	app := newTestApp(t, orch, nil)

	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"How often do database backups run?"}`)
	require.Equal(t, http.StatusBadGateway, status)
	assert.NotNil(t, body["trace_id"])
	assert.NotNil(t, body["run_id"])

	traceID := int(body["trace_id"].(float64))
	status, _ = do(t, app, "GET", "/api/v1/traces/"+strconv.Itoa(traceID), "")
	assert.Equal(t, http.StatusOK, status)

	broken.retrieve = true
	status, body = do(t, app, "POST", "/api/v1/query", `{"query":"How often do database backups run?"}`)
	require.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, scoring.OpRetrieve, body["op"])
}

func TestDocumentsAndIndex(t *testing.T) {
	app := newTestApp(t, newOrchestrator(t, nil), nil)

	status, body := do(t, app, "POST", "/api/v1/documents", `{"title":"Support","source":"https://docs.example.com/support","body":"Support hours are nine to five on weekdays."}`)
	require.Equal(t, http.StatusCreated, status)
	doc := body["document"].(map[string]any)
	assert.Equal(t, 1.0, body["indexed"])
	id := int(doc["id"].(float64))

	status, body = do(t, app, "GET", "/api/v1/documents/"+strconv.Itoa(id), "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["chunks"], 1)

	status, body = do(t, app, "GET", "/api/v1/documents", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["documents"], 4)

	status, _ = do(t, app, "POST", "/api/v1/documents", `{"title":"Empty","body":""}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, "DELETE", "/api/v1/documents/"+strconv.Itoa(id), "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, app, "GET", "/api/v1/documents/"+strconv.Itoa(id), "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = do(t, app, "POST", "/api/v1/index/rebuild", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 15.0, body["indexed"])
	assert.Equal(t, "memory", body["mode"])
}

func TestEvalsAndPrompts(t *testing.T) {
	app := newTestApp(t, newOrchestrator(t, nil), nil)

	status, body := do(t, app, "POST", "/api/v1/evals/offline", "")
	require.Equal(t, http.StatusCreated, status)
	run := body["run"].(map[string]any)
	assert.Equal(t, "offline", run["kind"])
	assert.Len(t, body["per_item"], 15)
	runID := int(run["id"].(float64))

	status, body = do(t, app, "GET", "/api/v1/evals/"+strconv.Itoa(runID), "")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["metrics"])

	status, _ = do(t, app, "GET", "/api/v1/evals?kind=weekly", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, "GET", "/api/v1/prompts?name=rag_default", "")
	require.Equal(t, http.StatusOK, status)
	prompts := body["prompts"].([]any)
	require.Len(t, prompts, 2)

	var v2 int
	for _, p := range prompts {
		p := p.(map[string]any)
		if p["version"] == "v2" {
			v2 = int(p["id"].(float64))
		}
	}
	status, body = do(t, app, "POST", "/api/v1/prompts/"+strconv.Itoa(v2)+"/activate", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["active"])

	status, body = do(t, app, "POST", "/api/v1/query", `{"query":"When are invoices generated?"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "v2", body["trace"].(map[string]any)["prompt_version"])

	status, _ = do(t, app, "POST", "/api/v1/prompts", `{"name":"rag_default","version":"v1","template":"dupe"}`)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = do(t, app, "POST", "/api/v1/prompts/777/activate", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthReadyMetrics(t *testing.T) {
	failing := func(context.Context) error { return errors.New("store offline") }
	app := newTestApp(t, newOrchestrator(t, nil), failing)

	status, body := do(t, app, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, _ = do(t, app, "GET", "/api/v1/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = do(t, app, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, app, "GET", "/api/v1/ws/query", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestDemoApp(t *testing.T) {
	app := NewDemoApp(newOrchestrator(t, nil), Options{Mode: "memory", Development: true})

	status, body := do(t, app, "POST", "/query", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, body = do(t, app, "POST", "/query", `{"query":"Who must use MFA?"}`)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["trace"].(map[string]any)["response_text"])

	status, body = do(t, app, "GET", "/traces", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "memory", body["mode"])
	assert.Len(t, body["traces"], 1)

	status, body = do(t, app, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
