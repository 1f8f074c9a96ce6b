package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-eval/backend/internal/index"
	indexmemory "github.com/rag-eval/backend/internal/index/memory"
	"github.com/rag-eval/backend/internal/rag/diagnosis"
	"github.com/rag-eval/backend/internal/rag/embedding"
	"github.com/rag-eval/backend/internal/rag/evaluation"
	"github.com/rag-eval/backend/internal/scoring"
	"github.com/rag-eval/backend/internal/storage"
	"github.com/rag-eval/backend/internal/storage/memory"
	"github.com/rag-eval/backend/internal/storage/models"
)

// flaky wraps a collaborator and fails the operations named in fail.
type flaky struct {
	scoring.Collaborator
	fail map[string]int
}

func (f *flaky) boom(op string) error {
	if n, ok := f.fail[op]; ok {
		if n <= 1 {
			delete(f.fail, op)
		} else {
			f.fail[op] = n - 1
		}
		return &scoring.CollaboratorError{Op: op, Err: errors.New("unavailable")}
	}
	return nil
}

func (f *flaky) Embed(ctx context.Context, req scoring.EmbedRequest) (*scoring.EmbedResponse, error) {
	if err := f.boom(scoring.OpEmbed); err != nil {
		return nil, err
	}
	return f.Collaborator.Embed(ctx, req)
}

func (f *flaky) Index(ctx context.Context, req scoring.IndexRequest) (*scoring.IndexResponse, error) {
	if err := f.boom(scoring.OpIndex); err != nil {
		return nil, err
	}
	return f.Collaborator.Index(ctx, req)
}

func (f *flaky) Retrieve(ctx context.Context, req scoring.RetrieveRequest) (*scoring.RetrieveResponse, error) {
	if err := f.boom(scoring.OpRetrieve); err != nil {
		return nil, err
	}
	return f.Collaborator.Retrieve(ctx, req)
}

func (f *flaky) EvalOnline(ctx context.Context, req scoring.OnlineEvalRequest) (*scoring.OnlineEvalResponse, error) {
	if err := f.boom(scoring.OpEvalOnline); err != nil {
		return nil, err
	}
	return f.Collaborator.EvalOnline(ctx, req)
}

func (f *flaky) EvalOffline(ctx context.Context, req scoring.OfflineEvalRequest) (*scoring.OfflineEvalResponse, error) {
	if err := f.boom(scoring.OpEvalOffline); err != nil {
		return nil, err
	}
	return f.Collaborator.EvalOffline(ctx, req)
}

type fixture struct {
	orch   *Orchestrator
	store  *memory.Store
	index  *indexmemory.Index
	collab *flaky
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := memory.NewStore(50)
	require.NoError(t, err)

	idx := indexmemory.NewIndex()
	local := scoring.NewLocal(idx, embedding.NewEmbedder(16, nil), nil, nil, scoring.DefaultLocalConfig())
	collab := &flaky{Collaborator: local, fail: map[string]int{}}

	return &fixture{
		orch:   New(store, collab, DefaultConfig()),
		store:  store,
		index:  idx,
		collab: collab,
	}
}

var authPassages = []string{
	"The default SSO session timeout is 8 hours. Administrators can shorten it per workspace.",
	"API tokens expire after 90 days unless they are rotated earlier.",
	"Audit logs are retained for 400 days on the enterprise plan.",
}

func (f *fixture) seed(t *testing.T) *IngestResult {
	t.Helper()
	res, err := f.orch.IngestPassages(context.Background(), "Auth Guide", "seed://auth", authPassages)
	require.NoError(t, err)
	require.Empty(t, res.IndexError)
	return res
}

func TestIngestRejectsEmptyBody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Ingest(ctx, IngestInput{Title: "Empty", Body: "   \n\t"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "body", ve.Field)

	docs, err := f.store.ListDocuments(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIngestChunksAndIndexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	body := strings.Repeat("Billing runs on the first business day of each month. ", 30)
	res, err := f.orch.Ingest(ctx, IngestInput{Title: "Billing", Source: "upload", Body: body})
	require.NoError(t, err)
	require.Greater(t, len(res.Chunks), 1)
	assert.Equal(t, len(res.Chunks), res.Indexed)
	assert.Equal(t, len(res.Chunks), f.index.Len())
	for i, ch := range res.Chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Len(t, ch.Embedding, 16)
	}
}

func TestIngestHTMLUsesVisibleText(t *testing.T) {
	f := newFixture(t)

	html := `<html><head><title>Reliability</title><script>var x = 1;</script></head>
<body><nav>Home</nav><p>Regional failover completes within fifteen minutes.</p></body></html>`
	res, err := f.orch.Ingest(context.Background(), IngestInput{Body: html})
	require.NoError(t, err)
	assert.Equal(t, "Reliability", res.Document.Title)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Regional failover completes within fifteen minutes.", res.Chunks[0].Content)
}

func TestIngestEmbedFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collab.fail[scoring.OpEmbed] = 1

	_, err := f.orch.IngestPassages(ctx, "Auth", "", authPassages)
	var ce *scoring.CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, scoring.OpEmbed, ce.Op)

	docs, err := f.store.ListDocuments(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
	chunks, err := f.store.ListAllChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestIngestIndexFailureKeepsDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collab.fail[scoring.OpIndex] = 1

	res, err := f.orch.IngestPassages(ctx, "Auth", "", authPassages)
	require.NoError(t, err)
	assert.NotEmpty(t, res.IndexError)
	assert.Zero(t, res.Indexed)
	assert.Zero(t, f.index.Len())

	docs, err := f.store.ListDocuments(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	rebuilt, err := f.orch.RebuildIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rebuilt.Indexed)
	assert.Equal(t, index.DriverMemory, rebuilt.Mode)
	assert.Equal(t, 3, f.index.Len())
}

func TestAnswerWithGoldQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.seed(t)

	require.NoError(t, f.store.UpsertEvalQuestion(ctx, &models.EvalQuestion{
		Question:       "What is the default SSO session timeout?",
		ExpectedAnswer: "The default SSO session timeout is 8 hours.",
		GoldChunkIDs:   []int64{res.Chunks[0].ID},
	}))

	view, err := f.orch.Answer(ctx, QueryInput{Query: "  What is the default SSO session timeout?  "})
	require.NoError(t, err)

	assert.Equal(t, "What is the default SSO session timeout?", view.QueryText)
	assert.Equal(t, 1.0, view.Metrics[evaluation.RetrievalHitRate])
	assert.InDelta(t, 1.0, view.Metrics[evaluation.Faithfulness]+view.Metrics[evaluation.HallucinationRate], 1e-9)
	assert.Equal(t, 1.0, view.Metrics[evaluation.Faithfulness])
	assert.Equal(t, diagnosis.OK, view.Diagnosis)
	assert.Equal(t, DefaultPromptVersion, view.PromptVersion)
	assert.Nil(t, view.PromptTemplateID)

	require.NotEmpty(t, view.Retrieval)
	assert.Equal(t, res.Chunks[0].ID, view.Retrieval[0].ChunkID)
	assert.Equal(t, "Auth Guide", view.Retrieval[0].DocumentTitle)
	for i, r := range view.Retrieval {
		assert.Equal(t, i+1, r.Rank)
	}
	assert.Contains(t, view.ResponseText, "8 hours")

	runs, err := f.store.ListEvalRuns(ctx, models.EvalKindOnline, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].FinishedAt)

	tag, stored, err := f.orch.Diagnose(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.Diagnosis, tag)
	assert.Equal(t, view.Metrics, stored)
}

func TestAnswerRejectsBlankQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.Answer(ctx, QueryInput{Query: "  "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	traces, err := f.store.ListQueryTraces(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, traces)
}

func TestAnswerSkipsUnknownChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)

	_, err := f.index.Upsert(ctx, []index.Entry{{ChunkID: 999, Content: "SSO session timeout ghost", Embedding: embedding.Embed("SSO session timeout ghost", 16)}})
	require.NoError(t, err)

	view, err := f.orch.Answer(ctx, QueryInput{Query: "SSO session timeout"})
	require.NoError(t, err)
	for _, r := range view.Retrieval {
		assert.NotEqual(t, int64(999), r.ChunkID)
	}
	assert.Len(t, view.Retrieval, 3)
}

func TestAnswerRetrievalFailureRecordedOnTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)
	f.collab.fail[scoring.OpRetrieve] = 1

	_, err := f.orch.Answer(ctx, QueryInput{Query: "token expiry"})
	var ce *scoring.CollaboratorError
	require.ErrorAs(t, err, &ce)

	traces, err := f.store.ListQueryTraces(ctx, 0)
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Contains(t, traces[0].Error, "unavailable")
}

func TestAnswerOnlineEvalFailureKeepsTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)
	f.collab.fail[scoring.OpEvalOnline] = 1

	_, err := f.orch.Answer(ctx, QueryInput{Query: "How long are audit logs retained?"})
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	require.NotNil(t, pf.TraceID)
	assert.Equal(t, models.EvalKindOnline, pf.Kind)

	view, err := f.orch.TraceView(ctx, *pf.TraceID)
	require.NoError(t, err)
	assert.NotEmpty(t, view.ResponseText)
	assert.Empty(t, view.Metrics)
	assert.Equal(t, diagnosis.OK, view.Diagnosis)

	run, err := f.orch.GetRun(ctx, pf.RunID)
	require.NoError(t, err)
	assert.NotNil(t, run.Run.FinishedAt)
	assert.True(t, strings.HasPrefix(run.Run.Notes, "Failed: "))
}

func TestRunOfflineEmptyDataset(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.RunOffline(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, res.Run.FinishedAt)
	assert.Empty(t, res.Metrics)
	assert.NotNil(t, res.Metrics)

	view, err := f.orch.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Empty(t, view.Metrics)
}

func TestRunOfflineStoresAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.seed(t)

	for i, q := range []string{"What is the default SSO session timeout?", "When do API tokens expire?"} {
		require.NoError(t, f.store.UpsertEvalQuestion(ctx, &models.EvalQuestion{
			Question:       q,
			ExpectedAnswer: authPassages[i],
			GoldChunkIDs:   []int64{res.Chunks[i].ID},
		}))
	}

	out, err := f.orch.RunOffline(ctx)
	require.NoError(t, err)
	assert.Len(t, out.PerItem, 2)
	assert.Equal(t, "Offline evaluation over 2 questions", out.Run.Notes)

	view, err := f.orch.GetRun(ctx, out.Run.ID)
	require.NoError(t, err)
	assert.Len(t, view.Metrics, len(out.Metrics))
	for _, m := range view.Metrics {
		assert.Nil(t, m.QueryTraceID)
		assert.Equal(t, out.Metrics[m.Name], m.Value)
	}
}

func TestRunOfflineFailureFinishesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.collab.fail[scoring.OpEvalOffline] = 1

	_, err := f.orch.RunOffline(ctx)
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Nil(t, pf.TraceID)

	runs, err := f.orch.ListRuns(ctx, models.EvalKindOffline, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.True(t, strings.HasPrefix(runs[0].Notes, "Failed: "))
}

func TestResolvePromptFallbacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tpl, err := f.orch.ResolvePrompt(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, tpl.ID)
	assert.Equal(t, DefaultPromptTemplate, tpl.Template)

	other, err := f.orch.CreatePrompt(ctx, PromptInput{Name: "terse", Version: "v1", Template: "Be terse."})
	require.NoError(t, err)
	tpl, err = f.orch.ResolvePrompt(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, other.ID, tpl.ID)

	v2, err := f.orch.CreatePrompt(ctx, PromptInput{Name: DefaultPromptName, Version: "v2", Template: "Cite ids.", Active: true})
	require.NoError(t, err)
	tpl, err = f.orch.ResolvePrompt(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, tpl.ID)

	tpl, err = f.orch.ResolvePrompt(ctx, &other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, tpl.ID)

	missing := int64(404)
	tpl, err = f.orch.ResolvePrompt(ctx, &missing)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, tpl.ID)

	_, err = f.orch.CreatePrompt(ctx, PromptInput{Name: "x", Version: "v1"})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "template", ve.Field)
}

func TestActivatePromptKeepsOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.orch.CreatePrompt(ctx, PromptInput{Name: DefaultPromptName, Version: "v1", Template: "a", Active: true})
	require.NoError(t, err)
	v2, err := f.orch.CreatePrompt(ctx, PromptInput{Name: DefaultPromptName, Version: "v2", Template: "b"})
	require.NoError(t, err)

	for _, id := range []int64{v2.ID, v1.ID, v2.ID} {
		_, err := f.orch.ActivatePrompt(ctx, id)
		require.NoError(t, err)

		list, err := f.orch.ListPrompts(ctx, DefaultPromptName)
		require.NoError(t, err)
		active := 0
		for _, p := range list {
			if p.Active {
				active++
				assert.Equal(t, id, p.ID)
			}
		}
		assert.Equal(t, 1, active)
	}

	_, err = f.orch.ActivatePrompt(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAnswerUsesActivePrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)

	v2, err := f.orch.CreatePrompt(ctx, PromptInput{Name: DefaultPromptName, Version: "v2", Template: "Cite ids.", Active: true})
	require.NoError(t, err)

	view, err := f.orch.Answer(ctx, QueryInput{Query: "API token expiry"})
	require.NoError(t, err)
	assert.Equal(t, "v2", view.PromptVersion)
	require.NotNil(t, view.PromptTemplateID)
	assert.Equal(t, v2.ID, *view.PromptTemplateID)
}

func TestDeleteDocumentUnindexes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.seed(t)

	require.NoError(t, f.orch.DeleteDocument(ctx, res.Document.ID))
	assert.Zero(t, f.index.Len())

	_, err := f.orch.GetDocument(ctx, res.Document.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListTracesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t)

	for _, q := range []string{"SSO timeout", "token expiry", "audit logs"} {
		_, err := f.orch.Answer(ctx, QueryInput{Query: q})
		require.NoError(t, err)
	}

	views, err := f.orch.ListTraces(ctx, 2)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "audit logs", views[0].QueryText)
	assert.Equal(t, "token expiry", views[1].QueryText)
}
