package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/catalog"
	"github.com/sells-group/docintel/internal/codify"
	"github.com/sells-group/docintel/internal/docstore"
	"github.com/sells-group/docintel/internal/extraction"
	"github.com/sells-group/docintel/internal/intel"
	"github.com/sells-group/docintel/internal/jobqueue"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
	"github.com/sells-group/docintel/internal/store/storetest"
)

type stubExtractor struct {
	result *model.ExtractionResult
}

func (s stubExtractor) Run(context.Context, extraction.Document) (*model.ExtractionResult, error) {
	return s.result, nil
}

type testServer struct {
	st      store.Store
	root    string
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	st := storetest.New(t)
	cache := codify.NewAliasCache(st, 0)
	aliases := alias.NewService(st, cache)
	seed, err := catalog.Default()
	require.NoError(t, err)
	_, err = catalog.Apply(ctx, st, aliases, seed)
	require.NoError(t, err)

	root := t.TempDir()
	docs, err := docstore.NewLocalStore(root, 1<<20)
	require.NoError(t, err)

	codifier := codify.NewCodifier(st, cache, codify.NewFastPass(), codify.NewSmartPass(nil), aliases)
	queue := jobqueue.NewQueue(st)
	ex := stubExtractor{result: &model.ExtractionResult{
		Costs: []model.LineItem{
			{Name: "Net Construction Cost", Amount: 1250000, Currency: "GBP"},
			{Name: "Quantum flux allowance", Amount: 12, Currency: "GBP"},
		},
		Confidence: 0.9,
	}}

	return &testServer{
		st:   st,
		root: root,
		handler: NewRouter(Deps{
			Store:     st,
			Queue:     queue,
			Processor: jobqueue.NewProcessor(queue, docs, ex, codifier, 5),
			Codifier:  codifier,
			Aliases:   aliases,
			Intel:     intel.NewService(st),
		}, nil),
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestCreateJob(t *testing.T) {
	ts := newTestServer(t)
	body := map[string]string{"documentId": "doc-1", "clientId": "client-1", "fileRef": "a.txt"}

	rr := ts.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[createJobResponse](t, rr)
	assert.True(t, first.Created)
	assert.Equal(t, model.JobStatusPending, first.Job.Status)

	rr = ts.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusOK, rr.Code)
	second := decode[createJobResponse](t, rr)
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	rr = ts.do(t, http.MethodGet, "/jobs/"+first.Job.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "doc-1", decode[model.ExtractionJob](t, rr).DocumentID)
}

func TestCreateJob_Validation(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/jobs", map[string]string{"fileRef": "a.txt"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "documentId is required")

	rr = ts.do(t, http.MethodPost, "/jobs", map[string]string{"documentId": "doc-1", "fileRef": "a.txt"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "clientId is required")

	rr = ts.do(t, http.MethodPost, "/jobs", map[string]string{"documentId": "doc-1", "clientId": "client-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "fileRef is required")

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_NotFound(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rr).Kind)
}

func TestListJobs(t *testing.T) {
	ts := newTestServer(t)
	for _, doc := range []string{"doc-1", "doc-2"} {
		rr := ts.do(t, http.MethodPost, "/jobs", map[string]string{"documentId": doc, "clientId": "client-1", "fileRef": doc + ".txt"})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr := ts.do(t, http.MethodGet, "/jobs?status=pending", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]model.ExtractionJob](t, rr), 2)

	rr = ts.do(t, http.MethodGet, "/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]model.ExtractionJob](t, rr))

	rr = ts.do(t, http.MethodGet, "/jobs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/jobs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcessSmartPassAndConfirm(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.root, "appraisal.txt"), []byte("Net Construction Cost 1,250,000"), 0o600))

	rr := ts.do(t, http.MethodPost, "/jobs", map[string]string{"documentId": "doc-1", "clientId": "client-1", "fileRef": "appraisal.txt"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = ts.do(t, http.MethodPost, "/jobs/process", jobqueue.BatchRequest{Limit: 5})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	batch := decode[jobqueue.BatchResult](t, rr)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 1, batch.Successful)

	rr = ts.do(t, http.MethodGet, "/documents/doc-1/items?status=pending_review", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	pending := decode[[]model.CodifiedItem](t, rr)
	require.Len(t, pending, 1)
	assert.Equal(t, "Quantum flux allowance", pending[0].OriginalName)

	rr = ts.do(t, http.MethodPost, "/documents/doc-1/smart-pass", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	report := decode[map[string]any](t, rr)
	assert.EqualValues(t, 1, report["updated"])
	assert.Equal(t, true, report["fallback"])

	legal, err := ts.st.GetCodeByToken(ctx, "<legal.fees>")
	require.NoError(t, err)
	require.NotNil(t, legal)

	rr = ts.do(t, http.MethodPost, "/items/"+pending[0].ID+"/confirm", confirmRequest{CodeID: legal.ID})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	item := decode[model.CodifiedItem](t, rr)
	assert.Equal(t, model.MappingConfirmed, item.MappingStatus)
	assert.Equal(t, "<legal.fees>", item.SuggestedCode)

	rr = ts.do(t, http.MethodPost, "/items/missing/confirm", confirmRequest{CodeID: legal.ID})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReapJobs(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/jobs/reap", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rr)["reaped"])
}

func TestUpsertAlias(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	code, err := ts.st.GetCodeByToken(ctx, "<stamp.duty>")
	require.NoError(t, err)

	rr := ts.do(t, http.MethodPost, "/aliases", alias.UpsertRequest{
		Alias: "Land transaction tax", CanonicalCodeID: code.ID, Confidence: 0.9, Source: model.AliasSourceManual,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	w := decode[store.AliasWrite](t, rr)
	assert.Equal(t, model.AliasInserted, w.Outcome)
	assert.Equal(t, "<stamp.duty>", w.Alias.CanonicalCode)

	rr = ts.do(t, http.MethodPost, "/aliases/"+w.Alias.ID+"/deactivate", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, http.MethodPost, "/aliases", alias.UpsertRequest{Alias: "  ", CanonicalCodeID: code.ID, Confidence: 0.9})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/aliases", alias.UpsertRequest{Alias: "x", CanonicalCodeID: code.ID, Confidence: 2})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/aliases", alias.UpsertRequest{Alias: "x", CanonicalCodeID: "missing", Confidence: 0.5})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListCodes(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/codes", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	codes := decode[[]model.CanonicalCode](t, rr)
	assert.NotEmpty(t, codes)

	rr = ts.do(t, http.MethodGet, "/codes?grouped=true", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	groups := decode[[]catalog.Category](t, rr)
	total := 0
	for _, g := range groups {
		assert.NotEmpty(t, g.Name)
		total += len(g.Codes)
	}
	assert.Equal(t, len(codes), total)
}

func TestCreateProposedCodes(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/codes/proposed", proposedCodesRequest{Codes: []model.ProposedCode{
		{Code: "<flux.allowance>", DisplayName: "Flux Allowance", Category: "contingency", DataType: model.DataTypeCurrency},
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	codes := decode[[]model.CanonicalCode](t, rr)
	require.Len(t, codes, 1)
	assert.Equal(t, "<flux.allowance>", codes[0].Code)

	rr = ts.do(t, http.MethodPost, "/codes/proposed", proposedCodesRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIntelligence(t *testing.T) {
	ts := newTestServer(t)
	const path = "/intelligence/project/proj-1"
	gdv := func(v float64, conf float64) ingestRequest {
		raw, _ := json.Marshal(v)
		return ingestRequest{Fields: []model.IntelligenceField{
			{FieldPath: "financials.grossDevelopmentValue", Value: raw, Confidence: conf},
		}}
	}

	rr := ts.do(t, http.MethodPost, path, gdv(8500000, 0.95))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.MergeStats{Added: 1}, decode[intel.IngestResult](t, rr).Stats)

	rr = ts.do(t, http.MethodPost, path, gdv(7800000, 0.70))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.MergeStats{Skipped: 1}, decode[intel.IngestResult](t, rr).Stats)

	rr = ts.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	fields := decode[map[string]model.IntelligenceField](t, rr)
	assert.JSONEq(t, `8500000`, string(fields["financials.grossDevelopmentValue"].Value))

	rr = ts.do(t, http.MethodPost, path, ingestRequest{Facts: &model.FactsEnvelope{
		Category:   model.CategoryPlanningDecision,
		Confidence: 0.8,
		Data:       json.RawMessage(`{"reference": "21/01234/FUL", "units": 42}`),
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 2, decode[intel.IngestResult](t, rr).Stats.Added)
}

func TestIntelligence_Validation(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/intelligence/company/x", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/intelligence/client/c-1", ingestRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/intelligence/client/c-1", ingestRequest{Facts: &model.FactsEnvelope{
		Category: "invoice", Data: json.RawMessage(`{}`),
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
