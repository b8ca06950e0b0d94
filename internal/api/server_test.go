package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/internal/api/handlers"
	"github.com/docket-ai/docket/internal/config"
	"github.com/docket-ai/docket/internal/core"
	"github.com/docket-ai/docket/internal/models"
	"github.com/docket-ai/docket/internal/store/memory"
)

const testSecret = "test-secret"

type recordingIngestor struct {
	enqueued []string
	err      error
}

func (r *recordingIngestor) Enqueue(_ context.Context, documentID string) error {
	if r.err != nil {
		return r.err
	}
	r.enqueued = append(r.enqueued, documentID)
	return nil
}

type cannedSearcher struct {
	resp      *models.SearchResponse
	err       error
	lastScope core.TenantScope
	lastQuery string
}

func (s *cannedSearcher) Search(_ context.Context, scope core.TenantScope, query string, _ int, _ float64) (*models.SearchResponse, error) {
	s.lastScope = scope
	s.lastQuery = query
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type testEnv struct {
	server   *Server
	store    *memory.Store
	ingestor *recordingIngestor
	searcher *cannedSearcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	ingestor := &recordingIngestor{}
	searcher := &cannedSearcher{resp: &models.SearchResponse{Results: []models.SearchResult{
		{ChunkID: "c1", DocumentID: "d1", DocumentTitle: "Notice of Lien", FirstPage: 3, Text: "holdback"},
	}}}
	cfg := &config.Config{Port: "0", JWTSecret: testSecret}
	server := NewServer(cfg,
		handlers.NewDocumentHandler(store, ingestor, nil),
		handlers.NewSearchHandler(searcher, nil),
		nil)
	return &testEnv{server: server, store: store, ingestor: ingestor, searcher: searcher}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func doRequest(e *testEnv, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthzIsOpen(t *testing.T) {
	e := newTestEnv(t)
	rec := doRequest(e, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRejectsMissingToken(t *testing.T) {
	e := newTestEnv(t)
	rec := doRequest(e, http.MethodPost, "/api/search", "", map[string]string{"query": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRejectsTokenWithoutTenant(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"sub": "user-1"})
	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]string{"query": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRejectsUnsignedToken(t *testing.T) {
	e := newTestEnv(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"tenant_id": "t1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]string{"query": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestCreatesAndQueuesDocument(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodPost, "/api/documents/ingest", token, map[string]string{
		"id":           "d1",
		"storage_url":  "https://docket-docs.s3.us-east-2.amazonaws.com/t1/contract.pdf",
		"content_type": "application/pdf",
		"title":        "Subcontract Agreement",
		"matter_id":    "m1",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	doc, err := e.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.TenantID)
	assert.Equal(t, "m1", doc.MatterID)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, []string{"d1"}, e.ingestor.enqueued)
}

func TestIngestIsIdempotentPerDocumentID(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})
	body := map[string]string{
		"id":           "d1",
		"storage_url":  "https://docket-docs.s3.us-east-2.amazonaws.com/t1/contract.pdf",
		"content_type": "application/pdf",
		"title":        "Subcontract Agreement",
	}

	first := doRequest(e, http.MethodPost, "/api/documents/ingest", token, body)
	second := doRequest(e, http.MethodPost, "/api/documents/ingest", token, body)
	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusAccepted, second.Code)
}

func TestIngestGeneratesIDWhenOmitted(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodPost, "/api/documents/ingest", token, map[string]string{
		"storage_url":  "https://docket-docs.s3.us-east-2.amazonaws.com/t1/contract.pdf",
		"content_type": "application/pdf",
		"title":        "Subcontract Agreement",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, []string{resp.ID}, e.ingestor.enqueued)
}

func TestIngestRejectsOtherTenantsDocumentID(t *testing.T) {
	e := newTestEnv(t)
	body := map[string]string{
		"id":           "d1",
		"storage_url":  "https://docket-docs.s3.us-east-2.amazonaws.com/t1/contract.pdf",
		"content_type": "application/pdf",
		"title":        "Subcontract Agreement",
	}

	first := doRequest(e, http.MethodPost, "/api/documents/ingest",
		signToken(t, jwt.MapClaims{"tenant_id": "t1"}), body)
	require.Equal(t, http.StatusAccepted, first.Code)

	// A second tenant replaying the same id must not see the document nor
	// re-queue it.
	second := doRequest(e, http.MethodPost, "/api/documents/ingest",
		signToken(t, jwt.MapClaims{"tenant_id": "t2"}), body)
	assert.Equal(t, http.StatusNotFound, second.Code)
	assert.Equal(t, []string{"d1"}, e.ingestor.enqueued)

	doc, err := e.store.GetDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "t1", doc.TenantID)
}

func TestIngestValidatesRequiredFields(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodPost, "/api/documents/ingest", token, map[string]string{
		"title": "missing everything else",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, e.ingestor.enqueued)
}

func TestStatusReportsPipelineState(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.CreateDocument(context.Background(), &models.Document{
		ID: "d1", TenantID: "t1", Title: "Agreement",
		Status: models.StatusFailed, FailureReason: core.ReasonCorruptFile,
	}))
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodGet, "/api/documents/d1/status", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status        string `json:"status"`
		FailureReason string `json:"failure_reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, core.ReasonCorruptFile, resp.FailureReason)
}

func TestStatusHidesOtherTenantsDocuments(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.CreateDocument(context.Background(), &models.Document{
		ID: "d1", TenantID: "other", Title: "Secret", Status: models.StatusEmbedded,
	}))
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodGet, "/api/documents/d1/status", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchScopesToTokenTenant(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1", "matter_id": "m7"})

	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]any{
		"query": "lien holdback",
		"limit": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", e.searcher.lastScope.TenantID)
	assert.Equal(t, "m7", e.searcher.lastScope.MatterID, "token matter claim is the default scope")
	assert.Equal(t, "lien holdback", e.searcher.lastQuery)

	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "Notice of Lien", resp.Results[0].DocumentTitle)
	assert.Equal(t, 3, resp.Results[0].FirstPage)
}

func TestSearchRequestMatterOverridesTokenMatter(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1", "matter_id": "m7"})

	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]any{
		"query":     "lien",
		"matter_id": "m9",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m9", e.searcher.lastScope.MatterID)
}

func TestSearchRequiresQuery(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})
	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchUnavailableWhenBothRetrieversDown(t *testing.T) {
	e := newTestEnv(t)
	e.searcher.err = errors.New("both retrievers failed")
	token := signToken(t, jwt.MapClaims{"tenant_id": "t1"})

	rec := doRequest(e, http.MethodPost, "/api/search", token, map[string]string{"query": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
