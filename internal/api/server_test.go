package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/helpcenter-docstore/internal/config"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/hash/sha256"
	"github.com/JakeFAU/helpcenter-docstore/internal/ingest"
	"github.com/JakeFAU/helpcenter-docstore/internal/query"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/memory"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/storetest"
)

const longBody = "Traders keep eighty percent of the profits they generate on a funded account.\n\n" +
	"Payouts are processed every fourteen days once the first trade has been placed."

type testEnv struct {
	server *Server
	store  *memory.DocumentStore
}

func newTestEnv(t *testing.T, cfg config.Config) testEnv {
	t.Helper()
	store := memory.NewDocumentStore(storetest.NewStepClock(), nil)
	ingestCfg := ingest.DefaultConfig()
	ingestCfg.Workers = 2
	in, err := ingest.New(store, sha256.New(), ingestCfg, zap.NewNop())
	require.NoError(t, err)
	return testEnv{
		server: NewServer(store, query.New(store), in, cfg, zap.NewNop()),
		store:  store,
	}
}

func (e testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (e testEnv) ingest(t *testing.T, firm, body string) ingestResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/firms/"+firm+"/ingest", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[ingestResponse](t, rec)
}

func batch(items ...[3]string) string {
	recs := make([]map[string]string, 0, len(items))
	for _, it := range items {
		recs = append(recs, map[string]string{"url": it[0], "title": it[1], "body": it[2]})
	}
	b, _ := json.Marshal(recs)
	return string(b)
}

func TestServer_IngestAndList(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	resp := env.ingest(t, "acme", batch(
		[3]string{"https://help.acme.com/articles/1", "Payouts", longBody},
		[3]string{"https://help.acme.com/articles/1?ref=nav", "Payouts", longBody},
		[3]string{"https://help.acme.com/articles/2", "Empty", "   "},
	))
	assert.NotEmpty(t, resp.FirmID)
	assert.Equal(t, docstore.Summary{TotalProcessed: 3, Inserted: 1, SkippedDuplicate: 1, SkippedEmpty: 1}, resp.Summary)
	require.Len(t, resp.Outcomes, 3)

	rec := env.do(t, http.MethodGet, "/v1/documents?firm=acme&sort=url", "")
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decode[documentsResponse](t, rec).Documents
	require.Len(t, docs, 1)
	assert.Equal(t, "https://help.acme.com/articles/1", docs[0].CanonicalURL)
	assert.Equal(t, docstore.DocTypeArticle, docs[0].DocType)

	rec = env.do(t, http.MethodGet, "/v1/firms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	firms := decode[map[string][]docstore.Firm](t, rec)["firms"]
	require.Len(t, firms, 1)
	assert.Equal(t, "help.acme.com", firms[0].Domain)

	rec = env.do(t, http.MethodGet, "/v1/documents/"+docs[0].ID+"/paragraphs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	paras := decode[map[string][]docstore.Paragraph](t, rec)["paragraphs"]
	assert.Len(t, paras, 2)
}

func TestServer_HistoryAfterRevision(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.ingest(t, "acme", batch([3]string{"https://help.acme.com/a", "A", "hello world"}))
	resp := env.ingest(t, "acme", batch([3]string{"https://help.acme.com/a/", "A", "hello mars"}))
	assert.Equal(t, 1, resp.Summary.Versioned)

	rec := env.do(t, http.MethodGet, "/v1/history?firm=acme&url=HTTPS://help.acme.com/a%3Fx=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decode[documentsResponse](t, rec).Documents
	require.Len(t, docs, 2)
	assert.Equal(t, 2, docs[0].Version)
	assert.True(t, docs[0].IsCurrent)
	assert.False(t, docs[1].IsCurrent)

	rec = env.do(t, http.MethodGet, "/v1/history?firm=acme&url=relative/path", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/history?firm=acme", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_MergedURLs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.ingest(t, "acme", batch([3]string{"https://help.acme.com/a", "A", "hello world"}))
	env.ingest(t, "acme", batch([3]string{"https://help.acme.com/a?ref=nav", "A", "hello mars"}))

	rec := env.do(t, http.MethodGet, "/v1/merged?firm=acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	merged := decode[struct {
		Merged []query.MergedURL `json:"merged"`
	}](t, rec).Merged
	require.Len(t, merged, 1)
	assert.Equal(t, "https://help.acme.com/a", merged[0].CanonicalURL)
	assert.Equal(t, []string{"https://help.acme.com/a", "https://help.acme.com/a?ref=nav"}, merged[0].URLs)

	rec = env.do(t, http.MethodGet, "/v1/merged?firm=ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"merged":[]}`, rec.Body.String())
}

func TestServer_UnknownFirmIsEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.ingest(t, "acme", batch([3]string{"https://help.acme.com/a", "A", "hello world"}))

	for _, target := range []string{
		"/v1/documents?firm=ghost",
		"/v1/history?firm=ghost&url=https://help.acme.com/a",
		"/v1/search?q=hello&firm=ghost",
	} {
		rec := env.do(t, http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.JSONEq(t, `{"documents":[]}`, rec.Body.String(), target)
	}

	rec := env.do(t, http.MethodGet, "/v1/stats?firm=ghost", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[docstore.Stats](t, rec)
	assert.Zero(t, stats.TotalDocuments)
	assert.Empty(t, stats.ByFirm)
}

func TestServer_SearchAndStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	env.ingest(t, "acme", batch(
		[3]string{"https://help.acme.com/", "Home", "Welcome to Acme"},
		[3]string{"https://help.acme.com/articles/dd", "Drawdown", "Max drawdown is 10%"},
	))
	env.ingest(t, "beta", batch([3]string{"https://beta.io/articles/dd", "Drawdown", "Drawdown is 5%"}))

	rec := env.do(t, http.MethodGet, "/v1/search?q=DRAWDOWN", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[documentsResponse](t, rec).Documents, 2)

	rec = env.do(t, http.MethodGet, "/v1/search?q=drawdown&firm=beta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[documentsResponse](t, rec).Documents, 1)

	rec = env.do(t, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[docstore.Stats](t, rec)
	assert.Equal(t, 3, stats.CurrentDocuments)
	assert.Equal(t, map[string]int{"acme": 2, "beta": 1}, stats.ByFirm)
	assert.Equal(t, 1, stats.ByType[docstore.DocTypeHomepage])

	rec = env.do(t, http.MethodGet, "/v1/documents?type=homepage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[documentsResponse](t, rec).Documents, 1)
}

func TestServer_BadQueryParameters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{name: "unknown type", method: http.MethodGet, target: "/v1/documents?type=blog"},
		{name: "unknown sort", method: http.MethodGet, target: "/v1/documents?sort=version"},
		{name: "invalid json", method: http.MethodPost, target: "/v1/firms/acme/ingest", body: "{invalid"},
		{name: "object not array", method: http.MethodPost, target: "/v1/firms/acme/ingest", body: `{"url":"x"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := env.do(t, tc.method, tc.target, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestServer_IngestFatalReturnsReport(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore(nil, nil)
	srv := NewServer(store, query.New(store), failingIngester{}, config.Config{}, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/firms/acme/ingest", strings.NewReader(batch(
		[3]string{"https://h.com/a", "A", "x"},
		[3]string{"https://h.com/b", "B", "y"},
	)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[ingestResponse](t, rec)
	assert.Equal(t, 1, resp.Summary.Errored)
	assert.Equal(t, 1, resp.Summary.Remaining)
	assert.Contains(t, resp.Error, "storage unavailable")
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", "").Code)

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docstore_http_requests_total")

	require.NoError(t, env.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/v1/firms", "").Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", "").Code, "health endpoints stay open")
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/v1/firms", "").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/firms?api_key=secret", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/firms", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", docstore.ErrInvalidURL), http.StatusBadRequest},
		{docstore.ErrNotFound, http.StatusNotFound},
		{docstore.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
	require.NotNil(t, buf)
}

func TestServer_IngestDeadlineReturnsPartialReport(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore(nil, nil)
	cfg := config.Config{Server: config.ServerConfig{
		RequestTimeout: 20 * time.Millisecond,
		IngestTimeout:  50 * time.Millisecond,
	}}
	srv := NewServer(store, query.New(store), slowIngester{}, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/firms/acme/ingest", strings.NewReader(batch(
		[3]string{"https://h.com/a", "A", "x"},
		[3]string{"https://h.com/b", "B", "y"},
	)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestTimeout, rec.Code)
	resp := decode[ingestResponse](t, rec)
	assert.NotEmpty(t, resp.FirmID)
	assert.Equal(t, 1, resp.Summary.Inserted)
	assert.Equal(t, 1, resp.Summary.Remaining)
	require.Len(t, resp.Outcomes, 1)
	assert.Contains(t, resp.Error, "deadline exceeded")
}

// --- helpers/fakes ---

// slowIngester commits the first document and then waits for the deadline.
type slowIngester struct{}

func (slowIngester) IngestBatch(ctx context.Context, _ string, docs []docstore.RawDocument) (docstore.BatchReport, error) {
	out := docstore.Outcome{Index: 0, Kind: docstore.OutcomeInserted, URL: docs[0].URL, Version: 1}
	report := docstore.BatchReport{Outcomes: []docstore.Outcome{out}}
	report.Summary.Record(out)
	report.Summary.Remaining = len(docs) - 1
	<-ctx.Done()
	return report, fmt.Errorf("ingest batch: %w", ctx.Err())
}

type failingIngester struct{}

func (failingIngester) IngestBatch(_ context.Context, _ string, docs []docstore.RawDocument) (docstore.BatchReport, error) {
	out := docstore.Outcome{Index: 0, Kind: docstore.OutcomeError, URL: docs[0].URL, Error: "storage unavailable"}
	report := docstore.BatchReport{Outcomes: []docstore.Outcome{out}}
	report.Summary.Record(out)
	report.Summary.Remaining = len(docs) - 1
	return report, fmt.Errorf("ingest batch: %w", docstore.ErrStorageUnavailable)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
