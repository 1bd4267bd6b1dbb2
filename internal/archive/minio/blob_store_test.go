package minio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 answers just enough of the S3 API for bucket checks and single PUTs.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bucket   bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	switch {
	case r.Method == http.MethodHead && strings.Count(strings.Trim(r.URL.Path, "/"), "/") == 0:
		if !f.bucket {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && strings.Count(strings.Trim(r.URL.Path, "/"), "/") == 0:
		f.bucket = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeS3) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestStore(t *testing.T, fake *fakeS3) *BlobStore {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "snapshots",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	return s
}

func TestNewCreatesMissingBucket(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{}
	newTestStore(t, fake)

	assert.Equal(t, []string{"HEAD /snapshots/", "PUT /snapshots/"}, fake.seen())
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	fake := &fakeS3{bucket: true}
	s := newTestStore(t, fake)

	uri, err := s.PutObject(context.Background(), "docs/firm-1/abc.txt", "text/plain", strings.NewReader("payout rules"))
	require.NoError(t, err)
	assert.Equal(t, "s3://snapshots/docs/firm-1/abc.txt", uri)
	assert.Contains(t, fake.seen(), "PUT /snapshots/docs/firm-1/abc.txt")

	_, err = s.PutObject(context.Background(), "", "text/plain", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []Config{
		{},
		{Endpoint: "localhost:9000"},
		{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"},
	}
	for _, cfg := range tests {
		_, err := New(context.Background(), cfg)
		require.Error(t, err)
	}
}
