package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivemem "github.com/JakeFAU/helpcenter-docstore/internal/archive/memory"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/hash/sha256"
	pubmem "github.com/JakeFAU/helpcenter-docstore/internal/publisher/memory"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/memory"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/sqlite"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/storetest"
)

type fixture struct {
	store     *memory.DocumentStore
	archive   *archivemem.BlobStore
	publisher *pubmem.Publisher
	ingester  *Ingester
	firmID    string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	store := memory.NewDocumentStore(storetest.NewStepClock(), nil)
	return newFixtureWithStore(t, store, store, mutate)
}

func newFixtureWithStore(t *testing.T, mem *memory.DocumentStore, store docstore.Store, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{store: mem, archive: archivemem.NewBlobStore(), publisher: pubmem.New()}
	var err error
	f.ingester, err = New(store, sha256.New(), cfg, zap.NewNop(),
		WithArchive(f.archive), WithPublisher(f.publisher), WithClock(storetest.NewStepClock()))
	require.NoError(t, err)
	f.firmID, err = mem.UpsertFirm(context.Background(), docstore.FirmInfo{Name: "acme"})
	require.NoError(t, err)
	return f
}

func (f *fixture) ingest(t *testing.T, url, body string) docstore.Outcome {
	t.Helper()
	out, err := f.ingester.Ingest(context.Background(), f.firmID, docstore.RawDocument{URL: url, Title: "T", Body: body})
	require.NoError(t, err)
	return out
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, sha256.New(), DefaultConfig(), nil)
	require.Error(t, err)
	_, err = New(memory.NewDocumentStore(nil, nil), nil, DefaultConfig(), nil)
	require.Error(t, err)

	in, err := New(memory.NewDocumentStore(nil, nil), sha256.New(), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, in.cfg.Workers)
	assert.Equal(t, 1, in.cfg.MinBodyChars)
}

func TestBatchDeduplicatesVariantsAndSkipsEmpty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, []docstore.RawDocument{
		{URL: "https://h.com/A", Body: "hello world"},
		{URL: "https://h.com/A?ref=1", Body: "hello   world"},
		{URL: "https://h.com/B", Body: ""},
	})
	require.NoError(t, err)

	assert.Equal(t, docstore.Summary{
		TotalProcessed:   3,
		Inserted:         1,
		SkippedDuplicate: 1,
		SkippedEmpty:     1,
	}, report.Summary)
	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, docstore.OutcomeInserted, report.Outcomes[0].Kind)
	assert.Equal(t, 1, report.Outcomes[0].Version)
	assert.Equal(t, docstore.OutcomeSkippedUnchanged, report.Outcomes[1].Kind)
	assert.Equal(t, report.Outcomes[0].DocumentID, report.Outcomes[1].DocumentID)
	assert.Equal(t, "https://h.com/A", report.Outcomes[1].CanonicalURL)
	assert.Equal(t, docstore.OutcomeSkippedEmpty, report.Outcomes[2].Kind)
	for i, o := range report.Outcomes {
		assert.Equal(t, i, o.Index)
	}

	docs, err := f.store.CurrentDocuments(context.Background(), docstore.DocumentFilter{FirmID: f.firmID})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "https://h.com/A", docs[0].CanonicalURL)
}

func TestChangedBodyCreatesVersion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	first := f.ingest(t, "https://h.com/A", "hello world")
	second := f.ingest(t, "https://h.com/A/", "hello mars")

	assert.Equal(t, docstore.OutcomeVersioned, second.Kind)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.DocumentID, second.DocumentID)

	history, err := f.store.History(context.Background(), f.firmID, "https://h.com/A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.True(t, history[0].IsCurrent)
	assert.Equal(t, 1, history[1].Version)
	assert.False(t, history[1].IsCurrent)
	assert.Equal(t, history[1].FirstSeenAt, history[0].FirstSeenAt)
	assert.Equal(t, "https://h.com/A/", history[0].URL)

	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, docstore.EventDocumentInserted, events[0].Type)
	assert.Equal(t, docstore.EventDocumentVersioned, events[1].Type)
	assert.Equal(t, 2, events[1].Version)
	assert.Equal(t, history[0].ContentDigest, events[1].ContentDigest)
	assert.Equal(t, "memory://snapshots/"+f.firmID+"/"+history[0].ContentDigest+".txt", events[1].SnapshotURI)
	assert.Equal(t, 2, f.archive.Len())
}

func TestUnchangedBodyRefreshesScrapedAt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.ingest(t, "https://h.com/A", "hello world")
	before, err := f.store.History(context.Background(), f.firmID, "https://h.com/A")
	require.NoError(t, err)

	out := f.ingest(t, "HTTPS://H.COM/A#top", " hello\n\tworld ")
	assert.Equal(t, docstore.OutcomeSkippedUnchanged, out.Kind)
	assert.Equal(t, 1, out.Version)

	after, err := f.store.History(context.Background(), f.firmID, "https://h.com/A")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].FirstSeenAt, after[0].FirstSeenAt)
	assert.Equal(t, before[0].LastUpdatedAt, after[0].LastUpdatedAt)
	assert.True(t, after[0].ScrapedAt.After(before[0].ScrapedAt))
	assert.Equal(t, "hello world", after[0].Body, "body is never mutated by a no-op")
	assert.Len(t, f.publisher.Events(), 1, "no event for an unchanged document")
}

func TestInvalidURLIsPerDocument(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, []docstore.RawDocument{
		{URL: "/relative/path", Body: "text"},
		{URL: "https://h.com/ok", Body: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Errored)
	assert.Equal(t, 1, report.Summary.Inserted)
	require.ErrorIs(t, report.Outcomes[0].Err, docstore.ErrInvalidURL)
	assert.NotEmpty(t, report.Outcomes[0].Error)
}

func TestMinBodyChars(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.MinBodyChars = 5 })
	out := f.ingest(t, "https://h.com/a", " a b c d ")
	assert.Equal(t, docstore.OutcomeSkippedEmpty, out.Kind)
	require.ErrorIs(t, out.Err, docstore.ErrEmptyContent)
	out = f.ingest(t, "https://h.com/a", "a b c d e")
	assert.Equal(t, docstore.OutcomeInserted, out.Kind)
}

func TestMixedBatchCountsSumToInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.Workers = 3 })
	f.ingest(t, "https://h.com/existing", "old body")

	var docs []docstore.RawDocument
	for i := range 12 {
		docs = append(docs, docstore.RawDocument{URL: fmt.Sprintf("https://h.com/p%d", i), Body: fmt.Sprintf("body %d", i)})
	}
	docs = append(docs,
		docstore.RawDocument{URL: "https://h.com/existing", Body: "new body"},
		docstore.RawDocument{URL: "https://h.com/p0", Body: "body 0"},
		docstore.RawDocument{URL: "https://h.com/blank", Body: "  \n "},
		docstore.RawDocument{URL: "::bad", Body: "x"},
	)

	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, docs)
	require.NoError(t, err)
	s := report.Summary
	assert.Equal(t, len(docs), s.TotalProcessed)
	assert.Equal(t, s.TotalProcessed, s.Inserted+s.Versioned+s.SkippedDuplicate+s.SkippedEmpty+s.Errored)
	assert.Zero(t, s.Remaining)
	assert.Equal(t, 1, s.Versioned)
	assert.Equal(t, 1, s.SkippedEmpty)
	assert.Equal(t, 1, s.Errored)
	// p0 may be processed before or after its duplicate; together they yield
	// one insert and one skip.
	assert.Equal(t, 12, s.Inserted)
	assert.Equal(t, 1, s.SkippedDuplicate)
}

func TestConcurrentWorkersKeepLineageConsistent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.Workers = 4 })
	var docs []docstore.RawDocument
	for i := range 20 {
		docs = append(docs, docstore.RawDocument{URL: "https://h.com/a?rev=" + fmt.Sprint(i), Body: fmt.Sprintf("revision %d", i)})
	}
	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, docs)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Inserted)
	assert.Equal(t, 19, report.Summary.Versioned)

	history, err := f.store.History(context.Background(), f.firmID, "https://h.com/a")
	require.NoError(t, err)
	require.Len(t, history, 20)
	current := 0
	for i, doc := range history {
		assert.Equal(t, 20-i, doc.Version)
		assert.Equal(t, history[len(history)-1].FirstSeenAt, doc.FirstSeenAt)
		if doc.IsCurrent {
			current++
		}
	}
	assert.Equal(t, 1, current)
}

// flakyStore fails every WithinTx call after the first okCalls.
type flakyStore struct {
	*memory.DocumentStore
	okCalls int32
	calls   atomic.Int32
}

func (s *flakyStore) WithinTx(ctx context.Context, fn func(docstore.Tx) error) error {
	if s.calls.Add(1) > s.okCalls {
		return fmt.Errorf("begin tx: %w", docstore.ErrStorageUnavailable)
	}
	return s.DocumentStore.WithinTx(ctx, fn)
}

func TestFatalErrorStopsBatch(t *testing.T) {
	t.Parallel()

	mem := memory.NewDocumentStore(storetest.NewStepClock(), nil)
	f := newFixtureWithStore(t, mem, &flakyStore{DocumentStore: mem, okCalls: 1}, nil)

	docs := []docstore.RawDocument{
		{URL: "https://h.com/1", Body: "one"},
		{URL: "https://h.com/2", Body: "two"},
		{URL: "https://h.com/3", Body: "three"},
		{URL: "https://h.com/4", Body: "four"},
	}
	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, docs)
	require.ErrorIs(t, err, docstore.ErrStorageUnavailable)
	assert.True(t, IsFatal(err))

	s := report.Summary
	assert.Equal(t, 1, s.Inserted)
	assert.Equal(t, 1, s.Errored)
	assert.Equal(t, 2, s.TotalProcessed)
	assert.Equal(t, 2, s.Remaining)
	require.Len(t, report.Outcomes, 2)
	require.ErrorIs(t, report.Outcomes[1].Err, docstore.ErrStorageUnavailable)
}

func TestCanceledContextLeavesEverythingRemaining(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.ingester.IngestBatch(ctx, f.firmID, []docstore.RawDocument{
		{URL: "https://h.com/1", Body: "one"},
		{URL: "https://h.com/2", Body: "two"},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, report.Summary.Remaining+report.Summary.TotalProcessed)
	assert.Zero(t, report.Summary.Inserted)

	_, err = f.ingester.Ingest(ctx, f.firmID, docstore.RawDocument{URL: "https://h.com/1", Body: "one"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSidecarFailuresDoNotChangeOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.archive.FailWith(errors.New("bucket gone"))
	f.publisher.FailWith(errors.New("topic gone"))

	out := f.ingest(t, "https://h.com/a", "hello world")
	assert.Equal(t, docstore.OutcomeInserted, out.Kind)
	assert.Zero(t, f.archive.Len())
	assert.Empty(t, f.publisher.Events())

	docs, err := f.store.CurrentDocuments(context.Background(), docstore.DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestArchiveFailureStillPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.archive.FailWith(errors.New("bucket gone"))

	f.ingest(t, "https://h.com/a", "hello world")
	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Empty(t, events[0].SnapshotURI)
}

func TestParagraphsStoredWithDocument(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		"Traders must close all positions before the weekly market close on Friday.",
		"short",
		"Payouts are processed every fourteen days once the minimum balance is met.",
	}, "\n\n")

	f := newFixture(t, nil)
	out := f.ingest(t, "https://h.com/articles/rules", body)
	paras, err := f.store.Paragraphs(context.Background(), out.DocumentID)
	require.NoError(t, err)
	require.Len(t, paras, 2)
	assert.Equal(t, 0, paras[0].Index)
	assert.Equal(t, 1, paras[1].Index)
	assert.True(t, strings.HasPrefix(paras[1].Text, "Payouts"))
	assert.Equal(t, sha256.New().HashText(paras[1].Text), paras[1].Digest)

	disabled := newFixture(t, func(c *Config) { c.Paragraphs.Enabled = false })
	out = disabled.ingest(t, "https://h.com/articles/rules", body)
	paras, err = disabled.store.Paragraphs(context.Background(), out.DocumentID)
	require.NoError(t, err)
	assert.Empty(t, paras)
}

func TestRateLimitedBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(c *Config) { c.RatePerSecond = 1000 })
	report, err := f.ingester.IngestBatch(context.Background(), f.firmID, []docstore.RawDocument{
		{URL: "https://h.com/1", Body: "one"},
		{URL: "https://h.com/2", Body: "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Inserted)
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("x: %w", docstore.ErrStorageUnavailable), true},
		{docstore.ErrDuplicateLineage, true},
		{docstore.ErrNotFound, true},
		{context.Canceled, true},
		{context.DeadlineExceeded, true},
		{docstore.ErrInvalidURL, false},
		{errors.New("constraint failed"), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, IsFatal(tc.err), "%v", tc.err)
	}
}

func TestUnknownFirmStopsBatchOnEveryBackend(t *testing.T) {
	t.Parallel()

	open := map[string]func(t *testing.T) docstore.Store{
		"memory": func(*testing.T) docstore.Store { return memory.NewDocumentStore(nil, nil) },
		"sqlite": func(t *testing.T) docstore.Store {
			s, err := sqlite.New(context.Background(), sqlite.Config{Path: t.TempDir() + "/docs.db"}, nil, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	for name, mk := range open {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.Workers = 1
			in, err := New(mk(t), sha256.New(), cfg, zap.NewNop())
			require.NoError(t, err)

			report, err := in.IngestBatch(context.Background(), "00000000-0000-7000-8000-000000000000", []docstore.RawDocument{
				{URL: "https://h.com/a", Title: "A", Body: "hello world"},
				{URL: "https://h.com/b", Title: "B", Body: "goodbye world"},
			})
			require.ErrorIs(t, err, docstore.ErrNotFound)
			assert.Equal(t, 1, report.Summary.Errored)
			assert.Equal(t, 1, report.Summary.Remaining)
		})
	}
}
