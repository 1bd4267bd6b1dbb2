// Package storetest holds the behavioural contract every docstore.Store
// backend must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// StepClock returns a fixed start time and advances by Step on every call.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewStepClock starts at a fixed UTC instant and advances one second per call.
func NewStepClock() *StepClock {
	return &StepClock{now: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC), Step: time.Second}
}

// Now implements docstore.Clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

// OpenFunc creates an empty store using the provided clock.
type OpenFunc func(t *testing.T, clock docstore.Clock) docstore.Store

var errAbort = errors.New("abort")

// Run executes the contract suite against stores produced by open.
func Run(t *testing.T, open OpenFunc) {
	t.Helper()

	t.Run("UpsertFirmIsIdempotent", func(t *testing.T) { testUpsertFirm(t, open) })
	t.Run("InsertNewLineage", func(t *testing.T) { testInsertNewLineage(t, open) })
	t.Run("TransitionVersion", func(t *testing.T) { testTransitionVersion(t, open) })
	t.Run("TouchNoChange", func(t *testing.T) { testTouchNoChange(t, open) })
	t.Run("StoreParagraphsReplaces", func(t *testing.T) { testStoreParagraphs(t, open) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, open) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, open) })
	t.Run("UnknownFirmIsEmpty", func(t *testing.T) { testUnknownFirm(t, open) })
	t.Run("InsertForUnknownFirmIsNotFound", func(t *testing.T) { testInsertUnknownFirm(t, open) })
}

func newDoc(url, title, body string, docType docstore.DocType) docstore.Document {
	return docstore.Document{
		URL:           url,
		CanonicalURL:  url,
		Title:         title,
		DocType:       docType,
		Body:          body,
		ContentDigest: "digest-" + body,
	}
}

func mustFirm(t *testing.T, s docstore.Store, name string) string {
	t.Helper()
	id, err := s.UpsertFirm(context.Background(), docstore.FirmInfo{Name: name, Domain: name + ".com"})
	require.NoError(t, err)
	return id
}

func mustInsert(t *testing.T, s docstore.Store, firmID string, doc docstore.Document) string {
	t.Helper()
	var id string
	err := s.WithinTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		id, err = tx.InsertNewLineage(context.Background(), firmID, doc)
		return err
	})
	require.NoError(t, err)
	return id
}

func mustTransition(t *testing.T, s docstore.Store, firmID string, doc docstore.Document) string {
	t.Helper()
	var id string
	err := s.WithinTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		id, err = tx.TransitionVersion(context.Background(), firmID, doc.CanonicalURL, doc)
		return err
	})
	require.NoError(t, err)
	return id
}

func findCurrent(t *testing.T, s docstore.Store, firmID, url string) (docstore.Document, bool) {
	t.Helper()
	var (
		doc   docstore.Document
		found bool
	)
	err := s.WithinTx(context.Background(), func(tx docstore.Tx) error {
		var err error
		doc, found, err = tx.FindCurrent(context.Background(), firmID, url)
		return err
	})
	require.NoError(t, err)
	return doc, found
}

func testUpsertFirm(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())

	first, err := s.UpsertFirm(ctx, docstore.FirmInfo{Name: "Acme Funded", Domain: "acme.com"})
	require.NoError(t, err)
	second, err := s.UpsertFirm(ctx, docstore.FirmInfo{Name: "Acme Funded", HelpCenterURL: "https://help.acme.com"})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	firm, err := s.FirmByName(ctx, "Acme Funded")
	require.NoError(t, err)
	assert.Equal(t, first, firm.ID)
	assert.Equal(t, "acme.com", firm.Domain)
	assert.Equal(t, "https://help.acme.com", firm.HelpCenterURL)
	assert.True(t, firm.UpdatedAt.After(firm.CreatedAt))

	_, err = s.UpsertFirm(ctx, docstore.FirmInfo{Name: "Beta Capital"})
	require.NoError(t, err)
	firms, err := s.ListFirms(ctx)
	require.NoError(t, err)
	require.Len(t, firms, 2)
	assert.Equal(t, "Acme Funded", firms[0].Name)
	assert.Equal(t, "Beta Capital", firms[1].Name)

	_, err = s.FirmByName(ctx, "Nope")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testInsertNewLineage(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	firmID := mustFirm(t, s, "acme")

	id := mustInsert(t, s, firmID, newDoc("https://h.com/a", "A", "hello world", docstore.DocTypeArticle))
	require.NotEmpty(t, id)

	got, found := findCurrent(t, s, firmID, "https://h.com/a")
	require.True(t, found)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, firmID, got.FirmID)
	assert.Equal(t, 1, got.Version)
	assert.True(t, got.IsCurrent)
	assert.Equal(t, docstore.DocTypeArticle, got.DocType)
	assert.Equal(t, "hello world", got.Body)
	assert.Equal(t, "digest-hello world", got.ContentDigest)
	assert.False(t, got.FirstSeenAt.IsZero())
	assert.True(t, got.FirstSeenAt.Equal(got.ScrapedAt))
	assert.True(t, got.FirstSeenAt.Equal(got.LastUpdatedAt))

	err := s.WithinTx(ctx, func(tx docstore.Tx) error {
		_, err := tx.InsertNewLineage(ctx, firmID, newDoc("https://h.com/a", "A", "other", docstore.DocTypeArticle))
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrDuplicateLineage)

	_, found = findCurrent(t, s, firmID, "https://h.com/missing")
	assert.False(t, found)
}

func testTransitionVersion(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	firmID := mustFirm(t, s, "acme")

	v1 := mustInsert(t, s, firmID, newDoc("https://h.com/a", "A", "hello world", docstore.DocTypeArticle))
	before, _ := findCurrent(t, s, firmID, "https://h.com/a")

	v2 := mustTransition(t, s, firmID, newDoc("https://h.com/a", "A2", "hello mars", docstore.DocTypeCollection))
	require.NotEqual(t, v1, v2)

	cur, found := findCurrent(t, s, firmID, "https://h.com/a")
	require.True(t, found)
	assert.Equal(t, v2, cur.ID)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, "A2", cur.Title)
	assert.Equal(t, docstore.DocTypeCollection, cur.DocType)
	assert.True(t, cur.FirstSeenAt.Equal(before.FirstSeenAt))
	assert.True(t, cur.LastUpdatedAt.After(before.LastUpdatedAt))

	mustTransition(t, s, firmID, newDoc("https://h.com/a", "A3", "hello venus", docstore.DocTypeArticle))

	history, err := s.History(ctx, firmID, "https://h.com/a")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, want := range []int{3, 2, 1} {
		assert.Equal(t, want, history[i].Version)
		assert.Equal(t, i == 0, history[i].IsCurrent)
		assert.True(t, history[i].FirstSeenAt.Equal(before.FirstSeenAt))
	}
	assert.Equal(t, "hello world", history[2].Body)

	err = s.WithinTx(ctx, func(tx docstore.Tx) error {
		_, err := tx.TransitionVersion(ctx, firmID, "https://h.com/none", newDoc("https://h.com/none", "", "x", docstore.DocTypeArticle))
		return err
	})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testTouchNoChange(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	firmID := mustFirm(t, s, "acme")
	id := mustInsert(t, s, firmID, newDoc("https://h.com/a", "A", "hello world", docstore.DocTypeArticle))
	before, _ := findCurrent(t, s, firmID, "https://h.com/a")

	err := s.WithinTx(ctx, func(tx docstore.Tx) error { return tx.TouchNoChange(ctx, id) })
	require.NoError(t, err)

	after, _ := findCurrent(t, s, firmID, "https://h.com/a")
	assert.Equal(t, id, after.ID)
	assert.Equal(t, 1, after.Version)
	assert.True(t, after.ScrapedAt.After(before.ScrapedAt))
	assert.True(t, after.FirstSeenAt.Equal(before.FirstSeenAt))
	assert.True(t, after.LastUpdatedAt.Equal(before.LastUpdatedAt))

	err = s.WithinTx(ctx, func(tx docstore.Tx) error { return tx.TouchNoChange(ctx, "missing-id") })
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func testStoreParagraphs(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	firmID := mustFirm(t, s, "acme")
	id := mustInsert(t, s, firmID, newDoc("https://h.com/a", "A", "body", docstore.DocTypeArticle))

	paras := []docstore.Paragraph{
		{Index: 0, Text: "first", Digest: "d0"},
		{Index: 1, Text: "second", Digest: "d1"},
	}
	for range 2 {
		err := s.WithinTx(ctx, func(tx docstore.Tx) error { return tx.StoreParagraphs(ctx, id, paras) })
		require.NoError(t, err)
	}

	got, err := s.Paragraphs(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, p := range got {
		assert.Equal(t, id, p.DocumentID)
		assert.Equal(t, i, p.Index)
		assert.Equal(t, paras[i].Text, p.Text)
		assert.Equal(t, paras[i].Digest, p.Digest)
		assert.NotEmpty(t, p.ID)
	}

	none, err := s.Paragraphs(ctx, "missing-id")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRollback(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	firmID := mustFirm(t, s, "acme")

	err := s.WithinTx(ctx, func(tx docstore.Tx) error {
		id, err := tx.InsertNewLineage(ctx, firmID, newDoc("https://h.com/a", "A", "hello", docstore.DocTypeArticle))
		if err != nil {
			return err
		}
		if err := tx.StoreParagraphs(ctx, id, []docstore.Paragraph{{Index: 0, Text: "p", Digest: "d"}}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	_, found := findCurrent(t, s, firmID, "https://h.com/a")
	assert.False(t, found)

	v1 := mustInsert(t, s, firmID, newDoc("https://h.com/a", "A", "hello", docstore.DocTypeArticle))
	err = s.WithinTx(ctx, func(tx docstore.Tx) error {
		if _, err := tx.TransitionVersion(ctx, firmID, "https://h.com/a", newDoc("https://h.com/a", "A", "bye", docstore.DocTypeArticle)); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	cur, found := findCurrent(t, s, firmID, "https://h.com/a")
	require.True(t, found)
	assert.Equal(t, v1, cur.ID)
	assert.Equal(t, 1, cur.Version)
	history, err := s.History(ctx, firmID, "https://h.com/a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testQueries(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	acme := mustFirm(t, s, "acme")
	beta := mustFirm(t, s, "beta")

	mustInsert(t, s, acme, newDoc("https://acme.com/", "Home", "Welcome to Acme", docstore.DocTypeHomepage))
	mustInsert(t, s, acme, newDoc("https://acme.com/payouts", "Payout Rules", "Payouts are processed weekly", docstore.DocTypeArticle))
	mustTransition(t, s, acme, newDoc("https://acme.com/payouts", "Payout Rules", "Payouts are processed biweekly", docstore.DocTypeArticle))
	mustInsert(t, s, beta, newDoc("https://beta.com/drawdown", "Drawdown", "Max DRAWDOWN is 5%", docstore.DocTypeArticle))

	all, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acmeDocs, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: acme})
	require.NoError(t, err)
	assert.Len(t, acmeDocs, 2)

	articles, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: acme, DocType: docstore.DocTypeArticle})
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, 2, articles[0].Version)

	hits, err := s.Search(ctx, "drawdown", "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, beta, hits[0].FirmID)

	hits, err = s.Search(ctx, "weekly", acme)
	require.NoError(t, err)
	require.Len(t, hits, 1, "matches biweekly in the current version only")
	assert.Equal(t, 2, hits[0].Version)

	hits, err = s.Search(ctx, "payout", beta)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, "100%", "")
	require.NoError(t, err)
	assert.Empty(t, hits)

	stats, err := s.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalDocuments)
	assert.Equal(t, 3, stats.CurrentDocuments)
	assert.Equal(t, 3, stats.UniqueURLs)
	assert.Equal(t, 2, stats.MaxVersion)
	assert.Equal(t, 2, stats.ByType[docstore.DocTypeArticle])
	assert.Equal(t, 1, stats.ByType[docstore.DocTypeHomepage])
	assert.Equal(t, 2, stats.ByFirm["acme"])
	assert.Equal(t, 1, stats.ByFirm["beta"])
	assert.Greater(t, stats.AvgContentLength, 0.0)

	scoped, err := s.Stats(ctx, beta)
	require.NoError(t, err)
	assert.Equal(t, 1, scoped.TotalDocuments)
	assert.Equal(t, 1, scoped.CurrentDocuments)
	assert.InDelta(t, float64(len("Max DRAWDOWN is 5%")), scoped.AvgContentLength, 0.001)
	assert.Equal(t, map[string]int{"beta": 1}, scoped.ByFirm)
}

func testUnknownFirm(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	acme := mustFirm(t, s, "acme")
	mustInsert(t, s, acme, newDoc("https://acme.com/a", "A", "body", docstore.DocTypeArticle))

	const ghost = "00000000-0000-7000-8000-000000000000"
	docs, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: ghost})
	require.NoError(t, err)
	assert.Empty(t, docs)

	history, err := s.History(ctx, ghost, "https://acme.com/a")
	require.NoError(t, err)
	assert.Empty(t, history)

	hits, err := s.Search(ctx, "body", ghost)
	require.NoError(t, err)
	assert.Empty(t, hits)

	stats, err := s.Stats(ctx, ghost)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalDocuments)
	assert.Zero(t, stats.CurrentDocuments)
}

func testInsertUnknownFirm(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := open(t, NewStepClock())
	mustFirm(t, s, "acme")

	const ghost = "00000000-0000-7000-8000-000000000000"
	err := s.WithinTx(ctx, func(tx docstore.Tx) error {
		_, err := tx.InsertNewLineage(ctx, ghost, newDoc("https://h.com/a", "A", "body", docstore.DocTypeArticle))
		return err
	})
	require.ErrorIs(t, err, docstore.ErrNotFound)

	docs, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: ghost})
	require.NoError(t, err)
	assert.Empty(t, docs)
}
