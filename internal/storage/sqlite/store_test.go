package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/storetest"
)

func openTemp(t *testing.T, clock docstore.Clock) *Store {
	t.Helper()
	s, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "docs.db")}, clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T, clock docstore.Clock) docstore.Store {
		return openTemp(t, clock)
	})
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil, nil)
	require.Error(t, err)
}

func TestSchemaIsReapplicable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "docs.db")
	first, err := New(ctx, Config{Path: path}, nil, nil)
	require.NoError(t, err)
	firmID, err := first.UpsertFirm(ctx, docstore.FirmInfo{Name: "acme"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(ctx, Config{Path: path}, nil, nil)
	require.NoError(t, err)
	defer second.Close()
	firm, err := second.FirmByName(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, firmID, firm.ID)
}

func TestCurrentUniqueIndexRejectsSecondLineage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTemp(t, storetest.NewStepClock())
	firmID, err := s.UpsertFirm(ctx, docstore.FirmInfo{Name: "acme"})
	require.NoError(t, err)

	doc := docstore.Document{
		URL: "https://h.com/a", CanonicalURL: "https://h.com/a",
		DocType: docstore.DocTypeArticle, Body: "b", ContentDigest: "d",
	}
	err = s.WithinTx(ctx, func(dtx docstore.Tx) error {
		inner := dtx.(*tx)
		doc.FirmID = firmID
		doc.Version = 1
		if _, err := inner.insert(ctx, doc); err != nil {
			return err
		}
		doc.Version = 2
		_, err := inner.insert(ctx, doc)
		return err
	})
	require.ErrorIs(t, err, docstore.ErrDuplicateLineage)

	docs, err := s.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: firmID})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchEscapesWildcards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTemp(t, storetest.NewStepClock())
	firmID, err := s.UpsertFirm(ctx, docstore.FirmInfo{Name: "acme"})
	require.NoError(t, err)
	require.NoError(t, s.WithinTx(ctx, func(tx docstore.Tx) error {
		_, err := tx.InsertNewLineage(ctx, firmID, docstore.Document{
			URL: "https://h.com/a", CanonicalURL: "https://h.com/a", Title: "Profit split",
			DocType: docstore.DocTypeArticle, Body: "You keep 80% of profits", ContentDigest: "d",
		})
		return err
	}))

	hits, err := s.Search(ctx, "80%", "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = s.Search(ctx, "8_%", "")
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.Search(ctx, "PROFIT SPLIT", firmID)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestWithinTxBeginFailureIsStorageUnavailable(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("unable to open database file"))

	s, err := NewWithDB(db, storetest.NewStepClock(), nil)
	require.NoError(t, err)

	called := false
	err = s.WithinTx(context.Background(), func(docstore.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, docstore.ErrStorageUnavailable)
	assert.False(t, called)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE help_document SET scraped_at").
		WithArgs(sqlmock.AnyArg(), "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	s, err := NewWithDB(db, storetest.NewStepClock(), nil)
	require.NoError(t, err)

	err = s.WithinTx(context.Background(), func(tx docstore.Tx) error {
		return tx.TouchNoChange(context.Background(), "doc-1")
	})
	require.ErrorIs(t, err, docstore.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(ctx, Config{Path: filepath.Join(t.TempDir(), "docs.db")}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.WithinTx(ctx, func(docstore.Tx) error { return nil })
	assert.ErrorIs(t, err, docstore.ErrStorageUnavailable)
	_, err = s.CurrentDocuments(ctx, docstore.DocumentFilter{})
	assert.ErrorIs(t, err, docstore.ErrStorageUnavailable)
	assert.ErrorIs(t, s.Ping(ctx), docstore.ErrStorageUnavailable)
}
