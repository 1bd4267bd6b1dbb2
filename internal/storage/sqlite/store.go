// Package sqlite provides a document store backed by an embedded SQLite
// database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/helpcenter-docstore/internal/clock/system"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/id/uuid"
)

//go:embed schema.sql
var schema string

const timeLayout = time.RFC3339Nano

// Config controls where the database file lives.
type Config struct {
	Path string
}

// Store implements docstore.Store on SQLite. It keeps a single open
// connection, which makes the process the single writer of the file.
type Store struct {
	db    *sql.DB
	clock docstore.Clock
	ids   docstore.IDGenerator
}

// New opens (creating if needed) the database at cfg.Path and applies the
// schema.
func New(ctx context.Context, cfg Config, clock docstore.Clock, ids docstore.IDGenerator) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", classify(err))
	}
	return NewWithDB(db, clock, ids)
}

// NewWithDB wraps an existing handle without touching the schema (primarily
// for testing).
func NewWithDB(db *sql.DB, clock docstore.Clock, ids docstore.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{db: db, clock: clock, ids: ids}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", classify(err))
	}
	return nil
}

// UpsertFirm inserts the firm or refreshes its metadata by name.
func (s *Store) UpsertFirm(ctx context.Context, info docstore.FirmInfo) (string, error) {
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return "", fmt.Errorf("upsert firm: name is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("upsert firm: %w", err)
	}
	now := formatTime(s.clock.Now())
	const query = `
INSERT INTO prop_firm (id, name, domain, website_url, help_center_url, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	domain = COALESCE(NULLIF(excluded.domain, ''), prop_firm.domain),
	website_url = COALESCE(NULLIF(excluded.website_url, ''), prop_firm.website_url),
	help_center_url = COALESCE(NULLIF(excluded.help_center_url, ''), prop_firm.help_center_url),
	updated_at = excluded.updated_at
RETURNING id`
	var firmID string
	err = s.db.QueryRowContext(ctx, query,
		id, name, info.Domain, info.WebsiteURL, info.HelpCenterURL, now, now,
	).Scan(&firmID)
	if err != nil {
		return "", fmt.Errorf("upsert firm: %w", classify(err))
	}
	return firmID, nil
}

// WithinTx runs fn inside a database transaction, committing on success and
// rolling back on any error.
func (s *Store) WithinTx(ctx context.Context, fn func(docstore.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("begin tx: %w: %v", docstore.ErrStorageUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()
	if err = fn(&tx{tx: sqlTx, clock: s.clock, ids: s.ids}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

type tx struct {
	tx    *sql.Tx
	clock docstore.Clock
	ids   docstore.IDGenerator
}

func (t *tx) FindCurrent(ctx context.Context, firmID, canonicalURL string) (docstore.Document, bool, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM help_document
WHERE firm_id = ? AND canonical_url = ? AND is_current = 1`,
		firmID, canonicalURL,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Document{}, false, nil
	}
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("find current %s: %w", canonicalURL, classify(err))
	}
	return doc, true, nil
}

func (t *tx) InsertNewLineage(ctx context.Context, firmID string, doc docstore.Document) (string, error) {
	if _, found, err := t.FindCurrent(ctx, firmID, doc.CanonicalURL); err != nil {
		return "", err
	} else if found {
		return "", fmt.Errorf("insert document %s: %w", doc.CanonicalURL, docstore.ErrDuplicateLineage)
	}
	now := t.clock.Now()
	doc.FirmID = firmID
	doc.Version = 1
	doc.FirstSeenAt = now
	doc.LastUpdatedAt = now
	doc.ScrapedAt = now
	id, err := t.insert(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("insert document %s: %w", doc.CanonicalURL, err)
	}
	return id, nil
}

func (t *tx) TransitionVersion(
	ctx context.Context,
	firmID, canonicalURL string,
	doc docstore.Document,
) (string, error) {
	prev, found, err := t.FindCurrent(ctx, firmID, canonicalURL)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("transition %s: %w", canonicalURL, docstore.ErrNotFound)
	}
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE help_document SET is_current = 0 WHERE id = ?`, prev.ID,
	); err != nil {
		return "", fmt.Errorf("supersede %s: %w", prev.ID, classify(err))
	}
	now := t.clock.Now()
	doc.FirmID = firmID
	doc.CanonicalURL = canonicalURL
	doc.Version = prev.Version + 1
	doc.FirstSeenAt = prev.FirstSeenAt
	doc.LastUpdatedAt = now
	doc.ScrapedAt = now
	id, err := t.insert(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("transition %s: %w", canonicalURL, err)
	}
	return id, nil
}

func (t *tx) insert(ctx context.Context, doc docstore.Document) (string, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return "", err
	}
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO help_document (
	id, firm_id, url, canonical_url, title, doc_type, body, content_digest,
	scraped_at, first_seen_at, last_updated_at, is_current, version
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		id, doc.FirmID, doc.URL, doc.CanonicalURL, doc.Title, string(doc.DocType), doc.Body, doc.ContentDigest,
		formatTime(doc.ScrapedAt), formatTime(doc.FirstSeenAt), formatTime(doc.LastUpdatedAt), doc.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %v", docstore.ErrDuplicateLineage, err)
		}
		return "", classify(err)
	}
	return id, nil
}

func (t *tx) TouchNoChange(ctx context.Context, documentID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE help_document SET scraped_at = ? WHERE id = ?`,
		formatTime(t.clock.Now()), documentID,
	)
	if err != nil {
		return fmt.Errorf("touch document %s: %w", documentID, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch document %s: %w", documentID, err)
	}
	if n == 0 {
		return fmt.Errorf("touch document %s: %w", documentID, docstore.ErrNotFound)
	}
	return nil
}

func (t *tx) StoreParagraphs(ctx context.Context, documentID string, paragraphs []docstore.Paragraph) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM document_paragraph WHERE document_id = ?`, documentID,
	); err != nil {
		return fmt.Errorf("clear paragraphs %s: %w", documentID, classify(err))
	}
	for _, p := range paragraphs {
		id, err := t.ids.NewID()
		if err != nil {
			return fmt.Errorf("store paragraphs: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO document_paragraph (id, document_id, paragraph_index, text, digest)
VALUES (?, ?, ?, ?, ?)`,
			id, documentID, p.Index, p.Text, p.Digest,
		); err != nil {
			return fmt.Errorf("store paragraph %d of %s: %w", p.Index, documentID, classify(err))
		}
	}
	return nil
}

// classify maps driver errors onto the docstore taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		// A dangling firm or document reference means the row it points at
		// does not exist.
		if sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return fmt.Errorf("%w: %v", docstore.ErrNotFound, err)
		}
		// Extended result codes carry the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %v", docstore.ErrStorageUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", docstore.ErrStorageUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
