// Package postgres provides a Postgres-backed document store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/helpcenter-docstore/internal/clock/system"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/id/uuid"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
	invalidTextRepr     = "22P02"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements docstore.Store on Postgres.
type Store struct {
	pool  pool
	clock docstore.Clock
	ids   docstore.IDGenerator
}

// New connects to Postgres using cfg and ensures the schema exists.
func New(ctx context.Context, cfg Config, clock docstore.Clock, ids docstore.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %v", docstore.ErrStorageUnavailable, err)
	}
	s, err := NewWithPool(p, clock, ids)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, clock docstore.Clock, ids docstore.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{pool: p, clock: clock, ids: ids}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %v", docstore.ErrStorageUnavailable, err)
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
	now := s.clock.Now()
	const query = `
INSERT INTO prop_firm (id, name, domain, website_url, help_center_url, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (name) DO UPDATE SET
	domain = COALESCE(NULLIF(EXCLUDED.domain, ''), prop_firm.domain),
	website_url = COALESCE(NULLIF(EXCLUDED.website_url, ''), prop_firm.website_url),
	help_center_url = COALESCE(NULLIF(EXCLUDED.help_center_url, ''), prop_firm.help_center_url),
	updated_at = EXCLUDED.updated_at
RETURNING id::text`
	var firmID string
	if err := s.pool.QueryRow(ctx, query,
		id, name, info.Domain, info.WebsiteURL, info.HelpCenterURL, now,
	).Scan(&firmID); err != nil {
		return "", fmt.Errorf("upsert firm: %w", classify(err))
	}
	return firmID, nil
}

// WithinTx runs fn in a transaction, committing on success and rolling back
// on any error.
func (s *Store) WithinTx(ctx context.Context, fn func(docstore.Tx) error) (err error) {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("begin tx: %w: %v", docstore.ErrStorageUnavailable, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = pgTx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err = fn(&tx{tx: pgTx, clock: s.clock, ids: s.ids}); err != nil {
		return err
	}
	if err = pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

type tx struct {
	tx    pgx.Tx
	clock docstore.Clock
	ids   docstore.IDGenerator
}

func (t *tx) current(ctx context.Context, firmID, canonicalURL string, lock bool) (docstore.Document, bool, error) {
	query := `SELECT ` + documentColumns + ` FROM help_document
WHERE firm_id = $1 AND canonical_url = $2 AND is_current`
	if lock {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(t.tx.QueryRow(ctx, query, firmID, canonicalURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Document{}, false, nil
	}
	if err != nil {
		return docstore.Document{}, false, fmt.Errorf("find current %s: %w", canonicalURL, classify(err))
	}
	return doc, true, nil
}

func (t *tx) FindCurrent(ctx context.Context, firmID, canonicalURL string) (docstore.Document, bool, error) {
	return t.current(ctx, firmID, canonicalURL, false)
}

func (t *tx) InsertNewLineage(ctx context.Context, firmID string, doc docstore.Document) (string, error) {
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
	prev, found, err := t.current(ctx, firmID, canonicalURL, true)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("transition %s: %w", canonicalURL, docstore.ErrNotFound)
	}
	if _, err := t.tx.Exec(ctx,
		`UPDATE help_document SET is_current = FALSE WHERE id = $1`, prev.ID,
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

// insert relies on uniq_help_document_current to reject a second current
// row for the lineage.
func (t *tx) insert(ctx context.Context, doc docstore.Document) (string, error) {
	id, err := t.ids.NewID()
	if err != nil {
		return "", err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO help_document (
	id, firm_id, url, canonical_url, title, doc_type, body, content_digest,
	scraped_at, first_seen_at, last_updated_at, is_current, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12)`,
		id, doc.FirmID, doc.URL, doc.CanonicalURL, doc.Title, string(doc.DocType), doc.Body, doc.ContentDigest,
		doc.ScrapedAt, doc.FirstSeenAt, doc.LastUpdatedAt, doc.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: %v", docstore.ErrDuplicateLineage, err)
		}
		return "", classify(err)
	}
	return id, nil
}

func (t *tx) TouchNoChange(ctx context.Context, documentID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE help_document SET scraped_at = $1 WHERE id = $2`,
		t.clock.Now(), documentID,
	)
	if err != nil {
		return fmt.Errorf("touch document %s: %w", documentID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touch document %s: %w", documentID, docstore.ErrNotFound)
	}
	return nil
}

func (t *tx) StoreParagraphs(ctx context.Context, documentID string, paragraphs []docstore.Paragraph) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM document_paragraph WHERE document_id = $1`, documentID,
	); err != nil {
		return fmt.Errorf("clear paragraphs %s: %w", documentID, classify(err))
	}
	for _, p := range paragraphs {
		id, err := t.ids.NewID()
		if err != nil {
			return fmt.Errorf("store paragraphs: %w", err)
		}
		if _, err := t.tx.Exec(ctx, `
INSERT INTO document_paragraph (id, document_id, paragraph_index, text, digest)
VALUES ($1, $2, $3, $4, $5)`,
			id, documentID, p.Index, p.Text, p.Digest,
		); err != nil {
			return fmt.Errorf("store paragraph %d of %s: %w", p.Index, documentID, classify(err))
		}
	}
	return nil
}

// classify maps connection-level failures onto docstore.ErrStorageUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// A dangling reference or an ID that is not even a UUID both name a
		// row that does not exist.
		case foreignKeyViolation, invalidTextRepr:
			return fmt.Errorf("%w: %v", docstore.ErrNotFound, err)
		}
	}
	var (
		connectErr *pgconn.ConnectError
		netErr     net.Error
	)
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, pgx.ErrTxClosed) || strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%w: %v", docstore.ErrStorageUnavailable, err)
	}
	return err
}
