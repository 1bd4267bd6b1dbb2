package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

const documentColumns = `id, firm_id, url, canonical_url, title, doc_type, body, content_digest,
	scraped_at, first_seen_at, last_updated_at, is_current, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (docstore.Document, error) {
	var (
		doc                         docstore.Document
		docType                     string
		scraped, firstSeen, updated string
	)
	if err := row.Scan(
		&doc.ID, &doc.FirmID, &doc.URL, &doc.CanonicalURL, &doc.Title, &docType, &doc.Body, &doc.ContentDigest,
		&scraped, &firstSeen, &updated, &doc.IsCurrent, &doc.Version,
	); err != nil {
		return docstore.Document{}, err
	}
	doc.DocType = docstore.DocType(docType)
	var err error
	if doc.ScrapedAt, err = parseTime(scraped); err != nil {
		return docstore.Document{}, err
	}
	if doc.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return docstore.Document{}, err
	}
	if doc.LastUpdatedAt, err = parseTime(updated); err != nil {
		return docstore.Document{}, err
	}
	return doc, nil
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	docs := []docstore.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

// ListFirms returns all firms ordered by name.
func (s *Store) ListFirms(ctx context.Context) ([]docstore.Firm, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, domain, website_url, help_center_url, created_at, updated_at
FROM prop_firm ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list firms: %w", classify(err))
	}
	defer rows.Close()

	firms := []docstore.Firm{}
	for rows.Next() {
		firm, err := scanFirm(rows)
		if err != nil {
			return nil, fmt.Errorf("list firms: %w", err)
		}
		firms = append(firms, firm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list firms: %w", classify(err))
	}
	return firms, nil
}

// FirmByName looks a firm up by its unique name.
func (s *Store) FirmByName(ctx context.Context, name string) (docstore.Firm, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, domain, website_url, help_center_url, created_at, updated_at
FROM prop_firm WHERE name = ?`, strings.TrimSpace(name))
	firm, err := scanFirm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Firm{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Firm{}, fmt.Errorf("firm by name: %w", classify(err))
	}
	return firm, nil
}

func scanFirm(row rowScanner) (docstore.Firm, error) {
	var (
		firm             docstore.Firm
		created, updated string
	)
	if err := row.Scan(&firm.ID, &firm.Name, &firm.Domain, &firm.WebsiteURL, &firm.HelpCenterURL, &created, &updated); err != nil {
		return docstore.Firm{}, err
	}
	var err error
	if firm.CreatedAt, err = parseTime(created); err != nil {
		return docstore.Firm{}, err
	}
	if firm.UpdatedAt, err = parseTime(updated); err != nil {
		return docstore.Firm{}, err
	}
	return firm, nil
}

// CurrentDocuments returns the current version of every matching lineage.
func (s *Store) CurrentDocuments(ctx context.Context, filter docstore.DocumentFilter) ([]docstore.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM help_document WHERE is_current = 1`
	var args []any
	if filter.FirmID != "" {
		query += ` AND firm_id = ?`
		args = append(args, filter.FirmID)
	}
	if filter.DocType != "" {
		query += ` AND doc_type = ?`
		args = append(args, string(filter.DocType))
	}
	query += ` ORDER BY rowid`
	docs, err := s.queryDocuments(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("current documents: %w", err)
	}
	return docs, nil
}

// History returns every version of a lineage, newest first.
func (s *Store) History(ctx context.Context, firmID, canonicalURL string) ([]docstore.Document, error) {
	docs, err := s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM help_document
WHERE firm_id = ? AND canonical_url = ? ORDER BY version DESC`,
		firmID, canonicalURL,
	)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", canonicalURL, err)
	}
	return docs, nil
}

// Search matches query case-insensitively against title and body of current
// documents.
func (s *Store) Search(ctx context.Context, query, firmID string) ([]docstore.Document, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	stmt := `SELECT ` + documentColumns + ` FROM help_document
WHERE is_current = 1
AND (LOWER(title) LIKE ? ESCAPE '\' OR LOWER(body) LIKE ? ESCAPE '\')`
	args := []any{pattern, pattern}
	if firmID != "" {
		stmt += ` AND firm_id = ?`
		args = append(args, firmID)
	}
	stmt += ` ORDER BY rowid`
	docs, err := s.queryDocuments(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return docs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Paragraphs returns a document's paragraphs in order.
func (s *Store) Paragraphs(ctx context.Context, documentID string) ([]docstore.Paragraph, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, document_id, paragraph_index, text, digest
FROM document_paragraph WHERE document_id = ? ORDER BY paragraph_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("paragraphs %s: %w", documentID, classify(err))
	}
	defer rows.Close()

	paras := []docstore.Paragraph{}
	for rows.Next() {
		var p docstore.Paragraph
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Index, &p.Text, &p.Digest); err != nil {
			return nil, fmt.Errorf("paragraphs %s: %w", documentID, err)
		}
		paras = append(paras, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("paragraphs %s: %w", documentID, classify(err))
	}
	return paras, nil
}

// Stats aggregates counts over all documents, or one firm's when firmID is
// set.
func (s *Store) Stats(ctx context.Context, firmID string) (docstore.Stats, error) {
	stats := docstore.Stats{
		ByType: make(map[docstore.DocType]int),
		ByFirm: make(map[string]int),
	}
	scope, args := "", []any{}
	if firmID != "" {
		scope, args = ` AND d.firm_id = ?`, []any{firmID}
	}

	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COUNT(DISTINCT d.firm_id || ' ' || d.canonical_url), COALESCE(MAX(d.version), 0)
FROM help_document d WHERE 1 = 1`+scope, args...,
	).Scan(&stats.TotalDocuments, &stats.UniqueURLs, &stats.MaxVersion); err != nil {
		return docstore.Stats{}, fmt.Errorf("stats totals: %w", classify(err))
	}
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(AVG(LENGTH(d.body)), 0)
FROM help_document d WHERE d.is_current = 1`+scope, args...,
	).Scan(&stats.CurrentDocuments, &stats.AvgContentLength); err != nil {
		return docstore.Stats{}, fmt.Errorf("stats current: %w", classify(err))
	}

	if err := s.groupCounts(ctx, `
SELECT d.doc_type, COUNT(*) FROM help_document d
WHERE d.is_current = 1`+scope+` GROUP BY d.doc_type`, args, func(key string, n int) {
		stats.ByType[docstore.DocType(key)] = n
	}); err != nil {
		return docstore.Stats{}, fmt.Errorf("stats by type: %w", err)
	}
	if err := s.groupCounts(ctx, `
SELECT f.name, COUNT(*) FROM help_document d JOIN prop_firm f ON f.id = d.firm_id
WHERE d.is_current = 1`+scope+` GROUP BY f.name`, args, func(key string, n int) {
		stats.ByFirm[key] = n
	}); err != nil {
		return docstore.Stats{}, fmt.Errorf("stats by firm: %w", err)
	}
	return stats, nil
}

func (s *Store) groupCounts(ctx context.Context, query string, args []any, put func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		put(key, n)
	}
	return classify(rows.Err())
}
