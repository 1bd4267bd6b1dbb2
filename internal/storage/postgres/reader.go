package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

const documentColumns = `id::text, firm_id::text, url, canonical_url, title, doc_type, body, content_digest,
	scraped_at, first_seen_at, last_updated_at, is_current, version`

const firmColumns = `id::text, name, domain, website_url, help_center_url, created_at, updated_at`

func scanDocument(row pgx.Row) (docstore.Document, error) {
	var (
		doc     docstore.Document
		docType string
	)
	err := row.Scan(
		&doc.ID, &doc.FirmID, &doc.URL, &doc.CanonicalURL, &doc.Title, &docType, &doc.Body, &doc.ContentDigest,
		&doc.ScrapedAt, &doc.FirstSeenAt, &doc.LastUpdatedAt, &doc.IsCurrent, &doc.Version,
	)
	doc.DocType = docstore.DocType(docType)
	return doc, err
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]docstore.Document, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	rows, err := s.pool.Query(ctx, `SELECT `+firmColumns+` FROM prop_firm ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list firms: %w", classify(err))
	}
	defer rows.Close()

	firms := []docstore.Firm{}
	for rows.Next() {
		var f docstore.Firm
		if err := rows.Scan(&f.ID, &f.Name, &f.Domain, &f.WebsiteURL, &f.HelpCenterURL, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan firm: %w", err)
		}
		firms = append(firms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list firms: %w", classify(err))
	}
	return firms, nil
}

// FirmByName looks a firm up by its unique name.
func (s *Store) FirmByName(ctx context.Context, name string) (docstore.Firm, error) {
	var f docstore.Firm
	err := s.pool.QueryRow(ctx,
		`SELECT `+firmColumns+` FROM prop_firm WHERE name = $1`, strings.TrimSpace(name),
	).Scan(&f.ID, &f.Name, &f.Domain, &f.WebsiteURL, &f.HelpCenterURL, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Firm{}, docstore.ErrNotFound
	}
	if err != nil {
		return docstore.Firm{}, fmt.Errorf("firm by name: %w", classify(err))
	}
	return f, nil
}

// CurrentDocuments returns the current version of every matching lineage.
// An empty FirmID or DocType matches everything.
func (s *Store) CurrentDocuments(ctx context.Context, filter docstore.DocumentFilter) ([]docstore.Document, error) {
	docs, err := s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM help_document
WHERE is_current
AND ($1 = '' OR firm_id::text = $1)
AND ($2 = '' OR doc_type = $2)
ORDER BY first_seen_at, id`,
		filter.FirmID, string(filter.DocType),
	)
	if err != nil {
		return nil, fmt.Errorf("current documents: %w", err)
	}
	return docs, nil
}

// History returns every version of a lineage, newest first.
func (s *Store) History(ctx context.Context, firmID, canonicalURL string) ([]docstore.Document, error) {
	docs, err := s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM help_document
WHERE firm_id::text = $1 AND canonical_url = $2
ORDER BY version DESC`,
		firmID, canonicalURL,
	)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", canonicalURL, err)
	}
	return docs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search matches query case-insensitively against title and body of current
// documents.
func (s *Store) Search(ctx context.Context, query, firmID string) ([]docstore.Document, error) {
	pattern := "%" + likeEscaper.Replace(query) + "%"
	docs, err := s.queryDocuments(ctx, `SELECT `+documentColumns+` FROM help_document
WHERE is_current
AND (title ILIKE $1 OR body ILIKE $1)
AND ($2 = '' OR firm_id::text = $2)
ORDER BY first_seen_at, id`,
		pattern, firmID,
	)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	return docs, nil
}

// Paragraphs returns a document's paragraphs in order.
func (s *Store) Paragraphs(ctx context.Context, documentID string) ([]docstore.Paragraph, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id::text, document_id::text, paragraph_index, text, digest
FROM document_paragraph WHERE document_id::text = $1 ORDER BY paragraph_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("paragraphs %s: %w", documentID, classify(err))
	}
	defer rows.Close()

	paras := []docstore.Paragraph{}
	for rows.Next() {
		var p docstore.Paragraph
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.Index, &p.Text, &p.Digest); err != nil {
			return nil, fmt.Errorf("scan paragraph: %w", err)
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
	err := s.pool.QueryRow(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE d.is_current),
	COUNT(DISTINCT (d.firm_id, d.canonical_url)),
	COALESCE(MAX(d.version), 0),
	COALESCE(AVG(LENGTH(d.body)) FILTER (WHERE d.is_current), 0)::float8
FROM help_document d
WHERE ($1 = '' OR d.firm_id::text = $1)`, firmID,
	).Scan(&stats.TotalDocuments, &stats.CurrentDocuments, &stats.UniqueURLs, &stats.MaxVersion, &stats.AvgContentLength)
	if err != nil {
		return docstore.Stats{}, fmt.Errorf("stats totals: %w", classify(err))
	}

	rows, err := s.pool.Query(ctx, `
SELECT 'type', d.doc_type, COUNT(*) FROM help_document d
WHERE d.is_current AND ($1 = '' OR d.firm_id::text = $1)
GROUP BY d.doc_type
UNION ALL
SELECT 'firm', f.name, COUNT(*) FROM help_document d JOIN prop_firm f ON f.id = d.firm_id
WHERE d.is_current AND ($1 = '' OR d.firm_id::text = $1)
GROUP BY f.name`, firmID)
	if err != nil {
		return docstore.Stats{}, fmt.Errorf("stats breakdown: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, key string
			n         int
		)
		if err := rows.Scan(&kind, &key, &n); err != nil {
			return docstore.Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		if kind == "type" {
			stats.ByType[docstore.DocType(key)] = n
		} else {
			stats.ByFirm[key] = n
		}
	}
	if err := rows.Err(); err != nil {
		return docstore.Stats{}, fmt.Errorf("stats breakdown: %w", classify(err))
	}
	return stats, nil
}
