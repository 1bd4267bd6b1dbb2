// Package query serves read-only views over a document store.
package query

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/JakeFAU/helpcenter-docstore/internal/canonical"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// SortKey orders CurrentDocuments results.
type SortKey string

// Supported sort keys. SortNone leaves the store's order untouched.
const (
	SortNone      SortKey = ""
	SortURL       SortKey = "url"
	SortTitle     SortKey = "title"
	SortScrapedAt SortKey = "scraped_at"
)

// ParseSortKey validates a user-supplied sort key.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case SortNone, SortURL, SortTitle, SortScrapedAt:
		return k, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", s)
	}
}

// Filter narrows CurrentDocuments.
type Filter struct {
	FirmID  string
	DocType docstore.DocType
	Sort    SortKey
}

// Service answers read queries. It never writes.
type Service struct {
	reader docstore.Reader
}

// New constructs a Service.
func New(reader docstore.Reader) *Service {
	return &Service{reader: reader}
}

// CurrentDocuments lists the current version of every matching lineage.
func (s *Service) CurrentDocuments(ctx context.Context, f Filter) ([]docstore.Document, error) {
	docs, err := s.reader.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: f.FirmID, DocType: f.DocType})
	if err != nil {
		return nil, fmt.Errorf("current documents: %w", err)
	}
	switch f.Sort {
	case SortURL:
		slices.SortStableFunc(docs, func(a, b docstore.Document) int { return cmp.Compare(a.CanonicalURL, b.CanonicalURL) })
	case SortTitle:
		slices.SortStableFunc(docs, func(a, b docstore.Document) int { return cmp.Compare(a.Title, b.Title) })
	case SortScrapedAt:
		slices.SortStableFunc(docs, func(a, b docstore.Document) int { return a.ScrapedAt.Compare(b.ScrapedAt) })
	}
	return docs, nil
}

// History returns every version of the lineage rawURL belongs to, newest
// first. Any variant of the URL that canonicalizes the same way works.
func (s *Service) History(ctx context.Context, firmID, rawURL string) ([]docstore.Document, error) {
	canon, err := canonical.Canonicalize(rawURL)
	if err != nil {
		return nil, err
	}
	docs, err := s.reader.History(ctx, firmID, canon)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return docs, nil
}

// Search does a case-insensitive substring match over title and body of
// current documents. A blank query matches nothing.
func (s *Service) Search(ctx context.Context, query, firmID string) ([]docstore.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []docstore.Document{}, nil
	}
	docs, err := s.reader.Search(ctx, query, firmID)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return docs, nil
}

// Stats aggregates counts over all firms, or one firm when firmID is set.
func (s *Service) Stats(ctx context.Context, firmID string) (docstore.Stats, error) {
	stats, err := s.reader.Stats(ctx, firmID)
	if err != nil {
		return docstore.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// MergedURL is a current lineage that has been reached through more than one
// raw URL.
type MergedURL struct {
	FirmID       string   `json:"firm_id"`
	CanonicalURL string   `json:"canonical_url"`
	URLs         []string `json:"urls"`
}

// MergedURLs reports current lineages whose stored versions came in under
// different raw URLs, sorted by firm and canonical URL. Only lineages past
// version 1 can qualify, since an unchanged re-ingest does not record its URL.
func (s *Service) MergedURLs(ctx context.Context, firmID string) ([]MergedURL, error) {
	current, err := s.reader.CurrentDocuments(ctx, docstore.DocumentFilter{FirmID: firmID})
	if err != nil {
		return nil, fmt.Errorf("merged urls: %w", err)
	}
	out := []MergedURL{}
	for _, doc := range current {
		if doc.Version < 2 {
			continue
		}
		versions, err := s.reader.History(ctx, doc.FirmID, doc.CanonicalURL)
		if err != nil {
			return nil, fmt.Errorf("merged urls: %w", err)
		}
		seen := make([]string, 0, len(versions))
		for _, v := range versions {
			if !slices.Contains(seen, v.URL) {
				seen = append(seen, v.URL)
			}
		}
		if len(seen) > 1 {
			slices.Sort(seen)
			out = append(out, MergedURL{FirmID: doc.FirmID, CanonicalURL: doc.CanonicalURL, URLs: seen})
		}
	}
	slices.SortFunc(out, func(a, b MergedURL) int {
		return cmp.Or(cmp.Compare(a.FirmID, b.FirmID), cmp.Compare(a.CanonicalURL, b.CanonicalURL))
	})
	return out, nil
}

// Firms lists every known firm.
func (s *Service) Firms(ctx context.Context) ([]docstore.Firm, error) {
	firms, err := s.reader.ListFirms(ctx)
	if err != nil {
		return nil, fmt.Errorf("firms: %w", err)
	}
	return firms, nil
}

// FirmByName looks a firm up by name. It returns docstore.ErrNotFound for
// unknown names.
func (s *Service) FirmByName(ctx context.Context, name string) (docstore.Firm, error) {
	return s.reader.FirmByName(ctx, name)
}

// ResolveFirm maps a firm name to its ID. The empty name means all firms and
// resolves to "". An unknown name resolves to found=false so callers can
// return an empty result instead of an error.
func (s *Service) ResolveFirm(ctx context.Context, name string) (id string, found bool, err error) {
	if strings.TrimSpace(name) == "" {
		return "", true, nil
	}
	firm, err := s.reader.FirmByName(ctx, name)
	if errors.Is(err, docstore.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve firm %q: %w", name, err)
	}
	return firm.ID, true, nil
}

// Paragraphs returns a document's paragraphs in order.
func (s *Service) Paragraphs(ctx context.Context, documentID string) ([]docstore.Paragraph, error) {
	paras, err := s.reader.Paragraphs(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("paragraphs: %w", err)
	}
	return paras, nil
}
