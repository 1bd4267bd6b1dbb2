package docstore

import (
	"fmt"
	"strings"
	"time"
)

// DocType is the coarse category assigned to a document at ingestion time.
type DocType string

const (
	// DocTypeArticle is a standalone help article.
	DocTypeArticle DocType = "article"
	// DocTypeCollection is a listing page linking to other articles.
	DocTypeCollection DocType = "collection"
	// DocTypeHomepage is the root of a help center.
	DocTypeHomepage DocType = "homepage"
)

// ParseDocType validates a user-supplied doc type. The empty string is
// returned unchanged and means "any".
func ParseDocType(s string) (DocType, error) {
	switch t := DocType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", DocTypeArticle, DocTypeCollection, DocTypeHomepage:
		return t, nil
	default:
		return "", fmt.Errorf("unknown doc type %q", s)
	}
}

// Firm is a prop-trading firm whose help center is ingested.
type Firm struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Domain        string    `json:"domain"`
	WebsiteURL    string    `json:"website_url"`
	HelpCenterURL string    `json:"help_center_url"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FirmInfo carries the attributes used to upsert a firm by name.
type FirmInfo struct {
	Name          string
	Domain        string
	WebsiteURL    string
	HelpCenterURL string
}

// Document is one version of a help-center page.
type Document struct {
	ID            string    `json:"id"`
	FirmID        string    `json:"firm_id"`
	URL           string    `json:"url"`
	CanonicalURL  string    `json:"canonical_url"`
	Title         string    `json:"title"`
	DocType       DocType   `json:"doc_type"`
	Body          string    `json:"body"`
	ContentDigest string    `json:"content_digest"`
	ScrapedAt     time.Time `json:"scraped_at"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	IsCurrent     bool      `json:"is_current"`
	Version       int       `json:"version"`
}

// Paragraph is an ordered fragment of a document body.
type Paragraph struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	Digest     string `json:"digest"`
}

// RawDocument is a crawler-produced page prior to canonicalization.
type RawDocument struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Body  string `json:"body"`
	// Hint is the crawler's own page classification, if any. Only
	// DocTypeCollection is used as a listing signal.
	Hint DocType `json:"doc_type,omitempty"`
}

// DocumentFilter narrows current-document queries. Zero values mean "any".
type DocumentFilter struct {
	FirmID  string
	DocType DocType
}

// Stats aggregates store-wide (or firm-scoped) counts.
type Stats struct {
	TotalDocuments   int             `json:"total_documents"`
	CurrentDocuments int             `json:"current_documents"`
	UniqueURLs       int             `json:"unique_urls"`
	MaxVersion       int             `json:"max_version"`
	AvgContentLength float64         `json:"avg_content_length"`
	ByType           map[DocType]int `json:"by_type"`
	ByFirm           map[string]int  `json:"by_firm"`
}
