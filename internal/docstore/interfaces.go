package docstore

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for new rows.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher digests document text.
type Hasher interface {
	HashText(text string) string
}

// Tx is the set of write operations available inside one per-document unit
// of work. Every write made through a Tx is discarded if the enclosing
// WithinTx callback returns an error.
type Tx interface {
	// FindCurrent returns the current version of a lineage. The boolean is
	// false when the lineage does not exist.
	FindCurrent(ctx context.Context, firmID, canonicalURL string) (Document, bool, error)
	// InsertNewLineage stores doc as version 1 of a new lineage and returns
	// its ID. It fails with ErrDuplicateLineage if a current version exists.
	InsertNewLineage(ctx context.Context, firmID string, doc Document) (string, error)
	// TransitionVersion marks the current version non-current and stores doc
	// as its successor, inheriting FirstSeenAt. It fails with ErrNotFound if
	// the lineage has no current version.
	TransitionVersion(ctx context.Context, firmID, canonicalURL string, doc Document) (string, error)
	// TouchNoChange refreshes ScrapedAt on an unchanged document.
	TouchNoChange(ctx context.Context, documentID string) error
	// StoreParagraphs replaces the paragraph set of a document.
	StoreParagraphs(ctx context.Context, documentID string, paragraphs []Paragraph) error
}

// Reader is the read-only side of a document store.
type Reader interface {
	ListFirms(ctx context.Context) ([]Firm, error)
	FirmByName(ctx context.Context, name string) (Firm, error)
	CurrentDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error)
	History(ctx context.Context, firmID, canonicalURL string) ([]Document, error)
	Search(ctx context.Context, query, firmID string) ([]Document, error)
	Paragraphs(ctx context.Context, documentID string) ([]Paragraph, error)
	Stats(ctx context.Context, firmID string) (Stats, error)
}

// Store is a transactional, firm-scoped document store.
type Store interface {
	Reader
	UpsertFirm(ctx context.Context, info FirmInfo) (string, error)
	WithinTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Publisher emits change events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore persists revision snapshots and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// EventType names a document change event.
type EventType string

const (
	// EventDocumentInserted is published when a new lineage starts.
	EventDocumentInserted EventType = "document.inserted"
	// EventDocumentVersioned is published when a lineage gets a new version.
	EventDocumentVersioned EventType = "document.versioned"
)

// ChangeEvent notifies rule extractors that a document revision exists.
type ChangeEvent struct {
	Type          EventType `json:"type"`
	FirmID        string    `json:"firm_id"`
	DocumentID    string    `json:"document_id"`
	CanonicalURL  string    `json:"canonical_url"`
	Version       int       `json:"version"`
	ContentDigest string    `json:"content_digest"`
	SnapshotURI   string    `json:"snapshot_uri,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
