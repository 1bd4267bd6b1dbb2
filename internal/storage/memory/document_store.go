// Package memory provides in-memory implementations of the document store
// for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/JakeFAU/helpcenter-docstore/internal/clock/system"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/id/uuid"
)

type lineageKey struct {
	firmID       string
	canonicalURL string
}

// DocumentStore keeps firms, documents and paragraphs in maps guarded by a
// single RWMutex. WithinTx holds the write lock for the whole unit of work and
// reverts partial writes from an undo log on failure.
type DocumentStore struct {
	mu         sync.RWMutex
	closed     bool
	firms      map[string]docstore.Firm
	firmByName map[string]string
	docs       map[string]docstore.Document
	docOrder   []string
	current    map[lineageKey]string
	paragraphs map[string][]docstore.Paragraph

	clock docstore.Clock
	ids   docstore.IDGenerator
}

// NewDocumentStore creates an empty store. Nil dependencies fall back to the
// system clock and UUIDv7 generator.
func NewDocumentStore(clock docstore.Clock, ids docstore.IDGenerator) *DocumentStore {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &DocumentStore{
		firms:      make(map[string]docstore.Firm),
		firmByName: make(map[string]string),
		docs:       make(map[string]docstore.Document),
		current:    make(map[lineageKey]string),
		paragraphs: make(map[string][]docstore.Paragraph),
		clock:      clock,
		ids:        ids,
	}
}

// Ping reports whether the store is open.
func (s *DocumentStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrStorageUnavailable
	}
	return nil
}

// Close marks the store unavailable. Later calls fail with
// docstore.ErrStorageUnavailable.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// UpsertFirm creates the firm on first sight and refreshes its metadata
// afterwards.
func (s *DocumentStore) UpsertFirm(ctx context.Context, info docstore.FirmInfo) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return "", fmt.Errorf("upsert firm: name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", docstore.ErrStorageUnavailable
	}
	now := s.clock.Now()
	if id, ok := s.firmByName[name]; ok {
		firm := s.firms[id]
		firm.Domain = cmp.Or(info.Domain, firm.Domain)
		firm.WebsiteURL = cmp.Or(info.WebsiteURL, firm.WebsiteURL)
		firm.HelpCenterURL = cmp.Or(info.HelpCenterURL, firm.HelpCenterURL)
		firm.UpdatedAt = now
		s.firms[id] = firm
		return id, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("upsert firm: %w", err)
	}
	s.firms[id] = docstore.Firm{
		ID:            id,
		Name:          name,
		Domain:        info.Domain,
		WebsiteURL:    info.WebsiteURL,
		HelpCenterURL: info.HelpCenterURL,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.firmByName[name] = id
	return id, nil
}

// WithinTx runs fn while holding the write lock. If fn fails every write it
// made is undone before the lock is released.
func (s *DocumentStore) WithinTx(ctx context.Context, fn func(docstore.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrStorageUnavailable
	}
	tx := &memTx{store: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(tx)
}

type memTx struct {
	store *DocumentStore
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) FindCurrent(ctx context.Context, firmID, canonicalURL string) (docstore.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, false, err
	}
	id, ok := t.store.current[lineageKey{firmID, canonicalURL}]
	if !ok {
		return docstore.Document{}, false, nil
	}
	return t.store.docs[id], true, nil
}

func (t *memTx) InsertNewLineage(ctx context.Context, firmID string, doc docstore.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, ok := t.store.firms[firmID]; !ok {
		return "", fmt.Errorf("insert document: firm %q: %w", firmID, docstore.ErrNotFound)
	}
	key := lineageKey{firmID, doc.CanonicalURL}
	if _, ok := t.store.current[key]; ok {
		return "", fmt.Errorf("insert document %s: %w", doc.CanonicalURL, docstore.ErrDuplicateLineage)
	}
	id, err := t.store.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	now := t.store.clock.Now()
	doc.ID = id
	doc.FirmID = firmID
	doc.Version = 1
	doc.IsCurrent = true
	doc.FirstSeenAt = now
	doc.LastUpdatedAt = now
	doc.ScrapedAt = now
	t.putDocument(doc)
	t.setCurrent(key, id)
	return id, nil
}

func (t *memTx) TransitionVersion(
	ctx context.Context,
	firmID, canonicalURL string,
	doc docstore.Document,
) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := lineageKey{firmID, canonicalURL}
	prevID, ok := t.store.current[key]
	if !ok {
		return "", fmt.Errorf("transition %s: %w", canonicalURL, docstore.ErrNotFound)
	}
	id, err := t.store.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("transition %s: %w", canonicalURL, err)
	}
	prev := t.store.docs[prevID]
	superseded := prev
	superseded.IsCurrent = false
	t.replaceDocument(superseded)

	now := t.store.clock.Now()
	doc.ID = id
	doc.FirmID = firmID
	doc.CanonicalURL = canonicalURL
	doc.Version = prev.Version + 1
	doc.IsCurrent = true
	doc.FirstSeenAt = prev.FirstSeenAt
	doc.LastUpdatedAt = now
	doc.ScrapedAt = now
	t.putDocument(doc)
	t.setCurrent(key, id)
	return id, nil
}

func (t *memTx) TouchNoChange(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc, ok := t.store.docs[documentID]
	if !ok {
		return fmt.Errorf("touch document %s: %w", documentID, docstore.ErrNotFound)
	}
	doc.ScrapedAt = t.store.clock.Now()
	t.replaceDocument(doc)
	return nil
}

func (t *memTx) StoreParagraphs(ctx context.Context, documentID string, paragraphs []docstore.Paragraph) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.store.docs[documentID]; !ok {
		return fmt.Errorf("store paragraphs %s: %w", documentID, docstore.ErrNotFound)
	}
	rows := make([]docstore.Paragraph, len(paragraphs))
	for i, p := range paragraphs {
		id, err := t.store.ids.NewID()
		if err != nil {
			return fmt.Errorf("store paragraphs: %w", err)
		}
		p.ID = id
		p.DocumentID = documentID
		rows[i] = p
	}
	prev, had := t.store.paragraphs[documentID]
	t.store.paragraphs[documentID] = rows
	t.undo = append(t.undo, func() {
		if had {
			t.store.paragraphs[documentID] = prev
		} else {
			delete(t.store.paragraphs, documentID)
		}
	})
	return nil
}

func (t *memTx) putDocument(doc docstore.Document) {
	s := t.store
	s.docs[doc.ID] = doc
	s.docOrder = append(s.docOrder, doc.ID)
	t.undo = append(t.undo, func() {
		delete(s.docs, doc.ID)
		s.docOrder = s.docOrder[:len(s.docOrder)-1]
	})
}

func (t *memTx) replaceDocument(doc docstore.Document) {
	s := t.store
	prev := s.docs[doc.ID]
	s.docs[doc.ID] = doc
	t.undo = append(t.undo, func() { s.docs[doc.ID] = prev })
}

func (t *memTx) setCurrent(key lineageKey, id string) {
	s := t.store
	prev, had := s.current[key]
	s.current[key] = id
	t.undo = append(t.undo, func() {
		if had {
			s.current[key] = prev
		} else {
			delete(s.current, key)
		}
	})
}

// ListFirms returns all firms ordered by name.
func (s *DocumentStore) ListFirms(ctx context.Context) ([]docstore.Firm, error) {
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	out := make([]docstore.Firm, 0, len(s.firms))
	for _, f := range s.firms {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b docstore.Firm) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// FirmByName looks a firm up by its unique name.
func (s *DocumentStore) FirmByName(ctx context.Context, name string) (docstore.Firm, error) {
	if err := s.beginRead(ctx); err != nil {
		return docstore.Firm{}, err
	}
	defer s.mu.RUnlock()
	id, ok := s.firmByName[strings.TrimSpace(name)]
	if !ok {
		return docstore.Firm{}, docstore.ErrNotFound
	}
	return s.firms[id], nil
}

// CurrentDocuments returns the current version of every matching lineage in
// insertion order.
func (s *DocumentStore) CurrentDocuments(ctx context.Context, filter docstore.DocumentFilter) ([]docstore.Document, error) {
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return s.collect(func(d docstore.Document) bool {
		return d.IsCurrent &&
			(filter.FirmID == "" || d.FirmID == filter.FirmID) &&
			(filter.DocType == "" || d.DocType == filter.DocType)
	}), nil
}

// History returns every version of a lineage, newest first.
func (s *DocumentStore) History(ctx context.Context, firmID, canonicalURL string) ([]docstore.Document, error) {
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	out := s.collect(func(d docstore.Document) bool {
		return d.FirmID == firmID && d.CanonicalURL == canonicalURL
	})
	slices.SortFunc(out, func(a, b docstore.Document) int { return cmp.Compare(b.Version, a.Version) })
	return out, nil
}

// Search matches query case-insensitively against the title and body of
// current documents.
func (s *DocumentStore) Search(ctx context.Context, query, firmID string) ([]docstore.Document, error) {
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	return s.collect(func(d docstore.Document) bool {
		if !d.IsCurrent || (firmID != "" && d.FirmID != firmID) {
			return false
		}
		return strings.Contains(strings.ToLower(d.Title), needle) ||
			strings.Contains(strings.ToLower(d.Body), needle)
	}), nil
}

// Paragraphs returns a document's paragraphs in order.
func (s *DocumentStore) Paragraphs(ctx context.Context, documentID string) ([]docstore.Paragraph, error) {
	if err := s.beginRead(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	return slices.Clone(s.paragraphs[documentID]), nil
}

// Stats aggregates counts over all documents, or one firm's when firmID is
// set.
func (s *DocumentStore) Stats(ctx context.Context, firmID string) (docstore.Stats, error) {
	if err := s.beginRead(ctx); err != nil {
		return docstore.Stats{}, err
	}
	defer s.mu.RUnlock()
	stats := docstore.Stats{
		ByType: make(map[docstore.DocType]int),
		ByFirm: make(map[string]int),
	}
	urls := make(map[lineageKey]struct{})
	totalLen := 0
	for _, id := range s.docOrder {
		d := s.docs[id]
		if firmID != "" && d.FirmID != firmID {
			continue
		}
		stats.TotalDocuments++
		urls[lineageKey{d.FirmID, d.CanonicalURL}] = struct{}{}
		stats.MaxVersion = max(stats.MaxVersion, d.Version)
		if !d.IsCurrent {
			continue
		}
		stats.CurrentDocuments++
		totalLen += utf8.RuneCountInString(d.Body)
		stats.ByType[d.DocType]++
		stats.ByFirm[s.firms[d.FirmID].Name]++
	}
	stats.UniqueURLs = len(urls)
	if stats.CurrentDocuments > 0 {
		stats.AvgContentLength = float64(totalLen) / float64(stats.CurrentDocuments)
	}
	return stats, nil
}

func (s *DocumentStore) beginRead(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return docstore.ErrStorageUnavailable
	}
	return nil
}

func (s *DocumentStore) collect(keep func(docstore.Document) bool) []docstore.Document {
	out := []docstore.Document{}
	for _, id := range s.docOrder {
		if d := s.docs[id]; keep(d) {
			out = append(out, d)
		}
	}
	return out
}
