// Package source reads crawler output into raw documents.
package source

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/helpcenter-docstore/internal/content"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// Record is one crawler item as written to disk.
type Record struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Body  string `json:"body"`
	// HTML is used when Body is empty.
	HTML    string `json:"html,omitempty"`
	DocType string `json:"doc_type,omitempty"`
}

// Load decodes a JSON array of crawler records. Records are decoded one by
// one, so large files are never held twice in memory.
func Load(r io.Reader) ([]docstore.RawDocument, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read crawler output: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("read crawler output: expected a JSON array")
	}

	docs := []docstore.RawDocument{}
	for i := 0; dec.More(); i++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record %d: %w", i, err)
		}
		doc, err := rec.RawDocument()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		docs = append(docs, doc)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read crawler output: %w", err)
	}
	return docs, nil
}

// LoadFile opens path and calls Load.
func LoadFile(path string) ([]docstore.RawDocument, error) {
	// #nosec G304 -- the path is an operator-supplied input file.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// RawDocument converts the record, extracting text from HTML when the body
// is empty. An unknown doc_type is ignored rather than rejected.
func (r Record) RawDocument() (docstore.RawDocument, error) {
	doc := docstore.RawDocument{URL: r.URL, Title: r.Title, Body: r.Body}
	if hint, err := docstore.ParseDocType(r.DocType); err == nil {
		doc.Hint = hint
	}
	if strings.TrimSpace(doc.Body) == "" && strings.TrimSpace(r.HTML) != "" {
		title, body, err := ExtractText(r.HTML)
		if err != nil {
			return docstore.RawDocument{}, err
		}
		doc.Body = body
		if doc.Title == "" {
			doc.Title = title
		}
	}
	return doc, nil
}

const blockSelector = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th, dt, dd"

// ExtractText returns the page title and the visible text of an HTML
// document. Block elements become blank-line separated paragraphs so the
// paragraph splitter sees the page structure.
func ExtractText(html string) (title, body string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, nav, header, footer").Remove()
	title = content.Normalize(doc.Find("title").First().Text())

	var blocks []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if text := content.Normalize(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) == 0 {
		return title, content.Normalize(doc.Find("body").Text()), nil
	}
	return title, strings.Join(blocks, "\n\n"), nil
}
