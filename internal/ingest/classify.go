package ingest

import (
	"strings"

	"github.com/JakeFAU/helpcenter-docstore/internal/canonical"
	"github.com/JakeFAU/helpcenter-docstore/internal/content"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// Default classifier thresholds, in normalized runes.
const (
	DefaultShortContentChars  = 200
	DefaultCollectionMaxChars = 2000
)

// DefaultArticlePathMarkers are path fragments that identify a standalone
// article regardless of its length.
var DefaultArticlePathMarkers = []string{"/articles/"}

// ClassifierConfig tunes document-type classification.
type ClassifierConfig struct {
	ShortContentChars  int
	CollectionMaxChars int
	ArticlePathMarkers []string
}

// Classifier assigns a DocType from a canonical URL, the body and the
// crawler's hint. It never affects deduplication.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier fills unset thresholds with the defaults. A nil marker list
// uses DefaultArticlePathMarkers; an empty non-nil list disables markers.
func NewClassifier(cfg ClassifierConfig) Classifier {
	if cfg.ShortContentChars <= 0 {
		cfg.ShortContentChars = DefaultShortContentChars
	}
	if cfg.CollectionMaxChars <= 0 {
		cfg.CollectionMaxChars = DefaultCollectionMaxChars
	}
	if cfg.ArticlePathMarkers == nil {
		cfg.ArticlePathMarkers = DefaultArticlePathMarkers
	}
	return Classifier{cfg: cfg}
}

// Classify is deterministic: the same inputs always yield the same type.
func (c Classifier) Classify(canonicalURL, body string, hint docstore.DocType) docstore.DocType {
	if canonical.IsRoot(canonicalURL) {
		return docstore.DocTypeHomepage
	}
	n := content.Length(body)
	if hint == docstore.DocTypeCollection && n < c.cfg.CollectionMaxChars {
		return docstore.DocTypeCollection
	}
	if n < c.cfg.ShortContentChars && !c.hasArticleMarker(canonical.Path(canonicalURL)) {
		return docstore.DocTypeCollection
	}
	return docstore.DocTypeArticle
}

func (c Classifier) hasArticleMarker(path string) bool {
	path = strings.ToLower(path)
	for _, m := range c.cfg.ArticlePathMarkers {
		if m != "" && strings.Contains(path, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
