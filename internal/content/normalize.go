// Package content normalizes document text and splits it into paragraphs.
package content

import (
	"iter"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Normalize collapses every run of Unicode whitespace to a single space and
// trims the result. It is locale independent.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Length returns the rune count of the normalized text.
func Length(text string) int {
	return utf8.RuneCountInString(Normalize(text))
}

var blankLine = regexp.MustCompile(`\n\s*\n`)

// Default splitter thresholds.
const (
	DefaultMinDocumentChars  = 100
	DefaultMinParagraphChars = 50
)

// Splitter breaks a body into paragraphs on blank-line boundaries.
type Splitter struct {
	// MinDocumentChars is the normalized body length below which no
	// paragraphs are produced.
	MinDocumentChars int
	// MinParagraphChars is the normalized length below which a paragraph
	// is dropped.
	MinParagraphChars int
}

// NewSplitter returns a Splitter with the default thresholds.
func NewSplitter() Splitter {
	return Splitter{
		MinDocumentChars:  DefaultMinDocumentChars,
		MinParagraphChars: DefaultMinParagraphChars,
	}
}

// Split yields the normalized paragraphs of body in order. The sequence is
// lazy and may be ranged over more than once.
func (s Splitter) Split(body string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if Length(body) < s.MinDocumentChars {
			return
		}
		rest := body
		for len(rest) > 0 {
			var chunk string
			if loc := blankLine.FindStringIndex(rest); loc != nil {
				chunk, rest = rest[:loc[0]], rest[loc[1]:]
			} else {
				chunk, rest = rest, ""
			}
			para := Normalize(chunk)
			if para == "" || utf8.RuneCountInString(para) < s.MinParagraphChars {
				continue
			}
			if !yield(para) {
				return
			}
		}
	}
}
