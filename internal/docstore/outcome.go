package docstore

import (
	"encoding/json"
	"fmt"
)

// OutcomeKind tags the result of ingesting one document.
type OutcomeKind int

const (
	// OutcomeInserted means a new lineage was started at version 1.
	OutcomeInserted OutcomeKind = iota + 1
	// OutcomeVersioned means a changed body produced a new version.
	OutcomeVersioned
	// OutcomeSkippedUnchanged means the body digest matched the current version.
	OutcomeSkippedUnchanged
	// OutcomeSkippedEmpty means the body was empty or whitespace only.
	OutcomeSkippedEmpty
	// OutcomeError means the document could not be processed.
	OutcomeError
)

// String returns the label used in logs, metrics and JSON output.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeInserted:
		return "inserted"
	case OutcomeVersioned:
		return "versioned"
	case OutcomeSkippedUnchanged:
		return "skipped_unchanged"
	case OutcomeSkippedEmpty:
		return "skipped_empty"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind as its label.
func (k OutcomeKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON parses a label written by MarshalJSON.
func (k *OutcomeKind) UnmarshalJSON(b []byte) error {
	var label string
	if err := json.Unmarshal(b, &label); err != nil {
		return fmt.Errorf("decode outcome kind: %w", err)
	}
	for c := OutcomeInserted; c <= OutcomeError; c++ {
		if c.String() == label {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", label)
}

// Outcome reports what happened to one input document. DocumentID and
// Version refer to the row that is current after processing; they are empty
// for SkippedEmpty and Error. Err is set for those two kinds only.
type Outcome struct {
	Index        int         `json:"index"`
	Kind         OutcomeKind `json:"kind"`
	URL          string      `json:"url"`
	CanonicalURL string      `json:"canonical_url,omitempty"`
	DocumentID   string      `json:"document_id,omitempty"`
	Version      int         `json:"version,omitempty"`
	Err          error       `json:"-"`
	Error        string      `json:"error,omitempty"`
}

// Summary tallies outcomes for a batch.
//
// Inserted+Versioned+SkippedDuplicate+SkippedEmpty+Errored always equals
// TotalProcessed, and TotalProcessed+Remaining equals the batch size.
type Summary struct {
	TotalProcessed   int `json:"total_processed"`
	Inserted         int `json:"inserted"`
	Versioned        int `json:"versioned"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	SkippedEmpty     int `json:"skipped_empty"`
	Errored          int `json:"errored"`
	Remaining        int `json:"remaining"`
}

// Record adds one outcome to the tally.
func (s *Summary) Record(o Outcome) {
	s.TotalProcessed++
	switch o.Kind {
	case OutcomeInserted:
		s.Inserted++
	case OutcomeVersioned:
		s.Versioned++
	case OutcomeSkippedUnchanged:
		s.SkippedDuplicate++
	case OutcomeSkippedEmpty:
		s.SkippedEmpty++
	default:
		s.Errored++
	}
}

// BatchReport is the result of ingesting a batch. Outcomes holds only the
// documents that were processed, ordered by input index.
type BatchReport struct {
	Summary  Summary   `json:"summary"`
	Outcomes []Outcome `json:"outcomes"`
}
