package postgres

import (
	"context"
	"fmt"
)

type schemaStep struct {
	name string
	sql  string
}

// schemaSteps are idempotent and applied in order on every start.
var schemaSteps = []schemaStep{
	{
		name: "create prop_firm",
		sql: `CREATE TABLE IF NOT EXISTS prop_firm (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	domain          TEXT NOT NULL DEFAULT '',
	website_url     TEXT NOT NULL DEFAULT '',
	help_center_url TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
)`,
	},
	{
		name: "create help_document",
		sql: `CREATE TABLE IF NOT EXISTS help_document (
	id              UUID PRIMARY KEY,
	firm_id         UUID NOT NULL REFERENCES prop_firm(id) ON DELETE CASCADE,
	url             TEXT NOT NULL,
	canonical_url   TEXT NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	doc_type        TEXT NOT NULL CHECK (doc_type IN ('article', 'collection', 'homepage')),
	body            TEXT NOT NULL,
	content_digest  TEXT NOT NULL,
	scraped_at      TIMESTAMPTZ NOT NULL,
	first_seen_at   TIMESTAMPTZ NOT NULL,
	last_updated_at TIMESTAMPTZ NOT NULL,
	is_current      BOOLEAN NOT NULL DEFAULT TRUE,
	version         INTEGER NOT NULL CHECK (version >= 1),
	UNIQUE (firm_id, canonical_url, version)
)`,
	},
	{
		name: "index help_document firm",
		sql:  `CREATE INDEX IF NOT EXISTS idx_help_document_firm ON help_document (firm_id)`,
	},
	{
		name: "index help_document lineage",
		sql:  `CREATE INDEX IF NOT EXISTS idx_help_document_lineage ON help_document (firm_id, canonical_url, is_current)`,
	},
	{
		name: "unique current version",
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS uniq_help_document_current
	ON help_document (firm_id, canonical_url) WHERE is_current`,
	},
	{
		name: "index help_document digest",
		sql:  `CREATE INDEX IF NOT EXISTS idx_help_document_digest ON help_document (content_digest)`,
	},
	{
		name: "create document_paragraph",
		sql: `CREATE TABLE IF NOT EXISTS document_paragraph (
	id              UUID PRIMARY KEY,
	document_id     UUID NOT NULL REFERENCES help_document(id) ON DELETE CASCADE,
	paragraph_index INTEGER NOT NULL,
	text            TEXT NOT NULL,
	digest          TEXT NOT NULL,
	UNIQUE (document_id, paragraph_index)
)`,
	},
	{
		name: "create firm_rule",
		sql: `CREATE TABLE IF NOT EXISTS firm_rule (
	id                 UUID PRIMARY KEY,
	firm_id            UUID NOT NULL REFERENCES prop_firm(id) ON DELETE CASCADE,
	rule_type          TEXT NOT NULL,
	rule_text          TEXT NOT NULL,
	source_document_id UUID REFERENCES help_document(id) ON DELETE SET NULL,
	created_at         TIMESTAMPTZ NOT NULL
)`,
	},
}

// EnsureSchema creates any missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, step := range schemaSteps {
		if _, err := s.pool.Exec(ctx, step.sql); err != nil {
			return fmt.Errorf("schema step %q: %w", step.name, classify(err))
		}
	}
	return nil
}
