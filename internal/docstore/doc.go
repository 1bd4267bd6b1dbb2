// Package docstore defines the domain model of the help-center document store:
// firms, versioned documents, paragraphs, ingestion outcomes and the ports
// (store, clock, ID generation, publishing, archiving) the rest of the module
// plugs adapters into.
//
// A document lineage is identified by (firm, canonical URL). Each lineage has
// exactly one current version at any time; superseded versions are kept with
// IsCurrent=false and never deleted by the core.
package docstore
