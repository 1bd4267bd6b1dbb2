// Package ingest decides, for every scraped document, whether it starts a new
// lineage, repeats the current version or revises it, and records the result
// in a docstore.Store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/helpcenter-docstore/internal/archive"
	"github.com/JakeFAU/helpcenter-docstore/internal/canonical"
	"github.com/JakeFAU/helpcenter-docstore/internal/clock/system"
	"github.com/JakeFAU/helpcenter-docstore/internal/content"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/metrics"
)

const tracerName = "github.com/JakeFAU/helpcenter-docstore/internal/ingest"

// ParagraphConfig controls paragraph extraction.
type ParagraphConfig struct {
	Enabled           bool
	MinDocumentChars  int
	MinParagraphChars int
}

// Config controls Ingester behavior.
type Config struct {
	// Workers is the number of goroutines processing a batch.
	Workers int
	// MinBodyChars is the number of non-whitespace characters below which a
	// body counts as empty. Values below 1 are raised to 1.
	MinBodyChars int
	// RatePerSecond paces document writes. Zero means unlimited.
	RatePerSecond float64
	Paragraphs    ParagraphConfig
	Classify      ClassifierConfig
	// SnapshotPrefix is prepended to archived snapshot paths.
	SnapshotPrefix string
	// Topic is passed to the Publisher with every change event.
	Topic string
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Workers:      1,
		MinBodyChars: 1,
		Paragraphs: ParagraphConfig{
			Enabled:           true,
			MinDocumentChars:  content.DefaultMinDocumentChars,
			MinParagraphChars: content.DefaultMinParagraphChars,
		},
		Classify: ClassifierConfig{
			ShortContentChars:  DefaultShortContentChars,
			CollectionMaxChars: DefaultCollectionMaxChars,
			ArticlePathMarkers: DefaultArticlePathMarkers,
		},
		SnapshotPrefix: "snapshots",
		Topic:          "document-changes",
	}
}

// Option customizes an Ingester.
type Option func(*Ingester)

// WithArchive stores a snapshot of every new revision in bs.
func WithArchive(bs docstore.BlobStore) Option {
	return func(in *Ingester) { in.archive = bs }
}

// WithPublisher emits a change event for every new revision.
func WithPublisher(p docstore.Publisher) Option {
	return func(in *Ingester) { in.publisher = p }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(c docstore.Clock) Option {
	return func(in *Ingester) { in.clock = c }
}

// Ingester is the single writer for a store. Batches run one at a time;
// within a batch, documents of the same lineage never overlap.
type Ingester struct {
	store      docstore.Store
	hasher     docstore.Hasher
	splitter   content.Splitter
	classifier Classifier
	archive    docstore.BlobStore
	publisher  docstore.Publisher
	clock      docstore.Clock
	limiter    *rate.Limiter
	cfg        Config
	logger     *zap.Logger
	tracer     trace.Tracer

	run   sync.Mutex
	locks *keyedMutex
}

// New constructs an Ingester.
func New(
	store docstore.Store,
	hasher docstore.Hasher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Ingester, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MinBodyChars < 1 {
		cfg.MinBodyChars = 1
	}
	splitter := content.NewSplitter()
	if cfg.Paragraphs.MinDocumentChars > 0 {
		splitter.MinDocumentChars = cfg.Paragraphs.MinDocumentChars
	}
	if cfg.Paragraphs.MinParagraphChars > 0 {
		splitter.MinParagraphChars = cfg.Paragraphs.MinParagraphChars
	}
	in := &Ingester{
		store:      store,
		hasher:     hasher,
		splitter:   splitter,
		classifier: NewClassifier(cfg.Classify),
		clock:      system.New(),
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		locks:      newKeyedMutex(),
	}
	if cfg.RatePerSecond > 0 {
		in.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// IsFatal reports whether err must stop a batch. Everything else is recorded
// against the single document and processing continues.
func IsFatal(err error) bool {
	return errors.Is(err, docstore.ErrStorageUnavailable) ||
		errors.Is(err, docstore.ErrDuplicateLineage) ||
		errors.Is(err, docstore.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Ingest processes one document. The returned error is non-nil only for
// fatal conditions; per-document failures are reported in the Outcome.
func (in *Ingester) Ingest(ctx context.Context, firmID string, raw docstore.RawDocument) (docstore.Outcome, error) {
	in.run.Lock()
	defer in.run.Unlock()
	return in.process(ctx, firmID, raw)
}

// IngestBatch processes docs with the configured number of workers. A fatal
// error stops dispatching; the report covering the documents processed so far
// is returned together with that error.
func (in *Ingester) IngestBatch(
	ctx context.Context,
	firmID string,
	docs []docstore.RawDocument,
) (docstore.BatchReport, error) {
	in.run.Lock()
	defer in.run.Unlock()

	start := time.Now()
	ctx, span := in.tracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("firm.id", firmID),
		attribute.Int("batch.size", len(docs)),
	))
	defer span.End()

	outcomes := make([]docstore.Outcome, len(docs))
	done := make([]bool, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := range docs {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for range in.cfg.Workers {
		g.Go(func() error {
			for i := range jobs {
				if gctx.Err() != nil {
					continue
				}
				if in.limiter != nil {
					if err := in.limiter.Wait(gctx); err != nil {
						return fmt.Errorf("rate limit wait: %w", err)
					}
				}
				out, err := in.process(gctx, firmID, docs[i])
				out.Index = i
				outcomes[i] = out
				done[i] = true
				if err != nil {
					return fmt.Errorf("document %d (%s): %w", i, docs[i].URL, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	report := docstore.BatchReport{Outcomes: make([]docstore.Outcome, 0, len(docs))}
	for i, ok := range done {
		if ok {
			report.Summary.Record(outcomes[i])
			report.Outcomes = append(report.Outcomes, outcomes[i])
		}
	}
	report.Summary.Remaining = len(docs) - report.Summary.TotalProcessed

	metrics.ObserveBatch(time.Since(start))
	span.SetAttributes(
		attribute.Int("batch.inserted", report.Summary.Inserted),
		attribute.Int("batch.versioned", report.Summary.Versioned),
		attribute.Int("batch.remaining", report.Summary.Remaining),
	)
	fields := []zap.Field{
		zap.String("firm_id", firmID),
		zap.Int("total", len(docs)),
		zap.Int("inserted", report.Summary.Inserted),
		zap.Int("versioned", report.Summary.Versioned),
		zap.Int("skipped_duplicate", report.Summary.SkippedDuplicate),
		zap.Int("skipped_empty", report.Summary.SkippedEmpty),
		zap.Int("errored", report.Summary.Errored),
		zap.Int("remaining", report.Summary.Remaining),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.logger.Error("batch stopped", append(fields, zap.Error(err))...)
		return report, fmt.Errorf("ingest batch: %w", err)
	}
	in.logger.Info("batch ingested", fields...)
	return report, nil
}

func (in *Ingester) process(ctx context.Context, firmID string, raw docstore.RawDocument) (docstore.Outcome, error) {
	ctx, span := in.tracer.Start(ctx, "ingest.document", trace.WithAttributes(
		attribute.String("firm.id", firmID),
		attribute.String("document.url", raw.URL),
	))
	defer span.End()

	out, err := in.decide(ctx, firmID, raw)
	if out.Err != nil {
		out.Error = out.Err.Error()
	}
	span.SetAttributes(attribute.String("ingest.outcome", out.Kind.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	metrics.ObserveDocument(out.Kind.String())
	in.logger.Debug("document ingested",
		zap.String("firm_id", firmID),
		zap.String("url", raw.URL),
		zap.String("canonical_url", out.CanonicalURL),
		zap.Stringer("outcome", out.Kind),
		zap.Int("version", out.Version),
	)
	return out, nil
}

// decide runs the per-document algorithm. Lookup and write happen in one
// transaction while the lineage lock is held.
func (in *Ingester) decide(ctx context.Context, firmID string, raw docstore.RawDocument) (docstore.Outcome, error) {
	out := docstore.Outcome{URL: raw.URL}
	if err := ctx.Err(); err != nil {
		out.Kind, out.Err = docstore.OutcomeError, err
		return out, err
	}
	if nonSpaceChars(raw.Body, in.cfg.MinBodyChars) < in.cfg.MinBodyChars {
		out.Kind, out.Err = docstore.OutcomeSkippedEmpty, docstore.ErrEmptyContent
		return out, nil
	}
	canon, err := canonical.Canonicalize(raw.URL)
	if err != nil {
		out.Kind, out.Err = docstore.OutcomeError, err
		return out, nil
	}
	out.CanonicalURL = canon
	digest := in.hasher.HashText(raw.Body)

	unlock := in.locks.Lock(firmID + "\x00" + canon)
	defer unlock()

	err = in.store.WithinTx(ctx, func(tx docstore.Tx) error {
		current, found, err := tx.FindCurrent(ctx, firmID, canon)
		if err != nil {
			return err
		}
		doc := docstore.Document{
			URL:           raw.URL,
			CanonicalURL:  canon,
			Title:         raw.Title,
			Body:          raw.Body,
			ContentDigest: digest,
		}
		switch {
		case !found:
			doc.DocType = in.classifier.Classify(canon, raw.Body, raw.Hint)
			id, err := tx.InsertNewLineage(ctx, firmID, doc)
			if err != nil {
				return err
			}
			if err := in.storeParagraphs(ctx, tx, id, raw.Body); err != nil {
				return err
			}
			out.Kind, out.DocumentID, out.Version = docstore.OutcomeInserted, id, 1
		case current.ContentDigest == digest:
			if err := tx.TouchNoChange(ctx, current.ID); err != nil {
				return err
			}
			out.Kind, out.DocumentID, out.Version = docstore.OutcomeSkippedUnchanged, current.ID, current.Version
		default:
			doc.DocType = in.classifier.Classify(canon, raw.Body, raw.Hint)
			id, err := tx.TransitionVersion(ctx, firmID, canon, doc)
			if err != nil {
				return err
			}
			if err := in.storeParagraphs(ctx, tx, id, raw.Body); err != nil {
				return err
			}
			out.Kind, out.DocumentID, out.Version = docstore.OutcomeVersioned, id, current.Version+1
		}
		return nil
	})
	if err != nil {
		out = docstore.Outcome{URL: raw.URL, CanonicalURL: canon, Kind: docstore.OutcomeError, Err: err}
		if IsFatal(err) {
			return out, err
		}
		return out, nil
	}

	if out.Kind == docstore.OutcomeInserted || out.Kind == docstore.OutcomeVersioned {
		in.afterCommit(ctx, firmID, out, raw.Body, digest)
	}
	return out, nil
}

func (in *Ingester) storeParagraphs(ctx context.Context, tx docstore.Tx, documentID, body string) error {
	if !in.cfg.Paragraphs.Enabled {
		return nil
	}
	var paras []docstore.Paragraph
	for text := range in.splitter.Split(body) {
		paras = append(paras, docstore.Paragraph{
			Index:  len(paras),
			Text:   text,
			Digest: in.hasher.HashText(text),
		})
	}
	if len(paras) == 0 {
		return nil
	}
	return tx.StoreParagraphs(ctx, documentID, paras)
}

// afterCommit archives the revision and announces it. Failures are logged
// and counted; the outcome is already durable.
func (in *Ingester) afterCommit(ctx context.Context, firmID string, out docstore.Outcome, body, digest string) {
	ev := docstore.ChangeEvent{
		Type:          docstore.EventDocumentInserted,
		FirmID:        firmID,
		DocumentID:    out.DocumentID,
		CanonicalURL:  out.CanonicalURL,
		Version:       out.Version,
		ContentDigest: digest,
		OccurredAt:    in.clock.Now(),
	}
	if out.Kind == docstore.OutcomeVersioned {
		ev.Type = docstore.EventDocumentVersioned
	}

	if in.archive != nil {
		path := archive.SnapshotPath(in.cfg.SnapshotPrefix, firmID, digest)
		uri, err := in.archive.PutObject(ctx, path, archive.ContentType, strings.NewReader(body))
		if err != nil {
			metrics.ObserveSidecarFailure("archive")
			in.logger.Warn("archive snapshot failed",
				zap.String("document_id", out.DocumentID), zap.String("path", path), zap.Error(err))
		} else {
			metrics.ObserveSnapshot(len(body))
			ev.SnapshotURI = uri
		}
	}

	if in.publisher != nil {
		if _, err := in.publisher.Publish(ctx, in.cfg.Topic, ev); err != nil {
			metrics.ObserveSidecarFailure("publish")
			in.logger.Warn("publish change event failed",
				zap.String("document_id", out.DocumentID), zap.String("topic", in.cfg.Topic), zap.Error(err))
		}
	}
}

// nonSpaceChars counts non-whitespace runes in s, stopping once limit is
// reached.
func nonSpaceChars(s string, limit int) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
			if n >= limit {
				return n
			}
		}
	}
	return n
}
