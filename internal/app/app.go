// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/helpcenter-docstore/internal/api"
	gcsarchive "github.com/JakeFAU/helpcenter-docstore/internal/archive/gcs"
	localarchive "github.com/JakeFAU/helpcenter-docstore/internal/archive/local"
	memoryarchive "github.com/JakeFAU/helpcenter-docstore/internal/archive/memory"
	minioarchive "github.com/JakeFAU/helpcenter-docstore/internal/archive/minio"
	"github.com/JakeFAU/helpcenter-docstore/internal/clock/system"
	"github.com/JakeFAU/helpcenter-docstore/internal/config"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/hash/sha256"
	"github.com/JakeFAU/helpcenter-docstore/internal/id/uuid"
	"github.com/JakeFAU/helpcenter-docstore/internal/ingest"
	"github.com/JakeFAU/helpcenter-docstore/internal/logging"
	"github.com/JakeFAU/helpcenter-docstore/internal/metrics"
	memorypublisher "github.com/JakeFAU/helpcenter-docstore/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/helpcenter-docstore/internal/publisher/pubsub"
	"github.com/JakeFAU/helpcenter-docstore/internal/query"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/memory"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/postgres"
	"github.com/JakeFAU/helpcenter-docstore/internal/storage/sqlite"
	"github.com/JakeFAU/helpcenter-docstore/internal/telemetry"
)

// App holds the shared, long-lived services. It is built once per process
// and closed on exit.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     docstore.Store
	archive   docstore.BlobStore
	publisher docstore.Publisher
	ingester  *ingest.Ingester
	query     *query.Service

	gcsArchive      *gcsarchive.BlobStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	tracerShutdown  func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the document store.
func (a *App) Store() docstore.Store { return a.store }

// Publisher returns the change-event publisher.
func (a *App) Publisher() docstore.Publisher { return a.publisher }

// Archive returns the snapshot archive, or nil when archiving is disabled.
func (a *App) Archive() docstore.BlobStore { return a.archive }

// Ingester returns the ingestion orchestrator.
func (a *App) Ingester() *ingest.Ingester { return a.ingester }

// Query returns the read-side service.
func (a *App) Query() *query.Service { return a.query }

// Build creates the application's dependencies. On failure everything
// opened so far is closed again.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	app := &App{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger, err = logging.New(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Service:     cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	metrics.Init()
	if cfg.Telemetry.Enabled {
		_, shutdown, err := telemetry.Setup(ctx, telemetry.Settings{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: cfg.Telemetry.Environment,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = shutdown
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	ingestCfg := ingest.Config{
		Workers:       cfg.Ingest.Workers,
		MinBodyChars:  cfg.Ingest.MinBodyChars,
		RatePerSecond: cfg.Ingest.RatePerSecond,
		Paragraphs: ingest.ParagraphConfig{
			Enabled:           cfg.Ingest.Paragraphs.Enabled,
			MinDocumentChars:  cfg.Ingest.Paragraphs.MinDocumentChars,
			MinParagraphChars: cfg.Ingest.Paragraphs.MinParagraphChars,
		},
		Classify: ingest.ClassifierConfig{
			ShortContentChars:  cfg.Ingest.Classify.ShortContentChars,
			CollectionMaxChars: cfg.Ingest.Classify.CollectionMaxChars,
			ArticlePathMarkers: cfg.Ingest.Classify.ArticlePathMarkers,
		},
		SnapshotPrefix: cfg.Archive.Prefix,
		Topic:          cfg.PubSub.TopicName,
	}
	ingestOpts := []ingest.Option{ingest.WithPublisher(app.publisher)}
	if app.archive != nil {
		ingestOpts = append(ingestOpts, ingest.WithArchive(app.archive))
	}
	app.ingester, err = ingest.New(app.store, sha256.New(), ingestCfg, app.logger.Named("ingest"), ingestOpts...)
	if err != nil {
		return nil, fmt.Errorf("ingester init failed: %w", err)
	}
	app.query = query.New(app.store)

	app.logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Int("workers", ingestCfg.Workers),
		zap.Bool("paragraphs", ingestCfg.Paragraphs.Enabled),
	)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	clock, ids := system.New(), uuid.New()
	var err error
	switch a.cfg.Store.Backend {
	case "postgres":
		a.logger.Info("using postgres document store")
		a.store, err = postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.Store.Postgres.DSN,
			MaxConns:        a.cfg.Store.Postgres.MaxConns,
			MinConns:        a.cfg.Store.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Store.Postgres.MaxConnLifetime,
		}, clock, ids)
	case "sqlite":
		a.logger.Info("using sqlite document store", zap.String("path", a.cfg.Store.SQLite.Path))
		a.store, err = sqlite.New(ctx, sqlite.Config{Path: a.cfg.Store.SQLite.Path}, clock, ids)
	case "memory":
		a.logger.Warn("using in-memory document store; nothing survives the process")
		a.store = memory.NewDocumentStore(clock, ids)
	default:
		return fmt.Errorf("unknown store backend: %q", a.cfg.Store.Backend)
	}
	if err != nil {
		return fmt.Errorf("document store init failed: %w", err)
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var err error
	switch a.cfg.Archive.Backend {
	case "gcs":
		a.logger.Info("using GCS snapshot archive", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
		a.gcsArchive, err = gcsarchive.Open(ctx, gcsarchive.Config{Bucket: a.cfg.Archive.GCS.Bucket})
		if err == nil {
			a.archive = a.gcsArchive
		}
	case "minio":
		a.logger.Info("using S3-compatible snapshot archive",
			zap.String("endpoint", a.cfg.Archive.MinIO.Endpoint), zap.String("bucket", a.cfg.Archive.MinIO.Bucket))
		a.archive, err = minioarchive.New(ctx, minioarchive.Config{
			Endpoint:  a.cfg.Archive.MinIO.Endpoint,
			AccessKey: a.cfg.Archive.MinIO.AccessKey,
			SecretKey: a.cfg.Archive.MinIO.SecretKey,
			Bucket:    a.cfg.Archive.MinIO.Bucket,
			UseSSL:    a.cfg.Archive.MinIO.UseSSL,
			Region:    a.cfg.Archive.MinIO.Region,
		})
	case "local":
		a.logger.Info("using local snapshot archive", zap.String("path", a.cfg.Archive.Local.BaseDir))
		a.archive, err = localarchive.New(localarchive.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
	case "memory":
		a.logger.Info("using in-memory snapshot archive")
		a.archive = memoryarchive.NewBlobStore()
	case "":
		a.logger.Debug("snapshot archive disabled")
	default:
		return fmt.Errorf("unknown archive backend: %q", a.cfg.Archive.Backend)
	}
	if err != nil {
		return fmt.Errorf("snapshot archive init failed: %w", err)
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	var opts []gcppublisher.Option
	if a.cfg.PubSub.Ordered {
		opts = append(opts, gcppublisher.WithOrdering())
	}
	a.pubsubPublisher = gcppublisher.New(a.pubsubClient.Publisher(a.cfg.PubSub.TopicName), opts...)
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.Bool("ordered", a.cfg.PubSub.Ordered),
	)
	return nil
}

// Server builds the HTTP API over the App's services.
func (a *App) Server() *api.Server {
	return api.NewServer(a.store, a.query, a.ingester, a.cfg, a.logger.Named("api"))
}

// Serve runs the HTTP API until ctx is canceled, then shuts it down.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases every service in reverse order of construction. Errors are
// logged; the first one is returned.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.gcsArchive != nil {
		if err := a.gcsArchive.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("document store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	// Sync returns EINVAL on terminals.
	_ = a.logger.Sync()
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
