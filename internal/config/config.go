// Package config loads and validates docstore configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// DOCSTORE_STORE_BACKEND.
const EnvPrefix = "DOCSTORE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects and configures the document store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// IngestConfig tunes the ingestion orchestrator.
type IngestConfig struct {
	Workers       int              `mapstructure:"workers"`
	MinBodyChars  int              `mapstructure:"min_body_chars"`
	RatePerSecond float64          `mapstructure:"rate_per_second"`
	Paragraphs    ParagraphsConfig `mapstructure:"paragraphs"`
	Classify      ClassifyConfig   `mapstructure:"classify"`
}

// ParagraphsConfig controls paragraph extraction.
type ParagraphsConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MinDocumentChars  int  `mapstructure:"min_document_chars"`
	MinParagraphChars int  `mapstructure:"min_paragraph_chars"`
}

// ClassifyConfig holds document-type thresholds.
type ClassifyConfig struct {
	ShortContentChars  int      `mapstructure:"short_content_chars"`
	CollectionMaxChars int      `mapstructure:"collection_max_chars"`
	ArticlePathMarkers []string `mapstructure:"article_path_markers"`
}

// ArchiveConfig selects where revision snapshots go. An empty backend
// disables archiving.
type ArchiveConfig struct {
	Backend string      `mapstructure:"backend"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	MinIO   MinIOConfig `mapstructure:"minio"`
}

// LocalConfig is the filesystem archive root.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the snapshot bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// MinIOConfig locates an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// PubSubConfig holds metadata for change notifications. An empty project
// keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
	// Ordered sets a per-lineage ordering key on every event.
	Ordered bool `mapstructure:"ordered"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// IngestTimeout bounds a synchronous ingest request. The handler stops
	// the batch and still answers with the partial report.
	IngestTimeout time.Duration `mapstructure:"ingest_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite.path", "data/helpcenter.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("ingest.workers", 1)
	v.SetDefault("ingest.min_body_chars", 1)
	v.SetDefault("ingest.rate_per_second", 0)
	v.SetDefault("ingest.paragraphs.enabled", true)
	v.SetDefault("ingest.paragraphs.min_document_chars", 100)
	v.SetDefault("ingest.paragraphs.min_paragraph_chars", 50)
	v.SetDefault("ingest.classify.short_content_chars", 200)
	v.SetDefault("ingest.classify.collection_max_chars", 2000)
	v.SetDefault("ingest.classify.article_path_markers", []string{"/articles/"})
	v.SetDefault("archive.backend", "")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("archive.local.base_dir", "data/snapshots")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.minio.endpoint", "")
	v.SetDefault("archive.minio.access_key", "")
	v.SetDefault("archive.minio.secret_key", "")
	v.SetDefault("archive.minio.bucket", "")
	v.SetDefault("archive.minio.use_ssl", true)
	v.SetDefault("archive.minio.region", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "document-changes")
	v.SetDefault("pubsub.ordered", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.ingest_timeout", "10m")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "helpcenter-docstore")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.SQLite.Path) == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Store.Postgres.DSN) == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be memory, sqlite or postgres, got %q", c.Store.Backend)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be > 0")
	}
	if c.Ingest.MinBodyChars <= 0 {
		return fmt.Errorf("ingest.min_body_chars must be > 0")
	}
	if c.Ingest.RatePerSecond < 0 {
		return fmt.Errorf("ingest.rate_per_second must be >= 0")
	}
	switch c.Archive.Backend {
	case "", "memory":
	case "local":
		if strings.TrimSpace(c.Archive.Local.BaseDir) == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case "gcs":
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	case "minio":
		if c.Archive.MinIO.Endpoint == "" || c.Archive.MinIO.Bucket == "" {
			return fmt.Errorf("archive.minio.endpoint and archive.minio.bucket are required for the minio archive")
		}
	default:
		return fmt.Errorf("archive.backend must be empty, memory, local, gcs or minio, got %q", c.Archive.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}
