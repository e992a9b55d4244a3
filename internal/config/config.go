package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"shelfd"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"shelfd"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:"minio:9000"`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
	StorageBucket  string `envconfig:"STORAGE_BUCKET" default:"shelfd-documents"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey     string `envconfig:"GEMINI_API_KEY"`
	EmbeddingVersion string `envconfig:"EMBEDDING_VERSION" default:"gemini-embedding-001"`

	DriveClientID     string `envconfig:"DRIVE_CLIENT_ID"`
	DriveClientSecret string `envconfig:"DRIVE_CLIENT_SECRET"`
	TokenSealKey      string `envconfig:"TOKEN_SEAL_KEY"`

	// Sync limits. MaxSyncFiles and MaxSyncPages bound a single listing
	// pass so a runaway folder cannot wedge a run.
	MaxSyncFiles       int   `envconfig:"MAX_SYNC_FILES" default:"2000"`
	MaxSyncPages       int   `envconfig:"MAX_SYNC_PAGES" default:"50"`
	MaxFileSizeMB      int64 `envconfig:"MAX_FILE_SIZE_MB" default:"100"`
	UserStorageQuotaMB int64 `envconfig:"USER_STORAGE_QUOTA_MB" default:"5120"`

	EnableEnrichWorker bool   `envconfig:"ENABLE_ENRICH_WORKER" default:"true"`
	SweepIntervalHours int    `envconfig:"SWEEP_INTERVAL_HOURS" default:"0"`
	MigrationPath      string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root.
	// Ignore errors, as env vars might be set in the shell.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.StorageBucket == "" {
		return fmt.Errorf("%w: STORAGE_BUCKET", ErrMissingRequired)
	}
	if c.TokenSealKey != "" && len(c.TokenSealKey) != 32 {
		return fmt.Errorf("TOKEN_SEAL_KEY must be 32 bytes, got %d", len(c.TokenSealKey))
	}
	return nil
}

func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMB * 1024 * 1024
}

func (c *Config) UserStorageQuotaBytes() int64 {
	return c.UserStorageQuotaMB * 1024 * 1024
}
