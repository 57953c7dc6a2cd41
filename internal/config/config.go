// Package config loads configuration from environment variables.
//
// A .env file in the working directory is loaded automatically; real
// environment variables take precedence over it.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// StorageConfig selects and configures the storage backend. It is built once
// at process start and handed to storage.Select; nothing else reads the
// storage environment.
type StorageConfig struct {
	// Remote object store
	AccessKey   string
	SecretKey   string
	Region      string
	BucketName  string
	EndpointURL string

	// Local filesystem
	BaseDirectory string

	// PublicBaseURL prefixes signed links handed out by the local backend.
	PublicBaseURL string
	SigningSecret string

	// OpTimeout bounds every single backend call.
	OpTimeout time.Duration
}

// RemoteComplete reports whether enough remote settings are present to use
// the object store instead of the local filesystem.
func (c StorageConfig) RemoteComplete() bool {
	return c.AccessKey != "" && c.SecretKey != "" && c.BucketName != ""
}

// Config holds all server, worker and CLI configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database: postgres://... or sqlite://path
	DatabaseURL string

	Storage StorageConfig

	// Key layout
	AssetPrefix   string
	StagingPrefix string

	// Retention sweep
	SweepCutoffDays int
	SweepInterval   time.Duration
	SweepRate       float64

	// Queue
	RedisAddr         string
	RedisPassword     string
	WorkerConcurrency int

	// Uploads
	MaxUploadSize  int64
	MaxArchiveSize int64
	// Decompressed bound per archive entry.
	MaxImportEntrySize int64

	// Comma-separated; empty disables CORS.
	CORSOrigins []string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr: envOr("METRICS_ADDR", ":9090"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		DatabaseURL: envOr("DATABASE_URL", "sqlite://assetspace.db"),
		Storage: StorageConfig{
			AccessKey:     envOr("S3_ACCESS_KEY", ""),
			SecretKey:     envOr("S3_SECRET_KEY", ""),
			Region:        envOr("S3_REGION", "us-east-1"),
			BucketName:    envOr("S3_BUCKET", ""),
			EndpointURL:   envOr("S3_ENDPOINT", ""),
			BaseDirectory: envOr("LOCAL_STORAGE_PATH", "./data/storage"),
			PublicBaseURL: strings.TrimSuffix(envOr("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
			SigningSecret: envOr("URL_SIGNING_SECRET", ""),
			OpTimeout:     envDuration("STORAGE_OP_TIMEOUT", 30*time.Second),
		},
		AssetPrefix:        strings.Trim(envOr("ASSET_PREFIX", "assets"), "/"),
		StagingPrefix:      strings.Trim(envOr("STAGING_PREFIX", "imports"), "/"),
		SweepCutoffDays:    envInt("SWEEP_CUTOFF_DAYS", 1),
		SweepInterval:      envDuration("SWEEP_INTERVAL", 24*time.Hour),
		SweepRate:          envFloat("SWEEP_RATE", 50),
		RedisAddr:          envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      envOr("REDIS_PASSWORD", ""),
		WorkerConcurrency:  envInt("WORKER_CONCURRENCY", 10),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 100*1024*1024),  // 100MB
		MaxArchiveSize:     envInt64("MAX_ARCHIVE_SIZE", 512*1024*1024), // 512MB
		MaxImportEntrySize: envInt64("MAX_IMPORT_ENTRY_SIZE", 100*1024*1024),
		CORSOrigins:        envList("CORS_ORIGINS"),
	}

	if cfg.Storage.SigningSecret == "" {
		// Links signed with a per-process secret stop verifying on restart.
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		cfg.Storage.SigningSecret = hex.EncodeToString(secret)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.AssetPrefix == "" {
		return fmt.Errorf("ASSET_PREFIX must not be empty")
	}
	if c.StagingPrefix == "" || c.StagingPrefix == c.AssetPrefix {
		return fmt.Errorf("STAGING_PREFIX must be set and differ from ASSET_PREFIX")
	}
	if c.SweepCutoffDays < 0 {
		return fmt.Errorf("SWEEP_CUTOFF_DAYS must be >= 0, got %d", c.SweepCutoffDays)
	}
	if c.SweepRate <= 0 {
		return fmt.Errorf("SWEEP_RATE must be > 0")
	}
	if c.Storage.OpTimeout <= 0 {
		return fmt.Errorf("STORAGE_OP_TIMEOUT must be > 0")
	}
	return nil
}

// SweepCutoff converts the configured day count into a duration.
func (c *Config) SweepCutoff() time.Duration {
	return time.Duration(c.SweepCutoffDays) * 24 * time.Hour
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
