package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/lock"
	"github.com/sirupsen/logrus"
)

// Storage backends for documents.
const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageSQLite     = "sqlite"
	StorageS3         = "s3"
	StoragePostgres   = "postgres"
)

// Lock backends. SQLite and Postgres share the document database.
const (
	LocksMemory   = "memory"
	LocksRedis    = "redis"
	LocksSQLite   = "sqlite"
	LocksPostgres = "postgres"
)

type Config struct {
	StorageType      string
	LocalStoragePath string
	DataSourceName   string
	S3BucketName     string
	DatabaseURL      string
	LockStore        string
	RedisURL         string
	LockTTL          time.Duration
	JWTSecret        string
	CORSOrigins      []string
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found")
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from environment variables.
func FromEnv() (*Config, error) {
	ttl, err := time.ParseDuration(getEnv("LOCK_TTL", core.DefaultLockTTL.String()))
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_TTL: %w", err)
	}

	cfg := &Config{
		StorageType:      getEnv("STORAGE_TYPE", StorageMemory),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./data"),
		DataSourceName:   getEnv("DATA_SOURCE_NAME", "markup.db"),
		S3BucketName:     getEnv("S3_BUCKET_NAME", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		LockStore:        getEnv("LOCK_STORE", LocksMemory),
		RedisURL:         getEnv("REDIS_URL", ""),
		LockTTL:          ttl,
		JWTSecret:        getEnv("JWT_SECRET", ""),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "https://*,http://*")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.StorageType, validation.Required,
			validation.In(StorageMemory, StorageFilesystem, StorageSQLite, StorageS3, StoragePostgres)),
		validation.Field(&c.LocalStoragePath, validation.When(c.StorageType == StorageFilesystem, validation.Required)),
		validation.Field(&c.S3BucketName, validation.When(c.StorageType == StorageS3, validation.Required)),
		validation.Field(&c.DatabaseURL, validation.When(c.StorageType == StoragePostgres || c.LockStore == LocksPostgres, validation.Required)),
		validation.Field(&c.LockStore, validation.Required,
			validation.In(LocksMemory, LocksRedis, LocksSQLite, LocksPostgres)),
		validation.Field(&c.RedisURL, validation.When(c.LockStore == LocksRedis, validation.Required)),
		// A lock must survive the gap between two heartbeats.
		validation.Field(&c.LockTTL, validation.Min(lock.HeartbeatInterval).Exclusive()),
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
