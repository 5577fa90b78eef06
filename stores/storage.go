package stores

import (
	"context"
	"fmt"
	"io"

	"github.com/nppfnppf20/markup/config"
	"github.com/nppfnppf20/markup/core"
	"github.com/nppfnppf20/markup/stores/aws"
	"github.com/nppfnppf20/markup/stores/filesystem"
	"github.com/nppfnppf20/markup/stores/memory"
	"github.com/nppfnppf20/markup/stores/postgres"
	"github.com/nppfnppf20/markup/stores/redis"
	"github.com/nppfnppf20/markup/stores/sqlite"
	"github.com/nppfnppf20/markup/stores/sqlstore"
	"github.com/sirupsen/logrus"
)

// Store is a union interface of a backend that also grants locks.
type Store interface {
	core.DocumentStore
	core.LockStore
}

// GetStore opens the document backend named by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.DocumentStore, error) {
	var store core.DocumentStore
	var err error

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case config.StorageFilesystem:
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath)
	case config.StorageSQLite:
		storageField["dataSourceName"] = cfg.DataSourceName
		store, err = sqlite.NewStore(ctx, cfg.DataSourceName, sqlstore.WithLockTTL(cfg.LockTTL))
	case config.StoragePostgres:
		store, err = postgres.NewStore(ctx, cfg.DatabaseURL, sqlstore.WithLockTTL(cfg.LockTTL))
	case config.StorageS3:
		storageField["bucketName"] = cfg.S3BucketName
		store, err = aws.NewStore(ctx, cfg.S3BucketName)
	default:
		store = memory.NewStore(memory.WithLockTTL(cfg.LockTTL))
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.StorageType, err)
	}
	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}

// GetLockStore opens the lock backend named by cfg.LockStore. When docs is
// the same kind of database it is reused instead of opening a second
// connection.
func GetLockStore(ctx context.Context, cfg *config.Config, docs core.DocumentStore) (core.LockStore, error) {
	var locks core.LockStore
	var err error

	lockField := logrus.Fields{"lockStore": cfg.LockStore, "ttl": cfg.LockTTL}

	shared, canShare := docs.(Store)
	switch {
	case cfg.LockStore == config.LocksRedis:
		locks, err = redis.NewRedisStore(cfg.RedisURL, cfg.LockTTL)
	case cfg.LockStore == config.LocksSQLite && cfg.StorageType == config.StorageSQLite && canShare,
		cfg.LockStore == config.LocksPostgres && cfg.StorageType == config.StoragePostgres && canShare,
		cfg.LockStore == config.LocksMemory && cfg.StorageType == config.StorageMemory && canShare:
		locks = shared
		lockField["shared"] = true
	case cfg.LockStore == config.LocksSQLite:
		locks, err = sqlite.NewStore(ctx, cfg.DataSourceName, sqlstore.WithLockTTL(cfg.LockTTL))
	case cfg.LockStore == config.LocksPostgres:
		locks, err = postgres.NewStore(ctx, cfg.DatabaseURL, sqlstore.WithLockTTL(cfg.LockTTL))
	default:
		locks = memory.NewStore(memory.WithLockTTL(cfg.LockTTL))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s lock store: %w", cfg.LockStore, err)
	}
	logrus.WithFields(lockField).Info("Use lock store")
	return locks, nil
}

// Close closes v if it holds resources.
func Close(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}
}
