// Package cache provides optional blob content caching using NutsDB.
// Blobs are content-addressed and immutable, so cached values never go
// stale; the cache only bounds what it stores by size.
package cache

import (
	"log/slog"

	"github.com/nutsdb/nutsdb"
)

const blobBucket = "blob_cache"

// MaxBlobSize is the largest blob the cache will store. Bigger blobs are
// served straight from the repository every time.
const MaxBlobSize = 4 * 1024 * 1024

// BlobCache caches git blob content keyed by blob hash.
type BlobCache struct {
	db     *nutsdb.DB
	logger *slog.Logger
}

// New creates a blob cache at the specified directory.
func New(dir string, logger *slog.Logger) (*BlobCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cache")

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(dir),
		nutsdb.WithSegmentSize(64*1024*1024),
		nutsdb.WithRWMode(nutsdb.MMap),
	)
	if err != nil {
		logger.Error("failed to open cache database", "dir", dir, "error", err)
		return nil, err
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, blobBucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to create cache bucket", "error", err)
		db.Close()
		return nil, err
	}

	logger.Info("blob cache initialized", "dir", dir)
	return &BlobCache{db: db, logger: logger}, nil
}

// Get returns the cached content for a blob hash.
func (c *BlobCache) Get(blobHash string) ([]byte, bool) {
	var content []byte
	err := c.db.View(func(tx *nutsdb.Tx) error {
		val, err := tx.Get(blobBucket, []byte(blobHash))
		if err != nil {
			return err
		}
		content = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, false
	}
	c.logger.Debug("cache hit", "blob", blobHash, "size", len(content))
	return content, true
}

// Put stores blob content. Oversized blobs are silently skipped.
func (c *BlobCache) Put(blobHash string, content []byte) error {
	if len(content) > MaxBlobSize {
		c.logger.Debug("blob too large to cache", "blob", blobHash, "size", len(content))
		return nil
	}
	err := c.db.Update(func(tx *nutsdb.Tx) error {
		return tx.Put(blobBucket, []byte(blobHash), content, nutsdb.Persistent)
	})
	if err != nil {
		c.logger.Warn("failed to cache blob", "blob", blobHash, "error", err)
		return err
	}
	c.logger.Debug("cached blob", "blob", blobHash, "size", len(content))
	return nil
}

// Close closes the cache database.
func (c *BlobCache) Close() error {
	c.logger.Info("closing blob cache")
	return c.db.Close()
}
