package chunkstore

import (
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/strata/internal/errs"
)

var bucketChunks = []byte("chunks")

// InventoryCache mirrors the chunk store's directory listing in a small
// embedded bbolt database, so a heartbeat send between Store/Delete calls
// does not need a full directory scan — adapted from the teacher's
// pkg/storage.BoltStore bucket-per-entity layout, narrowed to one bucket
// keyed by chunk id.
type InventoryCache struct {
	db *bolt.DB
}

// OpenInventoryCache opens (creating if absent) a bbolt database at
// dir/inventory.db.
func OpenInventoryCache(dir string) (*InventoryCache, error) {
	db, err := bolt.Open(filepath.Join(dir, "inventory.db"), 0o600, nil)
	if err != nil {
		return nil, errs.WrapStorageFailure(err, "open inventory cache")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	}); err != nil {
		db.Close()
		return nil, errs.WrapStorageFailure(err, "create inventory bucket")
	}
	return &InventoryCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *InventoryCache) Close() error { return c.db.Close() }

// Add records chunkID as present.
func (c *InventoryCache) Add(chunkID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put([]byte(chunkID), []byte{1})
	})
}

// Remove drops chunkID from the cache.
func (c *InventoryCache) Remove(chunkID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete([]byte(chunkID))
	})
}

// List returns every chunk id currently recorded.
func (c *InventoryCache) List() ([]string, error) {
	var ids []string
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Rebuild replaces the cache's entire contents with ids, used to resync
// against a directory scan on startup or after detected drift.
func (c *InventoryCache) Rebuild(ids []string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketChunks); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketChunks)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := b.Put([]byte(id), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}
