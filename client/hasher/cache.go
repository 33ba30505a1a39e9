package hasher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pixiserve/pixisync/shared"
	bolt "go.etcd.io/bbolt"
)

const fingerprintBucket = "fingerprints"

// Cache persists fingerprints keyed by local path. An entry is only trusted while the file's size
// and modification time still match what was recorded.
type Cache struct {
	db *bolt.DB
}

type cacheEntry struct {
	Size        int64              `json:"size"`
	ModTime     int64              `json:"mod_time"`
	Fingerprint shared.Fingerprint `json:"fingerprint"`
}

func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open fingerprint cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(fingerprintBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create fingerprint bucket: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) Lookup(path string, size int64, modTime time.Time) (shared.Fingerprint, bool) {
	var entry cacheEntry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(fingerprintBucket)).Get([]byte(path))
		if val == nil {
			return nil
		}
		if err := json.Unmarshal(val, &entry); err != nil {
			return nil
		}
		found = entry.Size == size && entry.ModTime == modTime.UnixNano()
		return nil
	})
	if !found {
		return shared.Fingerprint{}, false
	}
	return entry.Fingerprint, true
}

func (c *Cache) Store(path string, size int64, modTime time.Time, fp shared.Fingerprint) error {
	encoded, err := json.Marshal(cacheEntry{Size: size, ModTime: modTime.UnixNano(), Fingerprint: fp})
	if err != nil {
		return fmt.Errorf("couldn't marshal cache entry for %s: %w", path, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(fingerprintBucket)).Put([]byte(path), encoded)
	})
}
