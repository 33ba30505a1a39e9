// Package hasher computes content fingerprints of media items. Hashing always streams the source,
// so memory use does not depend on the size of the item.
package hasher

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/minio/sha256-simd"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
)

const readBufferSize = 1 << 20

// Fingerprint returns the SHA-256 digest of everything read from r.
func Fingerprint(r io.Reader) (shared.Fingerprint, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, readBufferSize))
	if err != nil {
		return shared.Fingerprint{}, n, err
	}
	var fp shared.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, n, nil
}

// FingerprintFile hashes the file at path. A file that cannot be opened or read to the end is
// reported as data.ErrUnreadableSource.
func FingerprintFile(path string) (shared.Fingerprint, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return shared.Fingerprint{}, 0, fmt.Errorf("failed to open %s: %w: %w", path, data.ErrUnreadableSource, err)
	}
	defer f.Close()
	fp, n, err := Fingerprint(f)
	if err != nil {
		return shared.Fingerprint{}, n, fmt.Errorf("failed to read %s: %w: %w", path, data.ErrUnreadableSource, err)
	}
	return fp, n, nil
}

type Hasher struct {
	cache  *Cache
	logger logrus.FieldLogger
}

// New returns a Hasher. cache may be nil, in which case every candidate is fully hashed.
func New(cache *Cache, logger logrus.FieldLogger) *Hasher {
	return &Hasher{cache: cache, logger: logger}
}

// HashCandidate fingerprints a scanned media item. If the item changed size between the scan
// and the hash it is treated as unreadable so that it is picked up again by a later session.
func (h *Hasher) HashCandidate(c *data.AssetCandidate) (shared.Fingerprint, error) {
	if h.cache != nil {
		if fp, ok := h.cache.Lookup(c.Path, c.Size, c.ModTime); ok {
			return fp, nil
		}
	}
	fp, n, err := FingerprintFile(c.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			h.logger.Infof("Skipping %s: %v", c.LocalId, err)
		} else {
			h.logger.Warnf("Skipping %s: %v", c.LocalId, err)
		}
		return shared.Fingerprint{}, err
	}
	if n != c.Size {
		return shared.Fingerprint{}, fmt.Errorf("%s changed while hashing (read %d bytes, expected %d): %w", c.LocalId, n, c.Size, data.ErrUnreadableSource)
	}
	if h.cache != nil {
		if err := h.cache.Store(c.Path, c.Size, c.ModTime, fp); err != nil {
			h.logger.Warnf("Failed to cache fingerprint for %s: %v", c.LocalId, err)
		}
	}
	return fp, nil
}
