package shared

import (
	"encoding/hex"
	"fmt"
	"time"
)

const (
	DateOnly = "2006-01-02"

	UserIdHeader   = "X-Pixisync-User-Id"
	DeviceIdHeader = "X-Pixisync-Device-Id"
	VersionHeader  = "X-Pixisync-Version"

	// The number of fingerprints sent in a single existence check.
	DefaultCheckBatchSize = 100
	// The maximum number of fingerprints the server accepts in a single existence check.
	MaxCheckBatchSize = 1000

	DefaultChangesLimit = 100
	MaxChangesLimit     = 1000
)

// Fingerprint is the SHA-256 digest of an asset's bytes. It is the identity used for
// deduplication, independent of filenames and metadata.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(b []byte) error {
	parsed, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if len(s) != hex.EncodedLen(len(f)) {
		return f, fmt.Errorf("fingerprint %#v has length %d, expected %d", s, len(s), hex.EncodedLen(len(f)))
	}
	if _, err := hex.Decode(f[:], []byte(s)); err != nil {
		return f, fmt.Errorf("fingerprint %#v is not valid hex: %w", s, err)
	}
	return f, nil
}

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

type DeviceType string

const (
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeWeb     DeviceType = "web"
	DeviceTypeDesktop DeviceType = "desktop"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeAndroid, DeviceTypeIOS, DeviceTypeWeb, DeviceTypeDesktop:
		return true
	}
	return false
}

type RegisterDeviceRequest struct {
	DeviceId   string     `json:"device_id"`
	DeviceName string     `json:"device_name"`
	DeviceType DeviceType `json:"device_type"`
	AppVersion string     `json:"app_version"`
}

type DeviceInfo struct {
	DeviceId           string     `json:"device_id"`
	DeviceName         string     `json:"device_name"`
	DeviceType         DeviceType `json:"device_type"`
	AppVersion         string     `json:"app_version"`
	SyncCursor         string     `json:"sync_cursor,omitempty"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	TotalUploaded      int64      `json:"total_uploaded"`
	TotalBytesUploaded int64      `json:"total_bytes_uploaded"`
	IsActive           bool       `json:"is_active"`
	RegisteredAt       time.Time  `json:"registered_at"`
}

type CheckRequest struct {
	Fingerprints []Fingerprint `json:"fingerprints"`
}

// CheckResponse partitions the requested fingerprints. Both lists preserve the request order.
type CheckResponse struct {
	Existing []Fingerprint `json:"existing"`
	Missing  []Fingerprint `json:"missing"`
}

type AssetRecord struct {
	Id          string      `json:"id"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Filename    string      `json:"filename"`
	MimeType    string      `json:"mime_type"`
	Kind        MediaKind   `json:"kind"`
	Size        int64       `json:"size"`
	CapturedAt  *time.Time  `json:"captured_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	// Position of this record in the owner's change feed.
	Seq int64 `json:"seq"`
}

type IngestResponse struct {
	Asset       AssetRecord `json:"asset"`
	IsDuplicate bool        `json:"is_duplicate"`
}

type ChangesResponse struct {
	Items      []AssetRecord `json:"items"`
	NextCursor string        `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

type CursorUpdate struct {
	Cursor string `json:"cursor"`
}

type SyncStatus struct {
	DeviceId          string     `json:"device_id"`
	LastSyncAt        *time.Time `json:"last_sync_at,omitempty"`
	SyncCursor        string     `json:"sync_cursor,omitempty"`
	TotalAssets       int64      `json:"total_assets"`
	AssetsSinceCursor int64      `json:"assets_since_cursor"`
}
