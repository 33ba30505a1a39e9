// Package backend talks to the pixisync server. HTTPBackend is the only implementation; the sync
// pipeline depends on the narrow interfaces declared next to each consumer.
package backend

import (
	"context"
	"io"
	"time"

	"github.com/pixiserve/pixisync/shared"
)

// SyncBackend is the device's view of the server contract.
type SyncBackend interface {
	// POST /sync/devices. Registration is an upsert, so calling it again is harmless.
	RegisterDevice(ctx context.Context, req shared.RegisterDeviceRequest) (*shared.DeviceInfo, error)

	// GET /sync/devices
	ListDevices(ctx context.Context) ([]shared.DeviceInfo, error)

	// POST /sync/check. At most shared.MaxCheckBatchSize fingerprints per call.
	CheckFingerprints(ctx context.Context, fingerprints []shared.Fingerprint) (*shared.CheckResponse, error)

	// POST /assets. Idempotent on the fingerprint.
	Ingest(ctx context.Context, req IngestRequest) (*shared.IngestResponse, error)

	// GET /sync/changes/{device_id}
	Changes(ctx context.Context, deviceId, cursor string, limit int) (*shared.ChangesResponse, error)

	// PUT /sync/cursor/{device_id}
	PutCursor(ctx context.Context, deviceId, cursor string) error

	// GET /sync/status/{device_id}
	Status(ctx context.Context, deviceId string) (*shared.SyncStatus, error)

	// Ping checks if the server is reachable.
	Ping(ctx context.Context) error

	// Type returns the backend type identifier.
	Type() string
}

type IngestRequest struct {
	Fingerprint shared.Fingerprint
	Filename    string
	CapturedAt  time.Time
	Size        int64
	Body        io.Reader
}

// BackendType represents the type of sync backend
type BackendType string

const (
	BackendTypeHTTP BackendType = "http"
)
