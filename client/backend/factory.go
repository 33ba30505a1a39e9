package backend

import (
	"fmt"
)

// Config holds the minimal configuration needed to create a backend.
// This avoids circular imports with the hctx package.
type Config struct {
	// BackendType is "http" (default)
	BackendType string

	ServerURL string

	UserId string

	// DeviceId is this device's unique identifier
	DeviceId string

	// Version is the client version for HTTP headers
	Version string
}

func NewBackendFromConfig(cfg Config) (SyncBackend, error) {
	switch BackendType(cfg.BackendType) {
	case BackendTypeHTTP, "":
		opts := []HTTPBackendOption{
			WithVersion(cfg.Version),
			WithHeadersCallback(func() (string, string) {
				return cfg.DeviceId, cfg.UserId
			}),
		}
		if cfg.ServerURL != "" {
			opts = append(opts, WithServerURL(cfg.ServerURL))
		}
		return NewHTTPBackend(opts...), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.BackendType)
	}
}
