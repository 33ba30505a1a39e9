package lib

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
	"github.com/pixiserve/pixisync/client/backend"
	"github.com/pixiserve/pixisync/client/cursor"
	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/client/dedup"
	"github.com/pixiserve/pixisync/client/engine"
	"github.com/pixiserve/pixisync/client/hasher"
	"github.com/pixiserve/pixisync/client/hctx"
	"github.com/pixiserve/pixisync/client/media"
	"github.com/pixiserve/pixisync/client/upload"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
)

var (
	Version   string = "Unknown"
	GitCommit string = "Unknown"
)

func CheckFatalError(err error) {
	if err != nil {
		_, filename, line, _ := runtime.Caller(1)
		log.Fatalf("pixisync v0.%s fatal error at %s:%d: %v", Version, filename, line, err)
	}
}

func MakeBackend(config *hctx.ClientConfig) (backend.SyncBackend, error) {
	return backend.NewBackendFromConfig(backend.Config{
		ServerURL: config.ServerURL,
		UserId:    config.UserId,
		DeviceId:  config.DeviceId,
		Version:   "0." + Version,
	})
}

type RegisterOptions struct {
	UserId      string
	ServerURL   string
	LibraryRoot string
	DeviceName  string
	DeviceType  shared.DeviceType
}

// Register gives the device an id if it has none yet, announces it to the server and saves the
// config. Registering again is harmless and updates the name and version the server shows.
func Register(ctx context.Context, config *hctx.ClientConfig, opts RegisterOptions) (*shared.DeviceInfo, error) {
	if opts.UserId != "" {
		config.UserId = opts.UserId
	}
	if config.UserId == "" {
		return nil, fmt.Errorf("a user id is required the first time this device is registered")
	}
	if opts.ServerURL != "" {
		config.ServerURL = strings.TrimSuffix(opts.ServerURL, "/")
	}
	if opts.LibraryRoot != "" {
		abs, err := filepath.Abs(opts.LibraryRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve library path %#v: %w", opts.LibraryRoot, err)
		}
		config.LibraryRoot = abs
	}
	if opts.DeviceType != "" {
		if !opts.DeviceType.Valid() {
			return nil, fmt.Errorf("invalid device type %#v", opts.DeviceType)
		}
		config.DeviceType = opts.DeviceType
	}
	if opts.DeviceName != "" {
		config.DeviceName = opts.DeviceName
	}
	if config.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		config.DeviceName = hostname
	}
	if config.DeviceId == "" {
		config.DeviceId = uuid.Must(uuid.NewRandom()).String()
	}

	b, err := MakeBackend(config)
	if err != nil {
		return nil, err
	}
	info, err := b.RegisterDevice(ctx, shared.RegisterDeviceRequest{
		DeviceId:   config.DeviceId,
		DeviceName: config.DeviceName,
		DeviceType: config.DeviceType,
		AppVersion: "0." + Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}
	if err := hctx.SetConfig(config); err != nil {
		return nil, err
	}
	return info, nil
}

// BuildEngine wires a sync engine from the persisted config. The returned func releases the
// fingerprint cache and must be called once the engine is no longer used.
func BuildEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, func(), error) {
	config := hctx.GetConf(ctx)
	if !config.IsRegistered() {
		return nil, nil, fmt.Errorf("this device is not registered, run `pixisync register` first")
	}
	if config.LibraryRoot == "" {
		return nil, nil, fmt.Errorf("no media library configured, run `pixisync config-set library-root <path>`")
	}
	logger := hctx.GetLogger()
	cache, err := hasher.OpenCache(path.Join(hctx.GetHome(ctx), data.HASH_CACHE_PATH))
	if err != nil {
		return nil, nil, err
	}
	b, err := MakeBackend(config)
	if err != nil {
		cache.Close()
		return nil, nil, err
	}
	cursors := cursor.New(config, logger, cursor.WithMirror(b))
	opts = append([]engine.Option{
		engine.WithSettings(config.Settings),
		engine.WithJournal(hctx.GetDb(ctx)),
		engine.WithNetwork(engine.EnvNetwork{}),
		engine.WithDedupOptions(dedup.WithBatchSize(config.CheckBatchSize)),
		engine.WithUploadOptions(upload.WithConcurrency(config.UploadConcurrency)),
	}, opts...)
	library := media.NewDirLibrary(config.LibraryRoot, logger)
	logger.WithFields(logrus.Fields{"library": library.Root(), "device": config.DeviceId}).Debug("Built sync engine")
	e := engine.New(library, hasher.New(cache, logger), b, cursors, logger, opts...)
	return e, func() { cache.Close() }, nil
}

// ParseTimeGenerously accepts anything dateparse understands, with _ allowed in place of spaces.
func ParseTimeGenerously(input string) (time.Time, error) {
	input = strings.ReplaceAll(input, "_", " ")
	return dateparse.ParseLocal(input)
}

type SessionSummary struct {
	SessionId  string
	Done       int
	Duplicate  int
	Failed     int
	Bytes      int64
	FinishedAt time.Time
	Failures   []*data.UploadRecord
}

// SummarizeSession folds the journal entries of one session into counts.
func SummarizeSession(records []*data.UploadRecord) *SessionSummary {
	if len(records) == 0 {
		return nil
	}
	s := &SessionSummary{SessionId: records[0].SessionId}
	for _, r := range records {
		switch data.TaskStatus(r.Status) {
		case data.TaskDone:
			s.Done++
			s.Bytes += r.Size
		case data.TaskDuplicate:
			s.Duplicate++
		case data.TaskFailed:
			s.Failed++
			s.Failures = append(s.Failures, r)
		}
		if r.RecordedAt.After(s.FinishedAt) {
			s.FinishedAt = r.RecordedAt
		}
	}
	return s
}
