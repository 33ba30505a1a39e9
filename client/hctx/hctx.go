package hctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pixiserve/pixisync/client/data"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	// Needed to use sqlite without CGO
	"github.com/glebarez/sqlite"
)

const (
	DefaultServerURL         = "http://localhost:8080"
	DefaultUploadConcurrency = 3
)

var (
	pixisyncLogger *logrus.Logger
	getLoggerOnce  sync.Once
)

func GetLogger() *logrus.Logger {
	getLoggerOnce.Do(func() {
		err := MakePixisyncDir()
		if err != nil {
			panic(err)
		}

		lumberjackLogger := &lumberjack.Logger{
			Filename:   path.Join(data.GetPixisyncPath(), data.LOG_PATH),
			MaxSize:    1, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
		}

		logFormatter := new(logrus.TextFormatter)
		logFormatter.TimestampFormat = time.RFC3339
		logFormatter.FullTimestamp = true

		pixisyncLogger = logrus.New()
		pixisyncLogger.SetFormatter(logFormatter)
		pixisyncLogger.SetLevel(logrus.InfoLevel)
		pixisyncLogger.SetOutput(lumberjackLogger)
	})
	return pixisyncLogger
}

func MakePixisyncDir() error {
	err := os.MkdirAll(data.GetPixisyncPath(), 0o744)
	if err != nil {
		return fmt.Errorf("failed to create pixisync dir: %w", err)
	}
	return nil
}

func OpenLocalSqliteDb() (*gorm.DB, error) {
	err := MakePixisyncDir()
	if err != nil {
		return nil, err
	}
	newLogger := logger.New(
		GetLogger().WithField("fromSQL", true),
		logger.Config{
			SlowThreshold:             100 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: false,
			Colorful:                  false,
		},
	)
	dbFilePath := path.Join(data.GetPixisyncPath(), data.DB_PATH)
	dsn := fmt.Sprintf("file:%s?mode=rwc&_journal_mode=WAL", dbFilePath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true, Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the DB: %w", err)
	}
	tx, err := db.DB()
	if err != nil {
		return nil, err
	}
	err = tx.Ping()
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&data.UploadRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate the local DB: %w", err)
	}
	db.Exec("PRAGMA journal_mode = WAL")
	return db, nil
}

type pixisyncContextKey string

func MakeContext() context.Context {
	ctx := context.Background()
	config, err := GetConfig()
	if err != nil {
		panic(fmt.Errorf("failed to retrieve config: %w", err))
	}
	ctx = context.WithValue(ctx, pixisyncContextKey("config"), &config)
	db, err := OpenLocalSqliteDb()
	if err != nil {
		panic(fmt.Errorf("failed to open local DB: %w", err))
	}
	ctx = context.WithValue(ctx, pixisyncContextKey("db"), db)
	ctx = context.WithValue(ctx, pixisyncContextKey("home"), data.GetPixisyncPath())
	return ctx
}

func GetConf(ctx context.Context) *ClientConfig {
	v := ctx.Value(pixisyncContextKey("config"))
	if v != nil {
		return v.(*ClientConfig)
	}
	panic(fmt.Errorf("failed to find config in ctx"))
}

func GetDb(ctx context.Context) *gorm.DB {
	v := ctx.Value(pixisyncContextKey("db"))
	if v != nil {
		return v.(*gorm.DB)
	}
	panic(fmt.Errorf("failed to find db in ctx"))
}

func GetHome(ctx context.Context) string {
	v := ctx.Value(pixisyncContextKey("home"))
	if v != nil {
		return v.(string)
	}
	panic(fmt.Errorf("failed to find home in ctx"))
}

type ClientConfig struct {
	// A device ID used by the server to track this device's cursor and upload counters
	DeviceId   string            `json:"device_id" yaml:"device_id"`
	DeviceName string            `json:"device_name" yaml:"device_name"`
	DeviceType shared.DeviceType `json:"device_type" yaml:"device_type"`
	ServerURL  string            `json:"server_url" yaml:"server_url"`
	// The owner identity sent with every request
	UserId string `json:"user_id" yaml:"user_id"`
	// Root directory of the media library that gets synced
	LibraryRoot string `json:"library_root" yaml:"library_root"`
	// Checkpoint of the last completed session. Empty means a full scan.
	SyncCursor string     `json:"sync_cursor" yaml:"sync_cursor"`
	LastSyncAt *time.Time `json:"last_sync_at" yaml:"last_sync_at"`
	// Last position read from the server's change feed
	ChangesCursor     string        `json:"changes_cursor" yaml:"changes_cursor"`
	Settings          data.Settings `json:"settings" yaml:"settings"`
	UploadConcurrency int           `json:"upload_concurrency" yaml:"upload_concurrency"`
	CheckBatchSize    int           `json:"check_batch_size" yaml:"check_batch_size"`
	// Last session outcome, shown by `pixisync status` until the next successful session
	LastSessionError string `json:"last_session_error" yaml:"last_session_error"`
}

func (c *ClientConfig) IsRegistered() bool {
	return c.DeviceId != "" && c.UserId != ""
}

func GetConfigContents() ([]byte, error) {
	home := data.GetPixisyncPath()
	dat, err := os.ReadFile(path.Join(home, data.CONFIG_PATH))
	if err != nil {
		files, err := os.ReadDir(home)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file (and failed to list too): %w", err)
		}
		filenames := ""
		for _, file := range files {
			filenames += file.Name()
			filenames += ", "
		}
		return nil, fmt.Errorf("failed to read config file (files in %s: %s): %w", home, filenames, err)
	}
	return dat, nil
}

func GetConfig() (ClientConfig, error) {
	data, err := GetConfigContents()
	if err != nil {
		return ClientConfig{}, err
	}
	var config ClientConfig
	err = json.Unmarshal(data, &config)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.ServerURL == "" {
		config.ServerURL = DefaultServerURL
	}
	if config.UploadConcurrency <= 0 {
		config.UploadConcurrency = DefaultUploadConcurrency
	}
	if config.CheckBatchSize <= 0 || config.CheckBatchSize > shared.MaxCheckBatchSize {
		config.CheckBatchSize = shared.DefaultCheckBatchSize
	}
	if config.DeviceType == "" {
		config.DeviceType = shared.DeviceTypeDesktop
	}
	return config, nil
}

func SetConfig(config *ClientConfig) error {
	serializedConfig, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	err = MakePixisyncDir()
	if err != nil {
		return err
	}
	configPath := path.Join(data.GetPixisyncPath(), data.CONFIG_PATH)
	stagedConfigPath := configPath + ".tmp"
	err = os.WriteFile(stagedConfigPath, serializedConfig, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	err = os.Rename(stagedConfigPath, configPath)
	if err != nil {
		return fmt.Errorf("failed to replace config file with the updated version: %w", err)
	}
	return nil
}

func InitConfig() error {
	_, err := os.Stat(path.Join(data.GetPixisyncPath(), data.CONFIG_PATH))
	if errors.Is(err, os.ErrNotExist) {
		return SetConfig(&ClientConfig{Settings: data.DefaultSettings()})
	}
	return err
}
