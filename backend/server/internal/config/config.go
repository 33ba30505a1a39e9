// Package config builds the server's runtime settings. Values are layered: built-in defaults, then
// an optional JSON file (-c), then PIXISYNC_* environment variables, then command-line flags.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pixiserve/pixisync/backend/server/internal/blobstore"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	EnvProduction  = "production"
	EnvDevelopment = "development"
	EnvTest        = "test"
)

type Config struct {
	ListenAddr     string           `json:"listen_addr"`
	DatabaseDriver string           `json:"database_driver"`
	DatabaseDSN    string           `json:"database_dsn"`
	Blobs          blobstore.Config `json:"blobs"`
	MaxUploadBytes int64            `json:"max_upload_bytes"`
	TempDir        string           `json:"temp_dir"`
	StatsdAddr     string           `json:"statsd_addr"`
	Environment    string           `json:"environment"`
	// Zero means unlimited
	MaxUsers int    `json:"max_users"`
	TraceUDS string `json:"trace_uds"`
}

func (c *Config) LoadDefaults() {
	c.ListenAddr = ":8080"
	c.DatabaseDriver = DriverSQLite
	c.DatabaseDSN = "file:pixisync.db?_journal_mode=WAL"
	c.Blobs = blobstore.Config{Type: string(blobstore.StoreTypeLocal), LocalPath: "media"}
	c.MaxUploadBytes = 4 << 30
	c.Environment = EnvDevelopment
	c.TraceUDS = "/var/run/datadog/apm.socket"
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func (c *Config) IsTest() bool {
	return c.Environment == EnvTest
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown database driver %q, expected %q or %q", c.DatabaseDriver, DriverSQLite, DriverPostgres)
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxUsers < 0 {
		return fmt.Errorf("max users must not be negative, got %d", c.MaxUsers)
	}
	return nil
}

// Load builds a Config from args (without the program name) and the given environment lookup.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	fs := flag.NewFlagSet("pixisync-server", flag.ContinueOnError)
	configFile := fs.String("c", "", "path to a JSON config file")
	listenAddr := fs.String("a", "", "address and port to listen on")
	driver := fs.String("driver", "", "database driver (sqlite or postgres)")
	dsn := fs.String("d", "", "database DSN")
	blobType := fs.String("blobs", "", "blob store type (local or s3)")
	blobPath := fs.String("media", "", "root directory for the local blob store")
	maxUpload := fs.Int64("max-upload", 0, "maximum upload size in bytes")
	env := fs.String("env", "", "environment (production, development or test)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if *configFile != "" {
		if err := cfg.parseJson(*configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.parseEnv(getenv); err != nil {
		return nil, err
	}

	// Flags only override what was explicitly set
	overrideString(&cfg.ListenAddr, *listenAddr)
	overrideString(&cfg.DatabaseDriver, *driver)
	overrideString(&cfg.DatabaseDSN, *dsn)
	overrideString(&cfg.Blobs.Type, *blobType)
	overrideString(&cfg.Blobs.LocalPath, *blobPath)
	overrideString(&cfg.Environment, *env)
	if *maxUpload > 0 {
		cfg.MaxUploadBytes = *maxUpload
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseJson(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) parseEnv(getenv func(string) string) error {
	overrideString(&c.ListenAddr, getenv("PIXISYNC_LISTEN_ADDR"))
	overrideString(&c.DatabaseDriver, getenv("PIXISYNC_DB_DRIVER"))
	overrideString(&c.DatabaseDSN, getenv("PIXISYNC_DB_DSN"))
	overrideString(&c.Blobs.Type, getenv("PIXISYNC_BLOB_STORE"))
	overrideString(&c.Blobs.LocalPath, getenv("PIXISYNC_MEDIA_ROOT"))
	overrideString(&c.Blobs.S3.Bucket, getenv("PIXISYNC_S3_BUCKET"))
	overrideString(&c.Blobs.S3.Region, getenv("PIXISYNC_S3_REGION"))
	overrideString(&c.Blobs.S3.Endpoint, getenv("PIXISYNC_S3_ENDPOINT"))
	overrideString(&c.Blobs.S3.AccessKeyID, getenv("PIXISYNC_S3_ACCESS_KEY_ID"))
	overrideString(&c.TempDir, getenv("PIXISYNC_TMP_DIR"))
	overrideString(&c.StatsdAddr, getenv("PIXISYNC_STATSD_ADDR"))
	if getenv("PIXISYNC_TEST") != "" {
		c.Environment = EnvTest
	}
	overrideString(&c.Environment, strings.ToLower(getenv("PIXISYNC_ENV")))
	if v := getenv("PIXISYNC_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid PIXISYNC_MAX_UPLOAD_BYTES=%#v: %w", v, err)
		}
		c.MaxUploadBytes = n
	}
	overrideString(&c.TraceUDS, getenv("PIXISYNC_TRACE_UDS"))
	if v := getenv("PIXISYNC_MAX_NUM_USERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PIXISYNC_MAX_NUM_USERS=%#v: %w", v, err)
		}
		c.MaxUsers = n
	}
	return nil
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
