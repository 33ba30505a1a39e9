package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pixiserve/pixisync/backend/server/internal/blobstore"
	"github.com/pixiserve/pixisync/backend/server/internal/config"
	"github.com/pixiserve/pixisync/backend/server/internal/database"
	"github.com/pixiserve/pixisync/backend/server/internal/server"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ReleaseVersion string = "UNKNOWN"

func OpenDB(cfg *config.Config) (*database.DB, error) {
	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var db *database.DB
	var err error
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		db, err = database.OpenPostgres(cfg.DatabaseDSN, gormConfig)
	default:
		db, err = database.OpenSQLite(cfg.DatabaseDSN, gormConfig)
		if err == nil {
			db.Exec("PRAGMA journal_mode = WAL")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the DB: %w", err)
	}
	if err := db.AddDatabaseTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.CreateIndices(); err != nil {
		return nil, fmt.Errorf("failed to create indices: %w", err)
	}
	return db, nil
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if ReleaseVersion == "UNKNOWN" && cfg.IsProduction() {
		panic("server.go was built without a ReleaseVersion!")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := OpenDB(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal(err)
	}

	blobs, err := blobstore.NewFromConfig(ctx, cfg.Blobs)
	if err != nil {
		log.Fatalf("failed to open blob store: %v", err)
	}

	options := []server.Option{
		server.WithLogger(log),
		server.WithReleaseVersion(ReleaseVersion),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes),
		server.WithMaxUsers(cfg.MaxUsers),
		server.WithTraceUDS(cfg.TraceUDS),
		server.WithTempDir(cfg.TempDir),
		server.IsProductionEnvironment(cfg.IsProduction()),
		server.IsTestEnvironment(cfg.IsTest()),
	}
	if cfg.StatsdAddr != "" {
		statsdClient, err := statsd.New(cfg.StatsdAddr)
		if err != nil {
			log.Fatalf("failed to start statsd client: %v", err)
		}
		defer statsdClient.Close()
		options = append(options, server.WithStatsd(statsdClient))
	}

	s := server.NewServer(db, blobs, options...)
	if err := s.Run(ctx, cfg.ListenAddr); err != nil {
		log.Fatal(err)
	}
}
