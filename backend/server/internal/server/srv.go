package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pixiserve/pixisync/backend/server/internal/blobstore"
	"github.com/pixiserve/pixisync/backend/server/internal/database"
	"github.com/sirupsen/logrus"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
)

const defaultMaxUploadBytes = 4 << 30

type Server struct {
	db     *database.DB
	blobs  blobstore.Store
	statsd *statsd.Client
	logger logrus.FieldLogger

	isProductionEnvironment bool
	isTestEnvironment       bool
	releaseVersion          string
	maxUploadBytes          int64
	maxUsers                int
	traceUDS                string
	tmpDir                  string
}

type Option func(*Server)

func WithStatsd(statsd *statsd.Client) Option {
	return func(s *Server) {
		s.statsd = statsd
	}
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithReleaseVersion(releaseVersion string) Option {
	return func(s *Server) {
		s.releaseVersion = releaseVersion
	}
}

// WithMaxUploadBytes bounds the size of a single ingest request body.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

// WithMaxUsers caps the number of distinct users that may register devices. Zero means no cap.
func WithMaxUsers(n int) Option {
	return func(s *Server) {
		s.maxUsers = n
	}
}

// WithTraceUDS sets the datadog agent socket used by the tracer and profiler in production.
func WithTraceUDS(path string) Option {
	return func(s *Server) {
		s.traceUDS = path
	}
}

// WithTempDir sets where in-progress uploads are staged before they are verified.
func WithTempDir(dir string) Option {
	return func(s *Server) {
		s.tmpDir = dir
	}
}

func IsProductionEnvironment(v bool) Option {
	return func(s *Server) {
		s.isProductionEnvironment = v
	}
}

func IsTestEnvironment(v bool) Option {
	return func(s *Server) {
		s.isTestEnvironment = v
	}
}

func NewServer(db *database.DB, blobs blobstore.Store, options ...Option) *Server {
	srv := Server{
		db:             db,
		blobs:          blobs,
		logger:         logrus.StandardLogger(),
		maxUploadBytes: defaultMaxUploadBytes,
		tmpDir:         os.TempDir(),
	}
	for _, option := range options {
		option(&srv)
	}
	if srv.isProductionEnvironment && srv.isTestEnvironment {
		panic(fmt.Errorf("cannot create a server that is both a prod environment and a test environment: %#v", srv))
	}
	return &srv
}

func (s *Server) routes(mux *httptrace.ServeMux) {
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, mergeMiddlewares(withPanicGuard(s.logger), withLogging(pattern, s.statsd, s.logger))(h))
	}

	handle("POST /sync/devices", s.registerDeviceHandler)
	handle("GET /sync/devices", s.listDevicesHandler)
	handle("DELETE /sync/devices/{device_id}", s.unregisterDeviceHandler)
	handle("POST /sync/check", s.checkHandler)
	handle("POST /assets", s.ingestHandler)
	handle("GET /sync/changes/{device_id}", s.changesHandler)
	handle("PUT /sync/cursor/{device_id}", s.putCursorHandler)
	handle("GET /sync/status/{device_id}", s.statusHandler)
	handle("GET /healthcheck", s.healthCheckHandler)
	handle("GET /internal/api/v1/stats", s.statsHandler)
	handle("GET /internal/api/v1/device-stats", s.deviceStatsHandler)
	if s.isTestEnvironment {
		handle("POST /api/v1/wipe-db-entries", s.wipeDbEntriesHandler)
	}
}

// Handler returns the fully routed API, without the production observability hooks.
func (s *Server) Handler() http.Handler {
	mux := httptrace.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) Run(ctx context.Context, addr string) error {
	mux := httptrace.NewServeMux()
	if s.isProductionEnvironment {
		defer s.configureObservability(mux)()
	}
	s.routes(mux)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("failed to gracefully shut down: %v", err)
		}
	}()

	s.logger.Infof("Listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil {
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http.ListenAndServe: %w", err)
		}
	}

	return nil
}

func (s *Server) handleNonCriticalError(err error) {
	if err != nil {
		if s.isProductionEnvironment {
			s.logger.Warnf("Unexpected non-critical error: %v", err)
		} else {
			panic(fmt.Errorf("unexpected non-critical error: %w", err))
		}
	}
}

func (s *Server) incr(name string, tags ...string) {
	if s.statsd != nil {
		s.statsd.Incr(name, tags, 1.0)
	}
}
