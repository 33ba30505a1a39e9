package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/pixiserve/pixisync/shared"
	"github.com/rodaine/table"
)

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		panic(fmt.Errorf("failed to ping DB: %w", err))
	}
	if err := s.blobs.Ping(r.Context()); err != nil {
		panic(fmt.Errorf("failed to ping %s blob store: %w", s.blobs.Type(), err))
	}
	w.Write([]byte("OK"))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	numDevices, err := s.db.CountAllDevices(r.Context())
	checkGormError(err)

	numUsers, err := s.db.DistinctUsers(r.Context())
	checkGormError(err)

	numAssets, err := s.db.CountAllAssets(r.Context())
	checkGormError(err)

	_, _ = fmt.Fprintf(w, "Num devices: %d\n", numDevices)
	_, _ = fmt.Fprintf(w, "Num users: %d\n", numUsers)
	_, _ = fmt.Fprintf(w, "Num assets: %d\n", numAssets)
	_, _ = fmt.Fprintf(w, "Blob store: %s\n", s.blobs.Type())
}

func (s *Server) deviceStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.AllDeviceStats(r.Context())
	checkGormError(err)

	tbl := table.New("Registration Date", "User", "Device", "Type", "Version", "Last Sync", "Uploaded", "Bytes", "Active")
	tbl.WithWriter(w)
	for _, d := range stats {
		lastSync := ""
		if d.LastSyncAt != nil {
			lastSync = d.LastSyncAt.Format(shared.DateOnly)
		}
		tbl.AddRow(
			d.RegistrationDate.Format(shared.DateOnly),
			d.UserId,
			d.DeviceId,
			d.DeviceType,
			strings.TrimSpace(d.AppVersion),
			lastSync,
			d.TotalUploaded,
			byteCountToString(int(d.TotalBytesUploaded)),
			d.IsActive,
		)
	}
	tbl.Print()
}

func (s *Server) wipeDbEntriesHandler(w http.ResponseWriter, r *http.Request) {
	if s.isProductionEnvironment {
		panic("refusing to wipe the DB for prod")
	}
	if !s.isTestEnvironment {
		panic("refusing to wipe the DB non-test environment")
	}

	err := s.db.Unsafe_DeleteAllAssets(r.Context())
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
