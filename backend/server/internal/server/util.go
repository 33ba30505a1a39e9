package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	pprofhttp "net/http/pprof"
	"os"
	"runtime"

	"github.com/pixiserve/pixisync/shared"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

// admitsUser reports whether userId may register a device under the configured user cap. Users
// that already have a device are always admitted.
func (s *Server) admitsUser(ctx context.Context, userId string) bool {
	if s.maxUsers <= 0 {
		return true
	}
	known, err := s.db.UserExists(ctx, userId)
	checkGormError(err)
	if known {
		return true
	}
	numDistinctUsers, err := s.db.DistinctUsers(ctx)
	checkGormError(err)
	return numDistinctUsers < int64(s.maxUsers)
}

// configureObservability starts the datadog tracer and profiler and mounts pprof. The returned
// func stops them.
func (s *Server) configureObservability(mux *httptrace.ServeMux) func() {
	err := profiler.Start(
		profiler.WithService("pixisync-api"),
		profiler.WithVersion(s.releaseVersion),
		profiler.WithAPIKey(os.Getenv("DD_API_KEY")),
		profiler.WithUDS(s.traceUDS),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	)
	if err != nil {
		s.logger.Warnf("Failed to start DataDog profiler: %v", err)
	}
	tracer.Start(
		tracer.WithRuntimeMetrics(),
		tracer.WithService("pixisync-api"),
		tracer.WithServiceVersion(s.releaseVersion),
		tracer.WithUDS(s.traceUDS),
	)

	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)

	return func() {
		profiler.Stop()
		tracer.Stop()
	}
}

func getClientVersion(r *http.Request) string {
	return r.Header.Get(shared.VersionHeader)
}

func getRemoteAddr(r *http.Request) string {
	if addr := r.Header.Get("X-Real-Ip"); addr != "" {
		return addr
	}
	return r.RemoteAddr
}

// getUserId returns the caller's identity. Authentication happens upstream of this server, which
// forwards the authenticated user in a header.
func getUserId(w http.ResponseWriter, r *http.Request) (string, bool) {
	userId := r.Header.Get(shared.UserIdHeader)
	if userId == "" {
		http.Error(w, "missing "+shared.UserIdHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return userId, true
}

// checkGormError panics on unexpected DB failures. withPanicGuard answers them with a 500.
func checkGormError(err error) {
	if err == nil {
		return
	}
	_, filename, line, _ := runtime.Caller(1)
	panic(fmt.Sprintf("DB error at %s:%d: %v", filename, line, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Errorf("failed to JSON marshall the response: %w", err))
	}
}
