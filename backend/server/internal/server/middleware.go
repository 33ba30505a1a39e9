package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pixiserve/pixisync/shared"
	"github.com/sirupsen/logrus"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/ext"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// statusRecorder remembers what a handler wrote so that it can be logged afterwards.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func byteCountToString(b int) string {
	const unit = 1000
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMG"[exp])
}

type Middleware func(http.Handler) http.Handler

// mergeMiddlewares runs the given middlewares with the first one outermost.
func mergeMiddlewares(middlewares ...Middleware) Middleware {
	return func(h http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// withLogging logs one line per request to route, including requests that panic. The panic is
// re-raised after logging.
func withLogging(route string, s *statsd.Client, logger logrus.FieldLogger) Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: rw}
			start := time.Now()
			span, ctx := tracer.StartSpanFromContext(
				r.Context(),
				"http.request",
				tracer.ResourceName(route),
				tracer.SpanType(ext.SpanTypeWeb),
				tracer.ServiceName("pixisync-api"),
			)
			defer span.Finish()

			fields := func() logrus.Fields {
				return logrus.Fields{
					"remote":   getRemoteAddr(r),
					"route":    route,
					"uri":      r.RequestURI,
					"version":  getClientVersion(r),
					"device":   r.Header.Get(shared.DeviceIdHeader),
					"duration": time.Since(start).String(),
					"size":     byteCountToString(rec.size),
				}
			}
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(fields()).WithField("panic", err).Error("Request panicked")
					panic(err)
				}
			}()

			h.ServeHTTP(rec, r.WithContext(ctx))

			span.SetTag(ext.HTTPCode, rec.status)
			logger.WithFields(fields()).WithField("status", rec.status).Info("Handled request")
			if s != nil {
				tags := []string{"route:" + route, fmt.Sprintf("status:%d", rec.status)}
				s.Distribution("pixisync.request_duration", float64(time.Since(start).Microseconds())/1_000, tags, 1.0)
				s.Incr("pixisync.request", tags, 1.0)
			}
		})
	}
}

// withPanicGuard turns a panic into a 500 so that one bad request cannot take the server down.
func withPanicGuard(logger logrus.FieldLogger) Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("panic: %s", r)
					rw.WriteHeader(http.StatusInternalServerError)
				}
			}()
			h.ServeHTTP(rw, r)
		})
	}
}
