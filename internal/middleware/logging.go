// Package middleware wraps the small net/http surface this engine actually
// exposes — the /metrics scrape endpoint and the /healthz, /readyz, /livez
// probes — with request logging and panic recovery. There is no domain
// object (obj_id, chunk_id, stream_id) attached to a scrape or probe
// request, so these stay HTTP-shaped rather than reusing
// internal/telemetry.Stage's pipeline-stage vocabulary.
package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingMiddleware logs one structured entry per request against the
// engine's observability endpoints. Unlike an S3 gateway's request log,
// these endpoints are GET-only and carry no request body worth sizing, so
// only the response side is measured.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rec.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rec.bytesWritten,
			}).Info("observability endpoint request")
		})
	}
}

// statusRecorder captures the status code and byte count of a response so
// LoggingMiddleware can report them after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytesWritten += int64(n)
	return n, err
}
