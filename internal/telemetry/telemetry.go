// Package telemetry wires structured logging and OpenTelemetry tracing
// around the upload/download pipeline's stages. Stage plays the same role
// for a pipeline call that this engine's predecessor's net/http
// logging/recovery middleware played for an HTTP handler (time the call,
// recover a panic, log a structured field set) but is not that middleware
// itself: there is no http.ResponseWriter, status code, or request here,
// only a stage name and an object id. The narrow HTTP-shaped middleware
// this package takes its timing/recovery idiom from still exists in
// internal/middleware, adapted to the one real net/http surface this
// engine exposes (the observability endpoints), since Stage has nowhere to
// attach an http.Handler's response status.
package telemetry

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kenchrcum/ioengine"

// Telemetry bundles the logger and tracer shared across pipeline stages.
type Telemetry struct {
	logger *logrus.Logger
	tracer trace.Tracer
}

// New constructs a Telemetry. A nil logger falls back to logrus's
// standard logger.
func New(logger *logrus.Logger) *Telemetry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Telemetry{
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Entry returns a log entry enriched with the active span's trace ID,
// the same trace_id field the metrics package attaches to exemplars.
func (t *Telemetry) Entry(ctx context.Context) *logrus.Entry {
	entry := t.logger.WithContext(ctx)
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		entry = entry.WithField("trace_id", sc.TraceID().String())
	}
	return entry
}

// StartSpan opens a span for a pipeline stage and returns the derived
// context alongside it, for callers that need the span beyond the
// lifetime of a single Stage call (e.g. a long-running streaming copy).
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Stage runs fn inside a span named stage, logs its outcome with the
// method/path/status/duration/bytes-shaped field set the HTTP request
// logger used to emit, and recovers a panic so one chunk failure never
// takes the whole upload or download down uncaught. The recovered panic
// is surfaced to the caller as an error, never swallowed.
func (t *Telemetry) Stage(ctx context.Context, stage, objID string, fn func(ctx context.Context) (bytes int64, err error)) (resultBytes int64, err error) {
	ctx, span := t.tracer.Start(ctx, stage, trace.WithAttributes(
		attribute.String("object_id", objID),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			t.Entry(ctx).WithFields(logrus.Fields{
				"stage":  stage,
				"object": objID,
				"stack":  string(debug.Stack()),
			}).Errorf("pipeline stage panicked: %v", r)
			err = fmt.Errorf("telemetry: stage %s panicked: %v", stage, r)
		}
	}()

	resultBytes, err = fn(ctx)
	duration := time.Since(start)

	entry := t.Entry(ctx).WithFields(logrus.Fields{
		"stage":       stage,
		"object":      objID,
		"duration_ms": duration.Milliseconds(),
		"bytes":       resultBytes,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry.WithError(err).Error("pipeline stage failed")
		return resultBytes, err
	}
	span.SetStatus(codes.Ok, "")
	entry.Debug("pipeline stage completed")
	return resultBytes, nil
}
