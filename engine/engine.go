// Package engine is the client-facing object I/O engine: it wires the
// splitter/encode/coalesce/map-client upload pipeline (C1-C5) and the
// range-cache/read-path/governor read side (C6-C8) into the small public
// surface callers actually need (upload, read, copy, verification-mode
// toggles), the way the teacher's own top-level gateway wired its
// middleware chain and S3 handlers around internal packages.
package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/ioengine/internal/codec"
	"github.com/kenchrcum/ioengine/internal/governor"
	"github.com/kenchrcum/ioengine/internal/ioconfig"
	"github.com/kenchrcum/ioengine/internal/ioerrors"
	"github.com/kenchrcum/ioengine/internal/mapclient"
	"github.com/kenchrcum/ioengine/internal/metrics"
	"github.com/kenchrcum/ioengine/internal/model"
	"github.com/kenchrcum/ioengine/internal/pipeline"
	"github.com/kenchrcum/ioengine/internal/rangecache"
	"github.com/kenchrcum/ioengine/internal/readpath"
	"github.com/kenchrcum/ioengine/internal/telemetry"
)

// Typed errors re-exported from their owning packages, so callers never
// need to import internal/* directly to do an errors.As check.
type (
	ErrReconstruction        = ioerrors.ErrReconstruction
	ErrTampering             = ioerrors.ErrTampering
	ErrIntegrity             = ioerrors.ErrIntegrity
	ErrUploadMap             = ioerrors.ErrUploadMap
	ErrStreamAdmissionTimeout = governor.ErrStreamAdmissionTimeout
)

// MetadataService is the full out-of-scope metadata/placement service
// boundary the engine depends on: the map client's ALLOCATE/FINALIZE RPCs,
// the read path's mapping lookups, the range cache's snapshot validator,
// the copy-fast-path's mapping reader/writer, and the final per-object
// commit the upload path performs once a batch's chunks are durable.
type MetadataService interface {
	mapclient.MetadataService
	readpath.ObjectMapper
	rangecache.Validator
	pipeline.CopySource
	CommitObject(ctx context.Context, objID string, size int64, contentType string, parts []*model.Part) error
}

// BlockStore is the storage-agent transport boundary: the write side the
// map client uses and the read side the read path uses.
type BlockStore interface {
	mapclient.BlockWriter
	readpath.BlockReader
}

// Options bundles the collaborators and tunables an Engine is built from.
type Options struct {
	Config   ioconfig.Config
	Metadata MetadataService
	Blocks   BlockStore
	Logger   *logrus.Logger
	// ReadErrorReporter receives the read path's async report_error_on_object
	// calls. Metadata's own ReportError uses mapclient's structured
	// ErrorReport shape, which is a different method signature than the
	// read path's positional one, so callers supply an adapter here (see
	// internal/fakes.ReadErrorReporter for the reference implementation).
	// Nil disables read-path error reporting.
	ReadErrorReporter readpath.ErrorReporter
	// Registry receives the engine's prometheus metrics; a nil Registry
	// uses the default global registry.
	Registry *prometheus.Registry
	// MetricsConfig controls cardinality (e.g. per-node labels); zero
	// value collapses node labels to avoid unbounded label cardinality.
	MetricsConfig metrics.Config
}

// Engine is the client-side object I/O engine. One Engine instance serves
// many concurrent uploads and reads; it holds the shared governors,
// caches, and metric/trace sinks every stream flows through.
type Engine struct {
	cfg      ioconfig.Config
	metadata MetadataService
	kernel   codec.Kernel
	byteSem  *governor.ByteSemaphore
	readSlots *governor.SlotSemaphore
	pipe     *pipeline.Pipeline
	reader   *readpath.ReadPath
	tel      *telemetry.Telemetry
	mx       *metrics.Metrics
}

// New wires one Engine from Options. Every collaborator (governors, the
// range cache, the map client, the read path) is constructed here so
// callers never touch internal/* package constructors directly.
func New(opts Options) (*Engine, error) {
	if opts.Metadata == nil {
		return nil, fmt.Errorf("engine: Metadata is required")
	}
	if opts.Blocks == nil {
		return nil, fmt.Errorf("engine: Blocks is required")
	}
	cfg := opts.Config

	kernel := codec.NewKernel(cfg.EncoderConcurrency)

	byteSem := governor.NewByteSemaphore(
		cfg.SemaphoreCap, cfg.StreamSemaphoreSizeCap, cfg.StreamMinimalSizeLock,
		cfg.StreamSemaphoreTimeout, nil,
	)

	mapClient := mapclient.New(opts.Metadata, opts.Blocks, mapclient.Options{
		CheckDups:        true,
		WriteConcurrency: 8,
	})

	pipe := &pipeline.Pipeline{
		Kernel:             kernel,
		MapClient:          mapClient,
		ByteSem:            byteSem,
		Coder:              coderConfig(cfg),
		Coalesce:           pipeline.CoalesceConfig{MaxLength: cfg.CoalescerMaxLength, MaxWait: cfg.CoalescerMaxWait},
		EncoderConcurrency: cfg.EncoderConcurrency,
	}

	global := governor.NewSlotSemaphore(cfg.ReadConcurrencyGlobal)
	agents := governor.NewAgentSemaphores(cfg.ReadConcurrencyAgent)

	reader := readpath.New(nil, opts.Metadata, opts.Blocks, kernel, global, agents, opts.ReadErrorReporter, readpath.Config{
		Coder:                coderConfig(cfg),
		RangeConcurrency:     cfg.ReadRangeConcurrency,
		BlockTimeout:         cfg.ReadBlockTimeout,
		ErrorInjectionOnRead: cfg.ErrorInjectionOnRead,
		VideoPrefetchLoadCap: cfg.VideoPrefetchLoadCap,
	})
	reader.SetCache(rangecache.New(cfg.ObjectRangeAlign, cfg.RangeCacheMaxBytes, reader, reader))

	var mx *metrics.Metrics
	if opts.Registry != nil {
		mx = metrics.NewMetricsWithRegistry(opts.Registry)
	} else {
		mx = metrics.NewMetricsWithConfig(opts.MetricsConfig)
	}

	return &Engine{
		cfg:       cfg,
		metadata:  opts.Metadata,
		kernel:    kernel,
		byteSem:   byteSem,
		readSlots: global,
		pipe:      pipe,
		reader:    reader,
		tel:       telemetry.New(opts.Logger),
		mx:        mx,
	}, nil
}

func coderConfig(cfg ioconfig.Config) model.ChunkCoderConfig {
	return model.ChunkCoderConfig{
		Compress:       true,
		CompressAlgo:   "zstd",
		Cipher:         true,
		FragDigestType: "blake3",
		DataFrags:      6,
		ParityFrags:    3,
		LRCFrags:       2,
	}
}

// UploadParams describes one upload_object/upload_multipart request.
type UploadParams struct {
	ObjID        string
	MultipartID  string
	DeclaredSize int64
	ContentType  string
	Reader       io.Reader
	Split        model.ChunkSplitConfig
	CheckDups    bool
}

// splitConfig applies the engine's default splitter parameters when the
// caller leaves Split zero-valued.
func (e *Engine) splitConfig(want model.ChunkSplitConfig) model.ChunkSplitConfig {
	if want.MinChunk > 0 {
		return want
	}
	d := e.cfg.Splitter
	return model.ChunkSplitConfig{
		MinChunk: d.MinChunk, MaxChunk: d.MaxChunk, AvgChunkBits: d.AvgChunkBits,
		CalcMD5: d.CalcMD5, CalcSHA256: d.CalcSHA256,
	}
}

// UploadObject drives upload_object/upload_multipart: split, encode,
// coalesce, and map-client placement, followed by the per-object metadata
// commit the upload path alone performs (the map client's FINALIZE only
// durably places fragments; the object's own part list and size/etag are
// committed here once every batch has succeeded).
func (e *Engine) UploadObject(ctx context.Context, params UploadParams) (*pipeline.UploadResult, error) {
	var result *pipeline.UploadResult
	_, err := e.tel.Stage(ctx, "upload_object", params.ObjID, func(ctx context.Context) (int64, error) {
		var err error
		result, err = e.pipe.Upload(ctx, pipeline.UploadParams{
			ObjID:        params.ObjID,
			MultipartID:  params.MultipartID,
			DeclaredSize: params.DeclaredSize,
			Reader:       params.Reader,
			Split:        e.splitConfig(params.Split),
			CheckDups:    params.CheckDups,
		})
		if err != nil {
			return 0, err
		}
		return objectSize(result.Parts), nil
	})
	if err != nil {
		e.mx.RecordReconstruct("failed") // upload-side failure counted alongside reconstruction failures: both mean "object unavailable"
		return nil, err
	}

	if params.MultipartID == "" {
		if err := e.metadata.CommitObject(ctx, params.ObjID, objectSize(result.Parts), params.ContentType, result.Parts); err != nil {
			return nil, fmt.Errorf("engine: commit object %s: %w", params.ObjID, err)
		}
	}
	return result, nil
}

func objectSize(parts []*model.Part) int64 {
	var size int64
	for _, p := range parts {
		if p.End > size {
			size = p.End
		}
	}
	return size
}

// ReadRange reads [start,end) of an object (read_object_stream's
// range-request form).
func (e *Engine) ReadRange(ctx context.Context, objID string, start, end int64) ([]byte, error) {
	var out []byte
	n, err := e.tel.Stage(ctx, "read_range", objID, func(ctx context.Context) (int64, error) {
		var err error
		out, err = e.reader.ReadRange(ctx, objID, start, end)
		return int64(len(out)), err
	})
	_ = n
	return out, err
}

// ReadEntireObject reads an object end to end (read_entire_object).
func (e *Engine) ReadEntireObject(ctx context.Context, objID string) ([]byte, error) {
	var out []byte
	_, err := e.tel.Stage(ctx, "read_entire_object", objID, func(ctx context.Context) (int64, error) {
		var err error
		out, err = e.reader.ReadEntireObject(ctx, objID)
		return int64(len(out)), err
	})
	return out, err
}

// ReadObjectStream returns an io.ReadCloser over [start,end) of an object,
// for callers that want the read_object_stream operation's streaming
// shape even though the read path itself assembles the range in memory.
func (e *Engine) ReadObjectStream(ctx context.Context, objID string, start, end int64) (io.ReadCloser, error) {
	data, err := e.ReadRange(ctx, objID, start, end)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// CopyObject performs the zero-data-movement copy fast path when eligible.
func (e *Engine) CopyObject(ctx context.Context, params pipeline.CopyParams) ([]*model.Part, error) {
	var parts []*model.Part
	_, err := e.tel.Stage(ctx, "copy_object", params.DestObjID, func(ctx context.Context) (int64, error) {
		var err error
		parts, err = pipeline.Copy(ctx, e.metadata, params)
		return objectSize(parts), err
	})
	return parts, err
}

// SetVerificationMode enables the read path's verify-all-replicas
// diagnostic mode.
func (e *Engine) SetVerificationMode() { e.reader.SetVerificationMode() }

// ClearVerificationMode disables verification mode.
func (e *Engine) ClearVerificationMode() { e.reader.ClearVerificationMode() }

// MetricsHandler exposes the engine's prometheus metrics over HTTP.
func (e *Engine) MetricsHandler() http.Handler { return e.mx.Handler() }

// HealthHandler reports that the process is up, independent of whether it
// currently has capacity to accept new work.
func (e *Engine) HealthHandler() http.Handler { return metrics.HealthHandler() }

// LivenessHandler reports that the engine's goroutines are alive and
// scheduling, independent of admission capacity.
func (e *Engine) LivenessHandler() http.Handler { return metrics.LivenessHandler() }

// ReadinessHandler reports whether the engine currently has headroom to
// admit new uploads and reads: the stream byte-admission semaphore and the
// global read-concurrency governor must both have free capacity. There is
// no external dependency (KMS, database) for this engine to ping — the
// governors it already holds are the complete readiness signal.
func (e *Engine) ReadinessHandler() http.Handler {
	return metrics.ReadinessHandler(func(ctx context.Context) error {
		if !e.byteSem.Headroom() {
			return fmt.Errorf("engine: stream byte-admission semaphore saturated")
		}
		if !e.readSlots.Headroom() {
			return fmt.Errorf("engine: read concurrency governor saturated")
		}
		return nil
	})
}
