// Package metrics exposes prometheus counters/histograms/gauges for the
// upload and read pipelines, plus exemplar wiring so traces and metrics
// correlate in the same dashboard.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	// EnableNodeLabel controls whether block-op metrics carry a per-node_id
	// label. Large deployments with many storage agents may want this off
	// to bound series cardinality.
	EnableNodeLabel bool
}

// Metrics holds all engine metrics.
type Metrics struct {
	config Config

	chunksTotal      *prometheus.CounterVec
	chunkSizeBytes   *prometheus.HistogramVec
	encodeDuration   prometheus.Histogram
	decodeDuration   prometheus.Histogram
	reconstructTotal *prometheus.CounterVec // outcome=data_only|erasure|failed

	batchSizeChunks prometheus.Histogram

	blockOpsTotal    *prometheus.CounterVec
	blockOpDuration  *prometheus.HistogramVec
	blockOpErrors    *prometheus.CounterVec

	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheBytesUsed prometheus.Gauge

	semaphoreWaitDuration *prometheus.HistogramVec // semaphore={stream,global_read,agent_read,range}
	admissionTimeouts     prometheus.Counter
	tamperingDetected     prometheus.Counter

	activeStreams    prometheus.Gauge
	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration,
// registered against the default prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableNodeLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the given config.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance against a custom
// registry, useful for tests to avoid duplicate-registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,

		chunksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioengine_chunks_total",
				Help: "Total number of chunks processed by the encode/decode kernel",
			},
			[]string{"op"}, // "encode" or "decode"
		),
		chunkSizeBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ioengine_chunk_size_bytes",
				Help:    "Chunk plaintext size in bytes",
				Buckets: prometheus.ExponentialBuckets(1<<14, 2, 10),
			},
			[]string{"op"},
		),
		encodeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ioengine_encode_duration_seconds",
				Help:    "Kernel Encode call duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		decodeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ioengine_decode_duration_seconds",
				Help:    "Kernel Decode/DecodeSized call duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		reconstructTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioengine_reconstruct_total",
				Help: "Chunk reconstructions on the read path by outcome",
			},
			[]string{"outcome"}, // "data_only", "erasure", "failed"
		),
		batchSizeChunks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ioengine_coalescer_batch_size_chunks",
				Help:    "Number of chunks per allocate/finalize batch",
				Buckets: []float64{1, 2, 4, 8, 16, 20, 32, 64},
			},
		),
		blockOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioengine_block_ops_total",
				Help: "Total block read/write operations against storage agents",
			},
			[]string{"op", "node_id"},
		),
		blockOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ioengine_block_op_duration_seconds",
				Help:    "Block read/write latency by storage agent",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "node_id"},
		),
		blockOpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ioengine_block_op_errors_total",
				Help: "Total block read/write errors by storage agent",
			},
			[]string{"op", "node_id", "error_type"},
		),
		cacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ioengine_range_cache_hits_total",
				Help: "Range cache hits",
			},
		),
		cacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ioengine_range_cache_misses_total",
				Help: "Range cache misses",
			},
		),
		cacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ioengine_range_cache_evictions_total",
				Help: "Range cache LRU evictions",
			},
		),
		cacheBytesUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioengine_range_cache_bytes_used",
				Help: "Current range cache occupancy in bytes",
			},
		),
		semaphoreWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ioengine_semaphore_wait_duration_seconds",
				Help:    "Time spent waiting to acquire a concurrency governor slot",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"semaphore"}, // "stream", "global_read", "agent_read", "range"
		),
		admissionTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ioengine_stream_admission_timeouts_total",
				Help: "Stream byte-semaphore admission timeouts",
			},
		),
		tamperingDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ioengine_tampering_detected_total",
				Help: "Digest mismatches detected in verification mode",
			},
		),
		activeStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioengine_active_streams",
				Help: "Number of in-flight upload or read streams",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioengine_goroutines",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioengine_memory_alloc_bytes",
				Help: "Bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ioengine_memory_sys_bytes",
				Help: "Bytes obtained from the OS",
			},
		),
	}
}

func (m *Metrics) nodeLabel(nodeID string) string {
	if !m.config.EnableNodeLabel {
		return "*"
	}
	return nodeID
}

// RecordEncode records one kernel Encode call.
func (m *Metrics) RecordEncode(ctx context.Context, size int64, duration time.Duration) {
	m.recordCounterWithExemplar(ctx, m.chunksTotal, prometheus.Labels{"op": "encode"})
	m.chunkSizeBytes.WithLabelValues("encode").Observe(float64(size))
	m.encodeDuration.Observe(duration.Seconds())
}

// RecordDecode records one kernel Decode/DecodeSized call.
func (m *Metrics) RecordDecode(ctx context.Context, size int64, duration time.Duration) {
	m.recordCounterWithExemplar(ctx, m.chunksTotal, prometheus.Labels{"op": "decode"})
	m.chunkSizeBytes.WithLabelValues("decode").Observe(float64(size))
	m.decodeDuration.Observe(duration.Seconds())
}

// RecordReconstruct records the read path's fragment-selection outcome for
// one chunk: "data_only" (no erasure math needed), "erasure" (reconstructed
// from parity/LRC), or "failed".
func (m *Metrics) RecordReconstruct(outcome string) {
	m.reconstructTotal.WithLabelValues(outcome).Inc()
}

// RecordBatch records one coalescer batch size.
func (m *Metrics) RecordBatch(size int) {
	m.batchSizeChunks.Observe(float64(size))
}

// RecordBlockOp records one block read or write against a storage agent.
// errorType is empty on success.
func (m *Metrics) RecordBlockOp(ctx context.Context, op, nodeID string, duration time.Duration, errorType string) {
	node := m.nodeLabel(nodeID)
	m.recordCounterWithExemplar(ctx, m.blockOpsTotal, prometheus.Labels{"op": op, "node_id": node})
	m.blockOpDuration.WithLabelValues(op, node).Observe(duration.Seconds())
	if errorType != "" {
		m.blockOpErrors.WithLabelValues(op, node, errorType).Inc()
	}
}

// RecordCacheHit/Miss/Eviction track the range cache's effectiveness.
func (m *Metrics) RecordCacheHit()      { m.cacheHits.Inc() }
func (m *Metrics) RecordCacheMiss()     { m.cacheMisses.Inc() }
func (m *Metrics) RecordCacheEviction() { m.cacheEvictions.Inc() }

// SetCacheBytesUsed reports the range cache's current occupancy.
func (m *Metrics) SetCacheBytesUsed(bytes int64) { m.cacheBytesUsed.Set(float64(bytes)) }

// RecordSemaphoreWait records time spent blocked acquiring a governor slot.
func (m *Metrics) RecordSemaphoreWait(semaphore string, duration time.Duration) {
	m.semaphoreWaitDuration.WithLabelValues(semaphore).Observe(duration.Seconds())
}

// RecordAdmissionTimeout records a stream byte-semaphore timeout.
func (m *Metrics) RecordAdmissionTimeout() { m.admissionTimeouts.Inc() }

// RecordTampering records a verification-mode digest mismatch.
func (m *Metrics) RecordTampering() { m.tamperingDetected.Inc() }

// IncrementActiveStreams / DecrementActiveStreams track in-flight streams.
func (m *Metrics) IncrementActiveStreams() { m.activeStreams.Inc() }
func (m *Metrics) DecrementActiveStreams() { m.activeStreams.Dec() }

func (m *Metrics) recordCounterWithExemplar(ctx context.Context, vec *prometheus.CounterVec, labels prometheus.Labels) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := vec.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
			return
		}
	}
	vec.With(labels).Inc()
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts the trace ID from context for prometheus exemplars.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
