package metrics

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})
	require.NotNil(t, m)
	require.NotNil(t, m.chunksTotal)
	require.NotNil(t, m.blockOpsTotal)
	require.NotNil(t, m.semaphoreWaitDuration)
}

func TestMetrics_RecordEncodeDecode(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordEncode(context.Background(), 4096, 2*time.Millisecond)
	m.RecordDecode(context.Background(), 4096, time.Millisecond)
	m.RecordReconstruct("data_only")
	m.RecordBatch(8)
}

func TestMetrics_RecordBlockOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordBlockOp(context.Background(), "read", "node-a", 5*time.Millisecond, "")
	m.RecordBlockOp(context.Background(), "write", "node-b", 10*time.Millisecond, "timeout")
}

func TestMetrics_CacheAndSemaphoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction()
	m.SetCacheBytesUsed(1024)
	m.RecordSemaphoreWait("stream", 15*time.Millisecond)
	m.RecordAdmissionTimeout()
	m.RecordTampering()
	m.IncrementActiveStreams()
	m.DecrementActiveStreams()
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})
	m.RecordEncode(context.Background(), 1024, time.Millisecond)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "ioengine_chunks_total")
}

// TestMetrics_GatherReportsCounterValue reads the registry's gathered
// families directly, the way a scrape-diffing alert rule would, rather than
// string-matching the exposition text.
func TestMetrics_GatherReportsCounterValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordEncode(context.Background(), 4096, time.Millisecond)
	m.RecordEncode(context.Background(), 8192, time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	var chunks *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "ioengine_chunks_total" {
			chunks = f
		}
	}
	require.NotNil(t, chunks, "expected ioengine_chunks_total in gathered families")
	require.Len(t, chunks.Metric, 1)
	require.Equal(t, "encode", chunks.Metric[0].GetLabel()[0].GetValue())
	require.Equal(t, float64(2), chunks.Metric[0].GetCounter().GetValue())
}
