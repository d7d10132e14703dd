package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBlockOp_NodeLabelDisabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: false})

	m.RecordBlockOp(context.Background(), "read", "node-a", time.Millisecond, "")
	m.RecordBlockOp(context.Background(), "read", "node-b", time.Millisecond, "")

	count := testutil.ToFloat64(m.blockOpsTotal.WithLabelValues("read", "*"))
	assert.Equal(t, 2.0, count)
}

func TestRecordBlockOp_NodeLabelEnabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordBlockOp(context.Background(), "write", "node-a", time.Millisecond, "")
	m.RecordBlockOp(context.Background(), "write", "node-a", time.Millisecond, "")
	m.RecordBlockOp(context.Background(), "write", "node-b", time.Millisecond, "")

	countA := testutil.ToFloat64(m.blockOpsTotal.WithLabelValues("write", "node-a"))
	countB := testutil.ToFloat64(m.blockOpsTotal.WithLabelValues("write", "node-b"))
	assert.Equal(t, 2.0, countA)
	assert.Equal(t, 1.0, countB)
}

func TestRecordBlockOp_ErrorTypeLabeled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableNodeLabel: true})

	m.RecordBlockOp(context.Background(), "read", "node-a", time.Millisecond, "timeout")
	m.RecordBlockOp(context.Background(), "read", "node-a", time.Millisecond, "timeout")

	count := testutil.ToFloat64(m.blockOpErrors.WithLabelValues("read", "node-a", "timeout"))
	assert.Equal(t, 2.0, count)
}
