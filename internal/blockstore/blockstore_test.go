package blockstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/kenchrcum/ioengine/internal/model"
)

// TestStore_ReadWriteBlock_MinIO exercises the block-store transport
// against a real S3-compatible agent, in the manner of the teacher's
// container-backed integration tests (test/garage_integration_test.go).
func TestStore_ReadWriteBlock_MinIO(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := minio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	if err != nil {
		t.Skipf("minio container unavailable: %v", err)
	}
	defer container.Terminate(ctx)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := New(ctx, []AgentConfig{
		{
			NodeID:    "node-a",
			Endpoint:  "http://" + endpoint,
			Region:    "us-east-1",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "ioengine-blocks",
		},
	})
	require.NoError(t, err)

	block := &model.Block{BlockID: "blk-1", NodeID: "node-a", Address: "frag/0/data"}
	payload := []byte("fragment ciphertext bytes")

	err = store.WriteBlock(ctx, block, payload)
	require.NoError(t, err)

	got, err := store.ReadBlock(ctx, block)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestStore_ReadBlock_UnknownNode(t *testing.T) {
	store, err := New(context.Background(), nil)
	require.NoError(t, err)

	_, err = store.ReadBlock(context.Background(), &model.Block{BlockID: "blk-1", NodeID: "ghost"})
	require.Error(t, err)
}
