package pipeline

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/ioengine/internal/codec"
	"github.com/kenchrcum/ioengine/internal/governor"
	"github.com/kenchrcum/ioengine/internal/mapclient"
	"github.com/kenchrcum/ioengine/internal/model"
)

type fakeMetadataService struct {
	mu       sync.Mutex
	blocks   map[string][]byte
	batchIDs []string
}

func newFakeMetadataService() *fakeMetadataService {
	return &fakeMetadataService{blocks: make(map[string][]byte)}
}

func (f *fakeMetadataService) Allocate(ctx context.Context, batchID string, chunks []*model.Chunk, checkDups bool) ([]mapclient.ChunkDecision, error) {
	f.mu.Lock()
	f.batchIDs = append(f.batchIDs, batchID)
	f.mu.Unlock()

	var decisions []mapclient.ChunkDecision
	for _, chunk := range chunks {
		var allocs []mapclient.FragmentAllocation
		for _, frag := range chunk.Frags {
			allocs = append(allocs, mapclient.FragmentAllocation{
				Kind:  frag.Kind,
				Index: frag.Index,
				Blocks: []*model.Block{{
					BlockID: chunk.ID + "-" + frag.Kind.String() + "-" + strconv.Itoa(frag.Index),
					NodeID:  "node-a",
				}},
			})
		}
		decisions = append(decisions, mapclient.ChunkDecision{ChunkID: chunk.ID, Allocations: allocs})
	}
	return decisions, nil
}

func (f *fakeMetadataService) Finalize(ctx context.Context, batchID string, blocks []mapclient.FinalizedBlock) (mapclient.FinalizeResult, error) {
	return mapclient.FinalizeResult{}, nil
}

func (f *fakeMetadataService) Abort(ctx context.Context, batchID string) error { return nil }

func (f *fakeMetadataService) ReportError(ctx context.Context, report mapclient.ErrorReport) {}

type fakeWriter struct {
	mu      sync.Mutex
	written map[string][]byte
}

func newFakeWriter() *fakeWriter { return &fakeWriter{written: make(map[string][]byte)} }

func (f *fakeWriter) WriteBlock(ctx context.Context, block *model.Block, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.written[block.BlockID] = buf
	return nil
}

func newTestPipeline() *Pipeline {
	svc := newFakeMetadataService()
	writer := newFakeWriter()
	mc := mapclient.New(svc, writer, mapclient.Options{})
	sem := governor.NewByteSemaphore(100<<20, 100<<20, 1<<20, 5*time.Second, nil)

	return &Pipeline{
		Kernel:    codec.NewKernel(4),
		MapClient: mc,
		ByteSem:   sem,
		Coder: model.ChunkCoderConfig{
			Compress:       true,
			CompressAlgo:   "zstd",
			Cipher:         true,
			FragDigestType: "blake3",
			DataFrags:      3,
			ParityFrags:    1,
		},
		Coalesce:           CoalesceConfig{MaxLength: 2, MaxWait: 50 * time.Millisecond},
		EncoderConcurrency: 4,
	}
}

func TestPipeline_Upload_SmallObject_SingleChunk(t *testing.T) {
	p := newTestPipeline()
	data := bytes.Repeat([]byte("hello pipeline "), 100)

	result, err := p.Upload(context.Background(), UploadParams{
		ObjID:        "obj-1",
		DeclaredSize: int64(len(data)),
		Reader:       bytes.NewReader(data),
		Split:        model.ChunkSplitConfig{MinChunk: 64 << 10, MaxChunk: 256 << 10, AvgChunkBits: 12, CalcMD5: true},
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	require.Len(t, result.Parts, 1)
	require.Equal(t, int64(0), result.Parts[0].Start)
	require.Equal(t, int64(len(data)), result.Parts[0].End)
	require.NotEmpty(t, result.MD5)
}

func TestPipeline_Upload_MultiChunk_PartsContiguousAndOrdered(t *testing.T) {
	p := newTestPipeline()
	data := make([]byte, 2*1024*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	result, err := p.Upload(context.Background(), UploadParams{
		ObjID:        "obj-2",
		DeclaredSize: int64(len(data)),
		Reader:       bytes.NewReader(data),
		Split:        model.ChunkSplitConfig{MinChunk: 64 << 10, MaxChunk: 256 << 10, AvgChunkBits: 14, CalcMD5: true},
	})
	require.NoError(t, err)
	require.Greater(t, len(result.Parts), 1)

	var offset int64
	for _, part := range result.Parts {
		require.Equal(t, offset, part.Start)
		offset = part.End
	}
	require.Equal(t, int64(len(data)), offset)
}

func TestPipeline_Upload_AdmissionTimeout(t *testing.T) {
	p := newTestPipeline()
	p.ByteSem = governor.NewByteSemaphore(10, 10, 10, 5*time.Millisecond, nil)

	held, err := p.ByteSem.Acquire(context.Background(), 10)
	require.NoError(t, err)
	defer held.Release()

	_, err = p.Upload(context.Background(), UploadParams{
		ObjID:        "obj-3",
		DeclaredSize: 10,
		Reader:       bytes.NewReader([]byte("x")),
		Split:        model.ChunkSplitConfig{MinChunk: 1, MaxChunk: 10, AvgChunkBits: 2},
	})
	require.Error(t, err)
}
