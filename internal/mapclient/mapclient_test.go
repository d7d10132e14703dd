package mapclient

import (
	"context"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/ioengine/internal/ioerrors"
	"github.com/kenchrcum/ioengine/internal/model"
)

type fakeService struct {
	mu        sync.Mutex
	decisions []ChunkDecision
	allocErr  error
	finalize  FinalizeResult
	finalErr  error
	aborted   []string
	reports   []ErrorReport
}

func (f *fakeService) Allocate(ctx context.Context, batchID string, chunks []*model.Chunk, checkDups bool) ([]ChunkDecision, error) {
	if f.allocErr != nil {
		return nil, f.allocErr
	}
	return f.decisions, nil
}

func (f *fakeService) Finalize(ctx context.Context, batchID string, blocks []FinalizedBlock) (FinalizeResult, error) {
	if f.finalErr != nil {
		return FinalizeResult{}, f.finalErr
	}
	return f.finalize, nil
}

func (f *fakeService) Abort(ctx context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, batchID)
	return nil
}

func (f *fakeService) ReportError(ctx context.Context, report ErrorReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
}

type fakeWriter struct {
	mu      sync.Mutex
	written map[string][]byte
	failFor map[string]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{written: make(map[string][]byte), failFor: make(map[string]bool)}
}

func (f *fakeWriter) WriteBlock(ctx context.Context, block *model.Block, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[block.BlockID] {
		return errTest
	}
	f.written[block.BlockID] = data
	return nil
}

var errTest = &testError{"simulated write failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func chunkUpload(id string, dataFrags int) ChunkUpload {
	chunk := &model.Chunk{ID: id}
	var frags []FragmentBytes
	for i := 0; i < dataFrags; i++ {
		frags = append(frags, FragmentBytes{Kind: model.FragmentData, Index: i, Payload: []byte("payload")})
	}
	return ChunkUpload{Chunk: chunk, Fragments: frags}
}

func TestClient_Process_HappyPath(t *testing.T) {
	upload := chunkUpload("chunk-1", 2)
	svc := &fakeService{
		decisions: []ChunkDecision{{
			ChunkID: "chunk-1",
			Allocations: []FragmentAllocation{
				{Kind: model.FragmentData, Index: 0, Blocks: []*model.Block{{BlockID: "b0", NodeID: "n1"}}},
				{Kind: model.FragmentData, Index: 1, Blocks: []*model.Block{{BlockID: "b1", NodeID: "n1"}}},
			},
		}},
		finalize: FinalizeResult{HadErrors: false},
	}
	writer := newFakeWriter()
	c := New(svc, writer, Options{})

	result, err := c.Process(context.Background(), "batch-1", []ChunkUpload{upload})
	require.NoError(t, err)
	require.Equal(t, StateDone, result.State)
	require.Len(t, writer.written, 2)
	require.Empty(t, svc.aborted)
}

func TestClient_Process_DuplicateChunkSkipsWrite(t *testing.T) {
	upload := chunkUpload("chunk-1", 1)
	svc := &fakeService{
		decisions: []ChunkDecision{{ChunkID: "chunk-1", DupOf: "chunk-0"}},
		finalize:  FinalizeResult{HadErrors: false},
	}
	writer := newFakeWriter()
	c := New(svc, writer, Options{CheckDups: true})

	result, err := c.Process(context.Background(), "batch-1", []ChunkUpload{upload})
	require.NoError(t, err)
	require.Equal(t, StateDone, result.State)
	require.Empty(t, writer.written)
}

func TestClient_Process_HadErrorsFailsAndAborts(t *testing.T) {
	upload := chunkUpload("chunk-1", 1)
	svc := &fakeService{
		decisions: []ChunkDecision{{
			ChunkID:     "chunk-1",
			Allocations: []FragmentAllocation{{Kind: model.FragmentData, Index: 0, Blocks: []*model.Block{{BlockID: "b0", NodeID: "n1"}}}},
		}},
		finalize: FinalizeResult{HadErrors: true, Message: "durability floor not met"},
	}
	writer := newFakeWriter()
	c := New(svc, writer, Options{})

	result, err := c.Process(context.Background(), "batch-1", []ChunkUpload{upload})
	require.Error(t, err)
	require.Equal(t, StateFailed, result.State)

	var uploadMapErr *ioerrors.ErrUploadMap
	require.ErrorAs(t, err, &uploadMapErr)
	require.Equal(t, []string{"batch-1"}, svc.aborted)
}

func TestClient_Process_BlockWriteFailureReportsButContinues(t *testing.T) {
	upload := chunkUpload("chunk-1", 2)
	writer := newFakeWriter()
	writer.failFor["b0"] = true
	svc := &fakeService{
		decisions: []ChunkDecision{{
			ChunkID: "chunk-1",
			Allocations: []FragmentAllocation{
				{Kind: model.FragmentData, Index: 0, Blocks: []*model.Block{{BlockID: "b0", NodeID: "n1"}}},
				{Kind: model.FragmentData, Index: 1, Blocks: []*model.Block{{BlockID: "b1", NodeID: "n1"}}},
			},
		}},
		finalize: FinalizeResult{HadErrors: false},
	}
	c := New(svc, writer, Options{})

	result, err := c.Process(context.Background(), "batch-1", []ChunkUpload{upload})
	require.NoError(t, err, "the service decides durability, not the map client")
	require.Equal(t, StateDone, result.State)
	require.Len(t, svc.reports, 1)
	require.Equal(t, "b0", svc.reports[0].BlockID)
}

func TestClient_Process_AllocateRetriesThenFails(t *testing.T) {
	svc := &fakeService{allocErr: errTest}
	writer := newFakeWriter()
	c := New(svc, writer, Options{Backoff: backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)})

	_, err := c.Process(context.Background(), "batch-1", []ChunkUpload{chunkUpload("chunk-1", 1)})
	require.Error(t, err)
	require.Equal(t, []string{"batch-1"}, svc.aborted)
}
