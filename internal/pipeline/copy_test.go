package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/ioengine/internal/model"
)

type fakeCopySource struct {
	parts     []*model.Part
	finalized []*model.Part
}

func (f *fakeCopySource) ReadObjectMappings(ctx context.Context, objID string) ([]*model.Part, []*model.Chunk, error) {
	return f.parts, nil, nil
}

func (f *fakeCopySource) FinalizeObjectParts(ctx context.Context, objID string, parts []*model.Part) error {
	f.finalized = parts
	return nil
}

func TestCopy_SameBucketNoRange_ReusesMappings(t *testing.T) {
	src := &fakeCopySource{parts: []*model.Part{
		{ObjID: "src-1", Seq: 0, Start: 0, End: 100, ChunkID: "c1"},
	}}

	parts, err := Copy(context.Background(), src, CopyParams{
		SourceBucket: "b1", DestBucket: "b1",
		SourceObjID: "src-1", DestObjID: "dst-1",
	})
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "dst-1", parts[0].ObjID)
	require.Equal(t, "c1", parts[0].ChunkID)
	require.Equal(t, parts, src.finalized)
}

func TestCopy_CrossBucket_NotEligible(t *testing.T) {
	src := &fakeCopySource{}
	_, err := Copy(context.Background(), src, CopyParams{
		SourceBucket: "b1", DestBucket: "b2",
		SourceObjID: "src-1", DestObjID: "dst-1",
	})
	require.Error(t, err)
}

func TestCopy_WithRange_NotEligible(t *testing.T) {
	src := &fakeCopySource{}
	_, err := Copy(context.Background(), src, CopyParams{
		SourceBucket: "b1", DestBucket: "b1",
		HasRange: true,
	})
	require.Error(t, err)
}
