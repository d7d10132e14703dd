package rangecache

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenchrcum/ioengine/internal/model"
)

type fakeLoader struct {
	calls int32
	fn    func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error)
}

func (f *fakeLoader) Load(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx, objID, alignedStart, align)
}

type fakeValidator struct {
	snapshot model.ObjectMD
}

func (f *fakeValidator) CurrentSnapshot(ctx context.Context, objID string) (model.ObjectMD, error) {
	return f.snapshot, nil
}

func TestCache_LoadsOnMissAndHitsThereafter(t *testing.T) {
	loader := &fakeLoader{fn: func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
		return &Entry{Snapshot: model.ObjectMD{ObjID: objID, ETag: "e1"}, Buffer: make([]byte, align)}, nil
	}}
	validator := &fakeValidator{snapshot: model.ObjectMD{ObjID: "o1", ETag: "e1"}}
	c := New(1024, 10*1024*1024, loader, validator)

	_, err := c.Get(context.Background(), "o1", 0)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "o1", 0)
	require.NoError(t, err)

	require.EqualValues(t, 1, loader.calls, "second get should hit cache, not reload")
}

func TestCache_InvalidatesOnSnapshotMismatch(t *testing.T) {
	loader := &fakeLoader{fn: func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
		return &Entry{Snapshot: model.ObjectMD{ObjID: objID, ETag: "e1"}, Buffer: make([]byte, align)}, nil
	}}
	validator := &fakeValidator{snapshot: model.ObjectMD{ObjID: "o1", ETag: "e1"}}
	c := New(1024, 10*1024*1024, loader, validator)

	_, err := c.Get(context.Background(), "o1", 0)
	require.NoError(t, err)

	validator.snapshot = model.ObjectMD{ObjID: "o1", ETag: "e2"}
	_, err = c.Get(context.Background(), "o1", 0)
	require.NoError(t, err)

	require.EqualValues(t, 2, loader.calls, "snapshot mismatch should force a reload")
}

func TestCache_EvictsByTotalBytesNotCount(t *testing.T) {
	const align = 1000
	loader := &fakeLoader{fn: func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
		return &Entry{Snapshot: model.ObjectMD{ObjID: objID}, Buffer: make([]byte, align)}, nil
	}}
	c := New(align, 2500, loader, nil)

	for i := int64(0); i < 5; i++ {
		_, err := c.Get(context.Background(), "o1", i*align)
		require.NoError(t, err)
	}

	c.mu.Lock()
	n := len(c.entries)
	used := c.usedBytes
	c.mu.Unlock()

	require.LessOrEqual(t, used, int64(2500))
	require.Less(t, n, 5)
}

func TestCache_ConcurrentMissesCoalesceIntoOneLoad(t *testing.T) {
	release := make(chan struct{})
	loader := &fakeLoader{fn: func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
		<-release
		return &Entry{Snapshot: model.ObjectMD{ObjID: objID}, Buffer: make([]byte, align)}, nil
	}}
	c := New(1024, 10*1024*1024, loader, nil)

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := c.Get(context.Background(), "o1", 0)
			results <- err
		}()
	}
	close(release)
	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
	require.EqualValues(t, 1, loader.calls)
}

func TestSlice_IntersectionAndHole(t *testing.T) {
	entry := &Entry{Buffer: []byte("0123456789")}
	got := Slice(entry, 100, 10, 102, 106)
	require.Equal(t, []byte("2345"), got)

	hole := &Entry{Buffer: nil}
	require.Nil(t, Slice(hole, 0, 10, 0, 5))

	require.Nil(t, Slice(entry, 100, 10, 200, 210), "no overlap returns nil")
}

func TestInvalidateObject_DropsAllEntriesForObject(t *testing.T) {
	loader := &fakeLoader{fn: func(ctx context.Context, objID string, alignedStart, align int64) (*Entry, error) {
		return &Entry{Snapshot: model.ObjectMD{ObjID: objID}, Buffer: make([]byte, align)}, nil
	}}
	c := New(1024, 10*1024*1024, loader, nil)

	_, err := c.Get(context.Background(), "o1", 0)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "o1", 1024)
	require.NoError(t, err)

	c.InvalidateObject("o1")

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	require.Zero(t, n)
}
